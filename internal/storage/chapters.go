package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/novel"
)

// --- Novels ---

func (s *Store) CreateNovel(n novel.Novel) error {
	if n.Stage == "" {
		n.Stage = novel.StageSeeded
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO novels (id, title, stage, created_at) VALUES (?, ?, ?, ?)`,
		n.ID, n.Title, string(n.Stage), formatTime(n.CreatedAt))
	return err
}

func (s *Store) GetNovel(id string) (novel.Novel, error) {
	var n novel.Novel
	var stage, createdAt string
	err := s.db.QueryRow(`SELECT id, title, stage, created_at FROM novels WHERE id = ?`, id).
		Scan(&n.ID, &n.Title, &stage, &createdAt)
	if err == sql.ErrNoRows {
		return novel.Novel{}, ErrNotFound
	}
	if err != nil {
		return novel.Novel{}, err
	}
	n.Stage = novel.Stage(stage)
	if n.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return novel.Novel{}, err
	}
	return n, nil
}

func (s *Store) ListNovels() ([]novel.Novel, error) {
	rows, err := s.db.Query(`SELECT id, title, stage, created_at FROM novels ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []novel.Novel
	for rows.Next() {
		var n novel.Novel
		var stage, createdAt string
		if err := rows.Scan(&n.ID, &n.Title, &stage, &createdAt); err != nil {
			return nil, err
		}
		n.Stage = novel.Stage(stage)
		if n.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AdvanceNovelStage moves the novel forward to stage. Earlier stages are ignored.
func (s *Store) AdvanceNovelStage(id string, stage novel.Stage) (novel.Stage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning stage transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT stage FROM novels WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	next := novel.Stage(current).Advance(stage)
	if _, err := tx.Exec(`UPDATE novels SET stage = ? WHERE id = ?`, string(next), id); err != nil {
		return "", err
	}
	return next, tx.Commit()
}

// --- Chapters ---

const chapterColumns = `id, novel_id, ord, title, outline, content, stage, pending_review, word_count, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChapter(r rowScanner) (novel.Chapter, error) {
	var c novel.Chapter
	var stage, updatedAt string
	var pending int
	if err := r.Scan(&c.ID, &c.NovelID, &c.Order, &c.Title, &c.Outline, &c.Content,
		&stage, &pending, &c.WordCount, &updatedAt); err != nil {
		return novel.Chapter{}, err
	}
	c.Stage = novel.Stage(stage)
	c.PendingReview = pending != 0
	t, err := parseTime("updated_at", updatedAt)
	if err != nil {
		return novel.Chapter{}, err
	}
	c.UpdatedAt = t
	return c, nil
}

func (s *Store) CreateChapter(c novel.Chapter) error {
	if c.Stage == "" {
		c.Stage = novel.StageSeeded
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	if c.WordCount == 0 && c.Content != "" {
		c.WordCount = novel.CountWords(c.Content)
	}
	_, err := s.db.Exec(`INSERT INTO chapters (`+chapterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.NovelID, c.Order, c.Title, c.Outline, c.Content, string(c.Stage),
		boolInt(c.PendingReview), c.WordCount, formatTime(c.UpdatedAt))
	return err
}

func (s *Store) GetChapter(id string) (novel.Chapter, error) {
	c, err := scanChapter(s.db.QueryRow(`SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return novel.Chapter{}, ErrNotFound
	}
	return c, err
}

func (s *Store) GetChapterByOrder(novelID string, order int) (novel.Chapter, error) {
	c, err := scanChapter(s.db.QueryRow(`SELECT `+chapterColumns+` FROM chapters WHERE novel_id = ? AND ord = ?`, novelID, order))
	if err == sql.ErrNoRows {
		return novel.Chapter{}, ErrNotFound
	}
	return c, err
}

func (s *Store) queryChapters(query string, args ...any) ([]novel.Chapter, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []novel.Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListChapters returns every chapter of the novel in reading order.
func (s *Store) ListChapters(novelID string) ([]novel.Chapter, error) {
	return s.queryChapters(`SELECT `+chapterColumns+` FROM chapters WHERE novel_id = ? ORDER BY ord ASC`, novelID)
}

// ChaptersBefore returns up to limit chapters immediately preceding order,
// in reading order.
func (s *Store) ChaptersBefore(novelID string, order, limit int) ([]novel.Chapter, error) {
	chapters, err := s.queryChapters(`SELECT `+chapterColumns+` FROM chapters
		WHERE novel_id = ? AND ord < ? ORDER BY ord DESC LIMIT ?`, novelID, order, limit)
	if err != nil {
		return nil, err
	}
	reverse(chapters)
	return chapters, nil
}

// IncompleteChaptersBefore returns the chapters before order whose stage is
// not completed, in reading order.
func (s *Store) IncompleteChaptersBefore(novelID string, order int) ([]novel.Chapter, error) {
	return s.queryChapters(`SELECT `+chapterColumns+` FROM chapters
		WHERE novel_id = ? AND ord < ? AND stage != ? ORDER BY ord ASC`,
		novelID, order, string(novel.StageCompleted))
}

// AdvanceChapterStage moves a chapter forward to stage and clears the
// review flag once the chapter is reviewed or completed.
func (s *Store) AdvanceChapterStage(id string, stage novel.Stage) (novel.Stage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning stage transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT stage FROM chapters WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	next := novel.Stage(current).Advance(stage)
	pendingClause := ""
	if next.AtLeast(novel.StageReviewed) {
		pendingClause = ", pending_review = 0"
	}
	if _, err := tx.Exec(`UPDATE chapters SET stage = ?, updated_at = ?`+pendingClause+` WHERE id = ?`,
		string(next), formatTime(time.Now()), id); err != nil {
		return "", err
	}
	return next, tx.Commit()
}

// CommitChapterDraft writes accepted content, the advanced stage, the review
// flag and a new version row in one transaction. It returns the version id.
func (s *Store) CommitChapterDraft(c ChapterCommit) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT stage FROM chapters WHERE id = ?`, c.ChapterID).Scan(&current)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	now := formatTime(time.Now())
	stage := novel.Stage(current).Advance(c.Stage)
	if _, err := tx.Exec(`UPDATE chapters SET content = ?, stage = ?, pending_review = ?, word_count = ?, updated_at = ? WHERE id = ?`,
		c.Content, string(stage), boolInt(c.PendingReview), novel.CountWords(c.Content), now, c.ChapterID); err != nil {
		return "", fmt.Errorf("updating chapter: %w", err)
	}

	versionID := uuid.New().String()
	if _, err := tx.Exec(`INSERT INTO chapter_versions (id, chapter_id, content, source, continuity_score, continuity_verdict, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		versionID, c.ChapterID, c.Content, c.Source, c.ContinuityScore, c.ContinuityVerdict, now); err != nil {
		return "", fmt.Errorf("writing chapter version: %w", err)
	}

	if c.ClearBranches {
		if _, err := tx.Exec(`DELETE FROM branch_candidates WHERE chapter_id = ?`, c.ChapterID); err != nil {
			return "", fmt.Errorf("clearing branch cache: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing chapter draft: %w", err)
	}
	return versionID, nil
}

// ListVersions returns a chapter's versions, newest first.
func (s *Store) ListVersions(chapterID string) ([]novel.ChapterVersion, error) {
	rows, err := s.db.Query(`SELECT id, chapter_id, content, source, continuity_score, continuity_verdict, created_at
		FROM chapter_versions WHERE chapter_id = ? ORDER BY created_at DESC, rowid DESC`, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []novel.ChapterVersion
	for rows.Next() {
		var v novel.ChapterVersion
		var createdAt string
		if err := rows.Scan(&v.ID, &v.ChapterID, &v.Content, &v.Source, &v.ContinuityScore, &v.ContinuityVerdict, &createdAt); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Summaries ---

func (s *Store) UpsertSummary(sum novel.ChapterSummary) error {
	_, err := s.db.Exec(`
		INSERT INTO chapter_summaries (novel_id, chapter_number, one_line, key_events, character_developments,
			hooks_planted, hooks_referenced, hooks_resolved, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(novel_id, chapter_number) DO UPDATE SET
			one_line = excluded.one_line,
			key_events = excluded.key_events,
			character_developments = excluded.character_developments,
			hooks_planted = excluded.hooks_planted,
			hooks_referenced = excluded.hooks_referenced,
			hooks_resolved = excluded.hooks_resolved,
			updated_at = excluded.updated_at`,
		sum.NovelID, sum.ChapterNumber, sum.OneLine, encodeList(sum.KeyEvents), encodeList(sum.CharacterDevelopments),
		encodeList(sum.HooksPlanted), encodeList(sum.HooksReferenced), encodeList(sum.HooksResolved),
		formatTime(time.Now()),
	)
	return err
}

const summaryColumns = `novel_id, chapter_number, one_line, key_events, character_developments, hooks_planted, hooks_referenced, hooks_resolved`

func scanSummary(r rowScanner) (novel.ChapterSummary, error) {
	var sum novel.ChapterSummary
	var events, devs, planted, referenced, resolved string
	if err := r.Scan(&sum.NovelID, &sum.ChapterNumber, &sum.OneLine, &events, &devs, &planted, &referenced, &resolved); err != nil {
		return novel.ChapterSummary{}, err
	}
	var err error
	if sum.KeyEvents, err = decodeList[string]("key_events", events); err != nil {
		return novel.ChapterSummary{}, err
	}
	if sum.CharacterDevelopments, err = decodeList[string]("character_developments", devs); err != nil {
		return novel.ChapterSummary{}, err
	}
	if sum.HooksPlanted, err = decodeList[string]("hooks_planted", planted); err != nil {
		return novel.ChapterSummary{}, err
	}
	if sum.HooksReferenced, err = decodeList[string]("hooks_referenced", referenced); err != nil {
		return novel.ChapterSummary{}, err
	}
	if sum.HooksResolved, err = decodeList[string]("hooks_resolved", resolved); err != nil {
		return novel.ChapterSummary{}, err
	}
	return sum, nil
}

func (s *Store) GetSummary(novelID string, chapterNumber int) (novel.ChapterSummary, error) {
	sum, err := scanSummary(s.db.QueryRow(`SELECT `+summaryColumns+` FROM chapter_summaries
		WHERE novel_id = ? AND chapter_number = ?`, novelID, chapterNumber))
	if err == sql.ErrNoRows {
		return novel.ChapterSummary{}, ErrNotFound
	}
	return sum, err
}

// SummariesBefore returns up to limit summaries of chapters numbered below
// before, in reading order.
func (s *Store) SummariesBefore(novelID string, before, limit int) ([]novel.ChapterSummary, error) {
	rows, err := s.db.Query(`SELECT `+summaryColumns+` FROM chapter_summaries
		WHERE novel_id = ? AND chapter_number < ? ORDER BY chapter_number DESC LIMIT ?`, novelID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []novel.ChapterSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
