package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- Branch cache ---

const branchColumns = `id, chapter_id, branch_number, iteration_round, temperature, content,
	continuity_score, continuity_verdict, continuity_issues, rank, created_at`

func scanBranch(r rowScanner) (BranchCandidate, error) {
	var b BranchCandidate
	var createdAt string
	if err := r.Scan(&b.ID, &b.ChapterID, &b.BranchNumber, &b.IterationRound, &b.Temperature, &b.Content,
		&b.ContinuityScore, &b.ContinuityVerdict, &b.ContinuityIssues, &b.Rank, &createdAt); err != nil {
		return BranchCandidate{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return BranchCandidate{}, err
	}
	b.CreatedAt = t
	return b, nil
}

// ReplaceBranches swaps the chapter's cached candidates for keep in one
// transaction. Candidates not in keep are evicted.
func (s *Store) ReplaceBranches(chapterID string, keep []BranchCandidate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning branch transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM branch_candidates WHERE chapter_id = ?`, chapterID); err != nil {
		return fmt.Errorf("evicting branches: %w", err)
	}

	now := formatTime(time.Now())
	for _, b := range keep {
		issues := b.ContinuityIssues
		if strings.TrimSpace(issues) == "" {
			issues = "[]"
		}
		if _, err := tx.Exec(`INSERT INTO branch_candidates (`+branchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, chapterID, b.BranchNumber, b.IterationRound, b.Temperature, b.Content,
			b.ContinuityScore, b.ContinuityVerdict, issues, b.Rank, now); err != nil {
			return fmt.Errorf("caching branch %d: %w", b.BranchNumber, err)
		}
	}
	return tx.Commit()
}

// ListBranches returns the cached candidates of a chapter, best rank first.
func (s *Store) ListBranches(chapterID string) ([]BranchCandidate, error) {
	rows, err := s.db.Query(`SELECT `+branchColumns+` FROM branch_candidates WHERE chapter_id = ? ORDER BY rank ASC`, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BranchCandidate
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetBranch(id string) (BranchCandidate, error) {
	b, err := scanBranch(s.db.QueryRow(`SELECT `+branchColumns+` FROM branch_candidates WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return BranchCandidate{}, ErrNotFound
	}
	return b, err
}

// --- Style guides ---

func (s *Store) SaveStyleGuide(g StyleGuide) error {
	_, err := s.db.Exec(`
		INSERT INTO style_guides (novel_id, pov, tense, tone, rules, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(novel_id) DO UPDATE SET pov = excluded.pov, tense = excluded.tense, tone = excluded.tone,
			rules = excluded.rules, updated_at = excluded.updated_at`,
		g.NovelID, g.POV, g.Tense, g.Tone, encodeList(g.Rules), formatTime(time.Now()))
	return err
}

func (s *Store) GetStyleGuide(novelID string) (StyleGuide, error) {
	var g StyleGuide
	var rules, updatedAt string
	err := s.db.QueryRow(`SELECT novel_id, pov, tense, tone, rules, updated_at FROM style_guides WHERE novel_id = ?`, novelID).
		Scan(&g.NovelID, &g.POV, &g.Tense, &g.Tone, &rules, &updatedAt)
	if err == sql.ErrNoRows {
		return StyleGuide{}, ErrNotFound
	}
	if err != nil {
		return StyleGuide{}, err
	}
	if g.Rules, err = decodeList[string]("rules", rules); err != nil {
		return StyleGuide{}, err
	}
	if g.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return StyleGuide{}, err
	}
	return g, nil
}
