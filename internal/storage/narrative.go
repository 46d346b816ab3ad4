package storage

import (
	"database/sql"
	"time"

	"github.com/kalambet/inkwell/internal/novel"
)

// --- Narrative hooks ---

const hookColumns = `id, novel_id, type, description, planted_in_chapter, referenced_in_chapters, resolved_in_chapter,
	resolution_note, abandon_reason, status, importance, reminder_threshold, related_characters, created_at, updated_at`

func scanHook(r rowScanner) (novel.NarrativeHook, error) {
	var h novel.NarrativeHook
	var typ, status, importance, referenced, related, createdAt, updatedAt string
	var resolved sql.NullInt64
	if err := r.Scan(&h.ID, &h.NovelID, &typ, &h.Description, &h.PlantedInChapter, &referenced, &resolved,
		&h.ResolutionNote, &h.AbandonReason, &status, &importance, &h.ReminderThreshold, &related,
		&createdAt, &updatedAt); err != nil {
		return novel.NarrativeHook{}, err
	}
	h.Type = novel.HookType(typ)
	h.Status = novel.HookStatus(status)
	h.Importance = novel.Importance(importance)
	if resolved.Valid {
		ch := int(resolved.Int64)
		h.ResolvedInChapter = &ch
	}
	var err error
	if h.ReferencedInChapters, err = decodeList[int]("referenced_in_chapters", referenced); err != nil {
		return novel.NarrativeHook{}, err
	}
	if h.RelatedCharacters, err = decodeList[string]("related_characters", related); err != nil {
		return novel.NarrativeHook{}, err
	}
	if h.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return novel.NarrativeHook{}, err
	}
	if h.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return novel.NarrativeHook{}, err
	}
	return h, nil
}

func nullableChapter(ch *int) any {
	if ch == nil {
		return nil
	}
	return *ch
}

func (s *Store) SaveHook(h novel.NarrativeHook) error {
	now := time.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = now
	}
	_, err := s.db.Exec(`INSERT INTO narrative_hooks (`+hookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.NovelID, string(h.Type), h.Description, h.PlantedInChapter, encodeList(h.ReferencedInChapters),
		nullableChapter(h.ResolvedInChapter), h.ResolutionNote, h.AbandonReason, string(h.Status),
		string(h.Importance), h.ReminderThreshold, encodeList(h.RelatedCharacters),
		formatTime(h.CreatedAt), formatTime(h.UpdatedAt))
	return err
}

// UpdateHook writes h over a hook that is still planted or referenced.
// It returns ErrStale when the stored hook was resolved or abandoned in the
// meantime, and ErrNotFound when no such hook exists.
func (s *Store) UpdateHook(h novel.NarrativeHook) error {
	res, err := s.db.Exec(`UPDATE narrative_hooks SET
			referenced_in_chapters = ?, resolved_in_chapter = ?, resolution_note = ?, abandon_reason = ?,
			status = ?, importance = ?, reminder_threshold = ?, related_characters = ?, updated_at = ?
		WHERE id = ? AND status IN ('planted', 'referenced')`,
		encodeList(h.ReferencedInChapters), nullableChapter(h.ResolvedInChapter), h.ResolutionNote, h.AbandonReason,
		string(h.Status), string(h.Importance), h.ReminderThreshold, encodeList(h.RelatedCharacters),
		formatTime(time.Now()), h.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetHook(h.ID); err != nil {
		return err
	}
	return ErrStale
}

func (s *Store) GetHook(id string) (novel.NarrativeHook, error) {
	h, err := scanHook(s.db.QueryRow(`SELECT `+hookColumns+` FROM narrative_hooks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return novel.NarrativeHook{}, ErrNotFound
	}
	return h, err
}

// ListHooks returns the novel's hooks ordered by planting chapter. With
// activeOnly, resolved and abandoned hooks are skipped.
func (s *Store) ListHooks(novelID string, activeOnly bool) ([]novel.NarrativeHook, error) {
	query := `SELECT ` + hookColumns + ` FROM narrative_hooks WHERE novel_id = ?`
	if activeOnly {
		query += ` AND status IN ('planted', 'referenced')`
	}
	query += ` ORDER BY planted_in_chapter ASC, created_at ASC, rowid ASC`

	rows, err := s.db.Query(query, novelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []novel.NarrativeHook
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Pending entities ---

const entityColumns = `id, novel_id, name, kind, description, introduced_in_chapter, confirmed, created_at`

func scanEntity(r rowScanner) (novel.PendingEntity, error) {
	var e novel.PendingEntity
	var kind, createdAt string
	var confirmed int
	if err := r.Scan(&e.ID, &e.NovelID, &e.Name, &kind, &e.Description, &e.IntroducedInChapter, &confirmed, &createdAt); err != nil {
		return novel.PendingEntity{}, err
	}
	e.Kind = novel.EntityKind(kind)
	e.Confirmed = confirmed != 0
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return novel.PendingEntity{}, err
	}
	e.CreatedAt = t
	return e, nil
}

// InsertEntity records e unless an entity with the same novel, kind and name
// exists. It returns the stored entity and whether it was newly created.
// An existing entity is never modified, so confirmation is never undone.
func (s *Store) InsertEntity(e novel.PendingEntity) (novel.PendingEntity, bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO pending_entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(novel_id, kind, name) DO NOTHING`,
		e.ID, e.NovelID, e.Name, string(e.Kind), e.Description, e.IntroducedInChapter,
		boolInt(e.Confirmed), formatTime(e.CreatedAt))
	if err != nil {
		return novel.PendingEntity{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return novel.PendingEntity{}, false, err
	}

	stored, err := scanEntity(s.db.QueryRow(`SELECT `+entityColumns+` FROM pending_entities
		WHERE novel_id = ? AND kind = ? AND name = ?`, e.NovelID, string(e.Kind), e.Name))
	if err != nil {
		return novel.PendingEntity{}, false, err
	}
	return stored, n == 1, nil
}

func (s *Store) GetEntity(id string) (novel.PendingEntity, error) {
	e, err := scanEntity(s.db.QueryRow(`SELECT `+entityColumns+` FROM pending_entities WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return novel.PendingEntity{}, ErrNotFound
	}
	return e, err
}

func (s *Store) ConfirmEntity(id string) error {
	res, err := s.db.Exec(`UPDATE pending_entities SET confirmed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// UnconfirmedEntitiesBefore returns unconfirmed entities introduced strictly
// before order, oldest first.
func (s *Store) UnconfirmedEntitiesBefore(novelID string, order int) ([]novel.PendingEntity, error) {
	return s.queryEntities(`SELECT `+entityColumns+` FROM pending_entities
		WHERE novel_id = ? AND confirmed = 0 AND introduced_in_chapter < ?
		ORDER BY introduced_in_chapter ASC, name ASC`, novelID, order)
}

// ListEntities returns all entities of a novel, confirmed or not.
func (s *Store) ListEntities(novelID string) ([]novel.PendingEntity, error) {
	return s.queryEntities(`SELECT `+entityColumns+` FROM pending_entities
		WHERE novel_id = ? ORDER BY introduced_in_chapter ASC, name ASC`, novelID)
}

func (s *Store) queryEntities(query string, args ...any) ([]novel.PendingEntity, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []novel.PendingEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
