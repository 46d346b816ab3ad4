// Package hooks tracks narrative hooks through their lifecycle:
// planted, referenced any number of times, then resolved or abandoned.
package hooks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
	"github.com/kalambet/inkwell/internal/textmatch"
)

var (
	ErrHookClosed         = errors.New("hook is already resolved or abandoned")
	ErrInvalidResolution  = errors.New("hook cannot be resolved before the chapter it was planted in")
	ErrInvalidReference   = errors.New("hook cannot be referenced before the chapter it was planted in")
	ErrNoMatchingHook     = errors.New("no hook matches the description")
	ErrInvalidDescription = errors.New("hook description is empty")
)

// Store is the persistence the tracker needs.
type Store interface {
	SaveHook(h novel.NarrativeHook) error
	UpdateHook(h novel.NarrativeHook) error
	GetHook(id string) (novel.NarrativeHook, error)
	ListHooks(novelID string, activeOnly bool) ([]novel.NarrativeHook, error)
}

// EntityLister resolves character names against recorded entities.
type EntityLister interface {
	ListEntities(novelID string) ([]novel.PendingEntity, error)
}

type Config struct {
	// MinSimilarity is the lowest description similarity accepted as a match.
	MinSimilarity float64
	// MaxContextHooks bounds the number of hooks rendered into a prompt.
	MaxContextHooks int
}

func DefaultConfig() Config {
	return Config{MinSimilarity: 0.3, MaxContextHooks: 12}
}

// DefaultThreshold is the reminder window used when a hook has none.
func DefaultThreshold(imp novel.Importance) int {
	switch imp {
	case novel.ImportanceCritical:
		return 5
	case novel.ImportanceMajor:
		return 10
	default:
		return 20
	}
}

// thresholdFactor scales reminder windows so more important hooks are
// flagged sooner.
func thresholdFactor(imp novel.Importance) float64 {
	switch imp {
	case novel.ImportanceCritical:
		return 1.0
	case novel.ImportanceMajor:
		return 1.5
	default:
		return 2.0
	}
}

// EffectiveThreshold is the number of chapters a hook may stay open before
// it is overdue.
func EffectiveThreshold(h novel.NarrativeHook) float64 {
	t := h.ReminderThreshold
	if t <= 0 {
		t = DefaultThreshold(h.Importance)
	}
	return float64(t) * thresholdFactor(h.Importance)
}

// IsOverdue reports whether an active hook has stayed open past its window
// at currentChapter.
func IsOverdue(h novel.NarrativeHook, currentChapter int) bool {
	if !h.Status.Active() {
		return false
	}
	return float64(currentChapter-h.PlantedInChapter) > EffectiveThreshold(h)
}

// Tracker records hook lifecycle events. Mutations are serialized so that
// concurrent extraction jobs do not interleave read-modify-write cycles.
type Tracker struct {
	store    Store
	entities EntityLister
	cfg      Config
	now      func() time.Time

	mu sync.Mutex
}

// NewTracker returns a Tracker. entities may be nil, in which case
// HooksForCharacter reports no entity.
func NewTracker(store Store, entities EntityLister, cfg Config) *Tracker {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultConfig().MinSimilarity
	}
	if cfg.MaxContextHooks <= 0 {
		cfg.MaxContextHooks = DefaultConfig().MaxContextHooks
	}
	return &Tracker{store: store, entities: entities, cfg: cfg, now: time.Now}
}

// RecordPlanted stores a new hook with status planted. Planting a hook whose
// description equals an active hook's returns the existing hook.
func (t *Tracker) RecordPlanted(h novel.NarrativeHook) (novel.NarrativeHook, error) {
	h.Description = strings.TrimSpace(h.Description)
	if h.Description == "" {
		return novel.NarrativeHook{}, ErrInvalidDescription
	}
	h.Type = novel.ParseHookType(string(h.Type))
	h.Importance = novel.ParseImportance(string(h.Importance))
	if h.ReminderThreshold <= 0 {
		h.ReminderThreshold = DefaultThreshold(h.Importance)
	}
	h.Status = novel.HookPlanted
	h.ReferencedInChapters = nil
	h.ResolvedInChapter = nil
	if err := h.Validate(); err != nil {
		return novel.NarrativeHook{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	active, err := t.store.ListHooks(h.NovelID, true)
	if err != nil {
		return novel.NarrativeHook{}, fmt.Errorf("listing hooks: %w", err)
	}
	folded := textmatch.Fold(h.Description)
	for _, existing := range active {
		if textmatch.Fold(existing.Description) == folded {
			return existing, nil
		}
	}

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	now := t.now()
	h.CreatedAt, h.UpdatedAt = now, now
	if err := t.store.SaveHook(h); err != nil {
		return novel.NarrativeHook{}, fmt.Errorf("saving hook: %w", err)
	}
	slog.Debug("hook planted", "novel", h.NovelID, "hook", h.ID, "chapter", h.PlantedInChapter, "importance", h.Importance)
	return h, nil
}

// RecordReferenced appends chapter to the best matching active hook.
// Referencing the same or an earlier chapter again is a no-op.
func (t *Tracker) RecordReferenced(novelID, description string, chapter int) (novel.NarrativeHook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.match(novelID, description)
	if err != nil {
		return novel.NarrativeHook{}, err
	}
	if chapter < h.PlantedInChapter {
		return novel.NarrativeHook{}, fmt.Errorf("%w: chapter %d, planted in %d", ErrInvalidReference, chapter, h.PlantedInChapter)
	}
	if n := len(h.ReferencedInChapters); n > 0 && chapter <= h.ReferencedInChapters[n-1] {
		return h, nil
	}
	h.ReferencedInChapters = append(h.ReferencedInChapters, chapter)
	h.Status = novel.HookReferenced
	if err := t.update(h); err != nil {
		return novel.NarrativeHook{}, err
	}
	return h, nil
}

// RecordResolved closes the best matching active hook as resolved.
func (t *Tracker) RecordResolved(novelID, description string, chapter int, note string) (novel.NarrativeHook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.match(novelID, description)
	if err != nil {
		return novel.NarrativeHook{}, err
	}
	if chapter < h.PlantedInChapter {
		return novel.NarrativeHook{}, fmt.Errorf("%w: chapter %d, planted in %d", ErrInvalidResolution, chapter, h.PlantedInChapter)
	}
	h.Status = novel.HookResolved
	h.ResolvedInChapter = &chapter
	h.ResolutionNote = note
	if err := t.update(h); err != nil {
		return novel.NarrativeHook{}, err
	}
	return h, nil
}

// RecordAbandoned closes the best matching active hook as abandoned.
func (t *Tracker) RecordAbandoned(novelID, description, reason string) (novel.NarrativeHook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.match(novelID, description)
	if err != nil {
		return novel.NarrativeHook{}, err
	}
	h.Status = novel.HookAbandoned
	h.AbandonReason = reason
	if err := t.update(h); err != nil {
		return novel.NarrativeHook{}, err
	}
	return h, nil
}

func (t *Tracker) update(h novel.NarrativeHook) error {
	if err := h.Validate(); err != nil {
		return err
	}
	err := t.store.UpdateHook(h)
	if errors.Is(err, storage.ErrStale) {
		return ErrHookClosed
	}
	if err != nil {
		return fmt.Errorf("updating hook %s: %w", h.ID, err)
	}
	slog.Debug("hook updated", "novel", h.NovelID, "hook", h.ID, "status", h.Status)
	return nil
}

// match finds the hook whose description is most similar to description.
// Ties go to the earliest planted hook. A best match that is already closed
// yields ErrHookClosed.
func (t *Tracker) match(novelID, description string) (novel.NarrativeHook, error) {
	if strings.TrimSpace(description) == "" {
		return novel.NarrativeHook{}, ErrInvalidDescription
	}
	all, err := t.store.ListHooks(novelID, false)
	if err != nil {
		return novel.NarrativeHook{}, fmt.Errorf("listing hooks: %w", err)
	}

	bestActive, bestActiveScore := -1, 0.0
	bestClosed, bestClosedScore := -1, 0.0
	for i, h := range all {
		score := textmatch.Similarity(description, h.Description)
		if score < t.cfg.MinSimilarity {
			continue
		}
		if h.Status.Active() {
			if score > bestActiveScore {
				bestActive, bestActiveScore = i, score
			}
		} else if score > bestClosedScore {
			bestClosed, bestClosedScore = i, score
		}
	}

	switch {
	case bestActive >= 0 && bestActiveScore >= bestClosedScore:
		return all[bestActive], nil
	case bestClosed >= 0:
		return novel.NarrativeHook{}, fmt.Errorf("%w: %q", ErrHookClosed, all[bestClosed].Description)
	default:
		return novel.NarrativeHook{}, fmt.Errorf("%w: %q", ErrNoMatchingHook, description)
	}
}

// Overdue is an active hook past its reminder window.
type Overdue struct {
	Hook         novel.NarrativeHook `json:"hook"`
	ChaptersOpen int                 `json:"chapters_open"`
	Threshold    float64             `json:"threshold"`
}

// OverdueHooks returns active hooks that have been open longer than their
// effective threshold at currentChapter, most important first.
func (t *Tracker) OverdueHooks(novelID string, currentChapter int) ([]Overdue, error) {
	active, err := t.store.ListHooks(novelID, true)
	if err != nil {
		return nil, fmt.Errorf("listing hooks: %w", err)
	}
	var out []Overdue
	for _, h := range active {
		if IsOverdue(h, currentChapter) {
			out = append(out, Overdue{
				Hook:         h,
				ChaptersOpen: currentChapter - h.PlantedInChapter,
				Threshold:    EffectiveThreshold(h),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Hook.Importance.Weight() > out[j].Hook.Importance.Weight()
	})
	return out, nil
}

// ActiveBefore returns hooks planted before chapterOrder that are still open.
func (t *Tracker) ActiveBefore(novelID string, chapterOrder int) ([]novel.NarrativeHook, error) {
	active, err := t.store.ListHooks(novelID, true)
	if err != nil {
		return nil, fmt.Errorf("listing hooks: %w", err)
	}
	out := active[:0]
	for _, h := range active {
		if h.PlantedInChapter < chapterOrder {
			out = append(out, h)
		}
	}
	return out, nil
}

// FormatForContext renders the open hooks relevant to chapterOrder for a
// generation prompt: most important first, then most recently planted,
// truncated to MaxContextHooks. Overdue hooks are marked.
func (t *Tracker) FormatForContext(novelID string, chapterOrder int) (string, error) {
	hooks, err := t.ActiveBefore(novelID, chapterOrder)
	if err != nil {
		return "", err
	}
	if len(hooks) == 0 {
		return "", nil
	}

	sort.SliceStable(hooks, func(i, j int) bool {
		wi, wj := hooks[i].Importance.Weight(), hooks[j].Importance.Weight()
		if wi != wj {
			return wi > wj
		}
		return hooks[i].PlantedInChapter > hooks[j].PlantedInChapter
	})
	omitted := 0
	if len(hooks) > t.cfg.MaxContextHooks {
		omitted = len(hooks) - t.cfg.MaxContextHooks
		hooks = hooks[:t.cfg.MaxContextHooks]
	}

	var sb strings.Builder
	sb.WriteString("[Open Narrative Hooks]\n")
	for _, h := range hooks {
		fmt.Fprintf(&sb, "- (%s, %s) %s; planted in chapter %d", h.Importance, h.Type, h.Description, h.PlantedInChapter)
		if n := len(h.ReferencedInChapters); n > 0 {
			fmt.Fprintf(&sb, ", last referenced in chapter %d", h.ReferencedInChapters[n-1])
		}
		if len(h.RelatedCharacters) > 0 {
			fmt.Fprintf(&sb, "; involves %s", strings.Join(h.RelatedCharacters, ", "))
		}
		if IsOverdue(h, chapterOrder) {
			sb.WriteString(" [OVERDUE: advance or resolve this hook]")
		}
		sb.WriteByte('\n')
	}
	if omitted > 0 {
		fmt.Fprintf(&sb, "(%d lower-priority hooks omitted)\n", omitted)
	}
	return sb.String(), nil
}

// CharacterHooks links a character name to its recorded entity, if any, and
// the hooks that mention it.
type CharacterHooks struct {
	Name   string                `json:"name"`
	Entity *novel.PendingEntity  `json:"entity,omitempty"`
	Hooks  []novel.NarrativeHook `json:"hooks"`
}

// HooksForCharacter resolves a name against the entity store and the hooks'
// related character lists. Matching is case-insensitive.
func (t *Tracker) HooksForCharacter(novelID, name string) (CharacterHooks, error) {
	out := CharacterHooks{Name: name}
	folded := textmatch.Fold(strings.TrimSpace(name))

	if t.entities != nil {
		entities, err := t.entities.ListEntities(novelID)
		if err != nil {
			return CharacterHooks{}, fmt.Errorf("listing entities: %w", err)
		}
		for i := range entities {
			if entities[i].Kind == novel.EntityCharacter && textmatch.Fold(entities[i].Name) == folded {
				out.Entity = &entities[i]
				break
			}
		}
	}

	all, err := t.store.ListHooks(novelID, false)
	if err != nil {
		return CharacterHooks{}, fmt.Errorf("listing hooks: %w", err)
	}
	for _, h := range all {
		for _, c := range h.RelatedCharacters {
			if textmatch.Fold(strings.TrimSpace(c)) == folded {
				out.Hooks = append(out.Hooks, h)
				break
			}
		}
	}
	return out, nil
}
