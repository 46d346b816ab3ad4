// Package style manages the per-novel style guide and continuity rules that
// are injected into every drafting prompt.
package style

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/inkwell/internal/storage"
)

const defaultTTL = 60 * time.Second

// DefaultRules apply to every novel in addition to its own rules.
var DefaultRules = []string{
	"Open the chapter where the previous chapter ended: same place, same moment, same people, unless the outline says otherwise.",
	"Keep established facts, names, relationships and injuries consistent with the story so far.",
	"Do not resolve an open narrative hook unless the outline or chapter card calls for it.",
	"Do not introduce a new named character or organization unless the outline needs one.",
}

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SaveStyleGuide(g storage.StyleGuide) error
	GetStyleGuide(novelID string) (storage.StyleGuide, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	guide    storage.StyleGuide
	cachedAt time.Time
}

// Manager provides cached access to style guides.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]entry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, defaultTTL)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, clock: clock, ttl: ttl, cache: make(map[string]entry)}
}

// Get returns the novel's style guide. A novel without one gets an empty
// guide, not an error.
func (m *Manager) Get(novelID string) (storage.StyleGuide, error) {
	m.mu.RLock()
	e, ok := m.cache[novelID]
	if ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		m.mu.RUnlock()
		return copyGuide(e.guide), nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.cache[novelID]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return copyGuide(e.guide), nil
	}

	g, err := m.store.GetStyleGuide(novelID)
	if errors.Is(err, storage.ErrNotFound) {
		g, err = storage.StyleGuide{NovelID: novelID}, nil
	}
	if err != nil {
		return storage.StyleGuide{}, fmt.Errorf("loading style guide: %w", err)
	}
	m.cache[novelID] = entry{guide: g, cachedAt: m.clock.Now()}
	return copyGuide(g), nil
}

// Save persists a style guide and invalidates the novel's cache entry.
func (m *Manager) Save(g storage.StyleGuide) error {
	if g.NovelID == "" {
		return errors.New("style guide requires a novel id")
	}
	cleaned := g.Rules[:0:0]
	for _, r := range g.Rules {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	g.Rules = cleaned

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveStyleGuide(g); err != nil {
		return fmt.Errorf("saving style guide: %w", err)
	}
	delete(m.cache, g.NovelID)
	return nil
}

// Prompt renders the style guide section of a drafting prompt followed by
// the continuity rules.
func (m *Manager) Prompt(novelID string) (string, error) {
	g, err := m.Get(novelID)
	if err != nil {
		return "", err
	}
	return Render(g), nil
}

// Render formats a guide as prompt text. It always includes DefaultRules.
func Render(g storage.StyleGuide) string {
	var sb strings.Builder
	if g.POV != "" || g.Tense != "" || g.Tone != "" {
		sb.WriteString("[Style Guide]\n")
		if g.POV != "" {
			fmt.Fprintf(&sb, "Point of view: %s\n", g.POV)
		}
		if g.Tense != "" {
			fmt.Fprintf(&sb, "Tense: %s\n", g.Tense)
		}
		if g.Tone != "" {
			fmt.Fprintf(&sb, "Tone: %s\n", g.Tone)
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("[Continuity Rules]\n")
	for _, r := range DefaultRules {
		fmt.Fprintf(&sb, "- %s\n", r)
	}
	for _, r := range g.Rules {
		fmt.Fprintf(&sb, "- %s\n", r)
	}
	return sb.String()
}

func copyGuide(g storage.StyleGuide) storage.StyleGuide {
	g.Rules = append([]string(nil), g.Rules...)
	return g
}
