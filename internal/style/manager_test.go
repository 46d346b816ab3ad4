package style

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/inkwell/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu     sync.Mutex
	guides map[string]storage.StyleGuide
	gets   int
	err    error
}

func newMockStore() *mockStore {
	return &mockStore{guides: make(map[string]storage.StyleGuide)}
}

func (m *mockStore) SaveStyleGuide(g storage.StyleGuide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guides[g.NovelID] = g
	return nil
}

func (m *mockStore) GetStyleGuide(novelID string) (storage.StyleGuide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return storage.StyleGuide{}, m.err
	}
	g, ok := m.guides[novelID]
	if !ok {
		return storage.StyleGuide{}, storage.ErrNotFound
	}
	return g, nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestGet_MissingGuideIsEmpty(t *testing.T) {
	mgr := NewManager(newMockStore())
	g, err := mgr.Get("n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.NovelID != "n1" || g.POV != "" || len(g.Rules) != 0 {
		t.Errorf("guide = %+v", g)
	}
}

func TestGet_CachesUntilTTL(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr := NewManagerWithClock(store, clock, time.Minute)

	store.SaveStyleGuide(storage.StyleGuide{NovelID: "n1", POV: "third limited"})
	for range 3 {
		if _, err := mgr.Get("n1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if store.gets != 1 {
		t.Errorf("store reads = %d, want 1", store.gets)
	}

	clock.Advance(61 * time.Second)
	if _, err := mgr.Get("n1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if store.gets != 2 {
		t.Errorf("store reads after TTL = %d, want 2", store.gets)
	}
}

func TestSave_InvalidatesAndCleansRules(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)

	if _, err := mgr.Get("n1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := mgr.Save(storage.StyleGuide{NovelID: "n1", Tense: "past", Rules: []string{" Mara never swears. ", ""}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	g, err := mgr.Get("n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.Tense != "past" {
		t.Errorf("stale cache: %+v", g)
	}
	if len(g.Rules) != 1 || g.Rules[0] != "Mara never swears." {
		t.Errorf("rules = %q", g.Rules)
	}

	if err := mgr.Save(storage.StyleGuide{}); err == nil {
		t.Error("expected error without novel id")
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)
	store.SaveStyleGuide(storage.StyleGuide{NovelID: "n1", Rules: []string{"a"}})

	g, _ := mgr.Get("n1")
	g.Rules[0] = "mutated"
	again, _ := mgr.Get("n1")
	if again.Rules[0] != "a" {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestGet_StoreError(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("disk I/O error")
	if _, err := NewManager(store).Get("n1"); err == nil {
		t.Error("expected error")
	}
}

func TestRender(t *testing.T) {
	out := Render(storage.StyleGuide{POV: "first person", Tone: "wry", Rules: []string{"No dream sequences."}})
	for _, want := range []string{"[Style Guide]", "Point of view: first person", "Tone: wry", "[Continuity Rules]", "- No dream sequences."} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Tense:") {
		t.Error("empty tense should be omitted")
	}

	bare := Render(storage.StyleGuide{})
	if strings.Contains(bare, "[Style Guide]") || !strings.Contains(bare, DefaultRules[0]) {
		t.Errorf("bare render = %q", bare)
	}
}
