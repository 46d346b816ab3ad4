package entities

import (
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateNovel(novel.Novel{ID: "n1", Title: "Salt Roads"}); err != nil {
		t.Fatalf("CreateNovel: %v", err)
	}
	return NewGate(s)
}

func TestCheckBlocking(t *testing.T) {
	g := newTestGate(t)

	orrin, err := g.Record(novel.PendingEntity{NovelID: "n1", Name: "Captain Orrin", Kind: novel.EntityCharacter, IntroducedInChapter: 2})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := g.Record(novel.PendingEntity{NovelID: "n1", Name: "Tide Guild", Kind: novel.EntityOrganization, IntroducedInChapter: 4}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	tests := []struct {
		order     int
		wantNames []string
	}{
		{1, nil},
		{2, nil},
		{3, []string{"Captain Orrin"}},
		{5, []string{"Captain Orrin", "Tide Guild"}},
	}
	for _, tt := range tests {
		st, err := g.CheckBlocking("n1", tt.order)
		if err != nil {
			t.Fatalf("CheckBlocking(%d): %v", tt.order, err)
		}
		if st.Blocked != (len(tt.wantNames) > 0) {
			t.Errorf("order %d: blocked = %v", tt.order, st.Blocked)
		}
		var names []string
		for _, p := range st.PendingEntities {
			names = append(names, p.Name)
		}
		if strings.Join(names, ",") != strings.Join(tt.wantNames, ",") {
			t.Errorf("order %d: pending = %v, want %v", tt.order, names, tt.wantNames)
		}
	}

	if _, err := g.Confirm(orrin.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	st, err := g.CheckBlocking("n1", 3)
	if err != nil {
		t.Fatalf("CheckBlocking: %v", err)
	}
	if st.Blocked {
		t.Error("confirmed entity should no longer block")
	}
}

func TestRequire(t *testing.T) {
	g := newTestGate(t)
	if err := g.Require("n1", 5); err != nil {
		t.Fatalf("Require with no entities: %v", err)
	}

	if _, err := g.Record(novel.PendingEntity{NovelID: "n1", Name: "Mother Sable", IntroducedInChapter: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	err := g.Require("n1", 2)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
	if !errors.Is(err, ErrBlocked) {
		t.Error("BlockedError should wrap ErrBlocked")
	}
	if len(blocked.Names()) != 1 || blocked.Names()[0] != "Mother Sable" {
		t.Errorf("names = %v", blocked.Names())
	}
	if !strings.Contains(err.Error(), "Mother Sable") {
		t.Errorf("error should list the name verbatim: %v", err)
	}
}

func TestRecord_NeverUnconfirms(t *testing.T) {
	g := newTestGate(t)

	e, err := g.Record(novel.PendingEntity{NovelID: "n1", Name: "Orrin", IntroducedInChapter: 1})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.Kind != novel.EntityCharacter {
		t.Errorf("kind defaulted to %q, want character", e.Kind)
	}
	if _, err := g.Confirm(e.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	again, err := g.Record(novel.PendingEntity{NovelID: "n1", Name: " Orrin ", IntroducedInChapter: 6})
	if err != nil {
		t.Fatalf("Record again: %v", err)
	}
	if again.ID != e.ID || !again.Confirmed {
		t.Errorf("re-recording changed the entity: %+v", again)
	}
}

func TestRecord_Validation(t *testing.T) {
	g := newTestGate(t)
	if _, err := g.Record(novel.PendingEntity{NovelID: "n1", Name: "  ", IntroducedInChapter: 1}); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := g.Record(novel.PendingEntity{NovelID: "n1", Name: "X", IntroducedInChapter: 0}); err == nil {
		t.Error("expected error for chapter 0")
	}
}

func TestConfirm_NotFound(t *testing.T) {
	g := newTestGate(t)
	if _, err := g.Confirm("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
