// Package entities implements the pending entity gate: characters and
// organizations introduced by generated chapters must be confirmed by the
// author before later chapters may be generated.
package entities

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
)

// ErrBlocked is wrapped by BlockedError.
var ErrBlocked = errors.New("unconfirmed entities block generation")

// BlockedError lists the entities that must be confirmed first.
type BlockedError struct {
	Pending []novel.PendingEntity
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrBlocked.Error(), strings.Join(e.Names(), ", "))
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Names returns the pending entity names verbatim.
func (e *BlockedError) Names() []string {
	names := make([]string, len(e.Pending))
	for i, p := range e.Pending {
		names[i] = p.Name
	}
	return names
}

// Store is the persistence the gate needs.
type Store interface {
	InsertEntity(e novel.PendingEntity) (novel.PendingEntity, bool, error)
	GetEntity(id string) (novel.PendingEntity, error)
	ConfirmEntity(id string) error
	UnconfirmedEntitiesBefore(novelID string, order int) ([]novel.PendingEntity, error)
}

type Status struct {
	Blocked         bool                  `json:"blocked"`
	PendingEntities []novel.PendingEntity `json:"pending_entities"`
}

type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// CheckBlocking reports the unconfirmed entities introduced strictly before
// upToOrder. Any such entity blocks generation of that chapter.
func (g *Gate) CheckBlocking(novelID string, upToOrder int) (Status, error) {
	pending, err := g.store.UnconfirmedEntitiesBefore(novelID, upToOrder)
	if err != nil {
		return Status{}, fmt.Errorf("checking pending entities: %w", err)
	}
	return Status{Blocked: len(pending) > 0, PendingEntities: pending}, nil
}

// Require returns a *BlockedError when CheckBlocking reports blocked.
func (g *Gate) Require(novelID string, upToOrder int) error {
	st, err := g.CheckBlocking(novelID, upToOrder)
	if err != nil {
		return err
	}
	if st.Blocked {
		return &BlockedError{Pending: st.PendingEntities}
	}
	return nil
}

// Confirm marks an entity as confirmed. Confirming twice is harmless.
func (g *Gate) Confirm(entityID string) (novel.PendingEntity, error) {
	if err := g.store.ConfirmEntity(entityID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return novel.PendingEntity{}, fmt.Errorf("entity %s: %w", entityID, err)
		}
		return novel.PendingEntity{}, fmt.Errorf("confirming entity %s: %w", entityID, err)
	}
	e, err := g.store.GetEntity(entityID)
	if err != nil {
		return novel.PendingEntity{}, err
	}
	slog.Info("entity confirmed", "novel", e.NovelID, "entity", e.ID, "name", e.Name)
	return e, nil
}

// Record stores a newly introduced entity. Recording an entity that already
// exists for the same novel, kind and name returns the stored one unchanged,
// so a confirmed entity is never reset to pending.
func (g *Gate) Record(e novel.PendingEntity) (novel.PendingEntity, error) {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return novel.PendingEntity{}, errors.New("entity name is required")
	}
	if e.Kind != novel.EntityOrganization {
		e.Kind = novel.EntityCharacter
	}
	if e.IntroducedInChapter < 1 {
		return novel.PendingEntity{}, fmt.Errorf("entity %q: introduced chapter must be >= 1", e.Name)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Confirmed = false

	stored, created, err := g.store.InsertEntity(e)
	if err != nil {
		return novel.PendingEntity{}, fmt.Errorf("recording entity %q: %w", e.Name, err)
	}
	if created {
		slog.Info("pending entity recorded", "novel", e.NovelID, "name", e.Name, "kind", e.Kind, "chapter", e.IntroducedInChapter)
	}
	return stored, nil
}
