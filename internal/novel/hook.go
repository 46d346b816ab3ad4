package novel

import (
	"fmt"
	"time"
)

type HookType string

const (
	HookForeshadowing HookType = "foreshadowing"
	HookChekhovGun    HookType = "chekhov_gun"
	HookMystery       HookType = "mystery"
	HookPromise       HookType = "promise"
	HookSetup         HookType = "setup"
)

// ParseHookType accepts the canonical names; anything else maps to setup.
func ParseHookType(s string) HookType {
	switch HookType(s) {
	case HookForeshadowing, HookChekhovGun, HookMystery, HookPromise, HookSetup:
		return HookType(s)
	}
	return HookSetup
}

type HookStatus string

const (
	HookPlanted    HookStatus = "planted"
	HookReferenced HookStatus = "referenced"
	HookResolved   HookStatus = "resolved"
	HookAbandoned  HookStatus = "abandoned"
)

// Active reports whether a hook in this status can still be referenced or resolved.
func (s HookStatus) Active() bool {
	return s == HookPlanted || s == HookReferenced
}

type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceMajor    Importance = "major"
	ImportanceMinor    Importance = "minor"
)

// ParseImportance accepts the canonical names; anything else maps to minor.
func ParseImportance(s string) Importance {
	switch Importance(s) {
	case ImportanceCritical, ImportanceMajor:
		return Importance(s)
	}
	return ImportanceMinor
}

// Weight orders importance levels, higher is more important.
func (i Importance) Weight() int {
	switch i {
	case ImportanceCritical:
		return 3
	case ImportanceMajor:
		return 2
	default:
		return 1
	}
}

type NarrativeHook struct {
	ID                   string
	NovelID              string
	Type                 HookType
	Description          string
	PlantedInChapter     int
	ReferencedInChapters []int
	ResolvedInChapter    *int
	ResolutionNote       string
	AbandonReason        string
	Status               HookStatus
	Importance           Importance
	ReminderThreshold    int
	RelatedCharacters    []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate checks the invariants every persisted hook must satisfy.
func (h NarrativeHook) Validate() error {
	if h.Description == "" {
		return fmt.Errorf("hook description is required")
	}
	if h.PlantedInChapter < 1 {
		return fmt.Errorf("hook planted chapter must be >= 1, got %d", h.PlantedInChapter)
	}
	if h.ResolvedInChapter != nil && *h.ResolvedInChapter < h.PlantedInChapter {
		return fmt.Errorf("hook resolved in chapter %d before it was planted in chapter %d",
			*h.ResolvedInChapter, h.PlantedInChapter)
	}
	return nil
}

type EntityKind string

const (
	EntityCharacter    EntityKind = "character"
	EntityOrganization EntityKind = "organization"
)

type PendingEntity struct {
	ID                  string
	NovelID             string
	Name                string
	Kind                EntityKind
	Description         string
	IntroducedInChapter int
	Confirmed           bool
	CreatedAt           time.Time
}
