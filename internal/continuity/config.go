package continuity

import (
	"errors"
	"fmt"
)

// Weights control how much each metric contributes to the score.
type Weights struct {
	Opening  float64 `json:"opening"`
	Event    float64 `json:"event"`
	Hook     float64 `json:"hook"`
	Timeline float64 `json:"timeline"`
}

type Config struct {
	PassScore   float64 `json:"pass_score"`
	RejectScore float64 `json:"reject_score"`
	Weights     Weights `json:"weights"`
	// NearMatchRatio is the fraction of a signal's significant terms that
	// must occur in the text for a near match.
	NearMatchRatio float64 `json:"near_match_ratio"`
}

func DefaultConfig() Config {
	return Config{
		PassScore:      7.0,
		RejectScore:    4.0,
		Weights:        Weights{Opening: 0.4, Event: 0.3, Hook: 0.2, Timeline: 0.1},
		NearMatchRatio: 0.5,
	}
}

var ErrInvalidConfig = errors.New("invalid continuity config")

func (c Config) Validate() error {
	if c.PassScore < 0 || c.PassScore > 10 || c.RejectScore < 0 || c.RejectScore > 10 {
		return fmt.Errorf("%w: scores must be within [0,10], got pass=%v reject=%v",
			ErrInvalidConfig, c.PassScore, c.RejectScore)
	}
	if c.RejectScore >= c.PassScore {
		return fmt.Errorf("%w: reject score %v must be below pass score %v",
			ErrInvalidConfig, c.RejectScore, c.PassScore)
	}
	w := c.Weights
	if w.Opening < 0 || w.Event < 0 || w.Hook < 0 || w.Timeline < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidConfig)
	}
	if w.Opening+w.Event+w.Hook+w.Timeline <= 0 {
		return fmt.Errorf("%w: weights must not all be zero", ErrInvalidConfig)
	}
	if c.NearMatchRatio <= 0 || c.NearMatchRatio > 1 {
		return fmt.Errorf("%w: near match ratio must be in (0,1], got %v", ErrInvalidConfig, c.NearMatchRatio)
	}
	return nil
}

// VerdictFor maps a score to a verdict. Pass wins at the pass threshold and
// reject at the reject threshold.
func (c Config) VerdictFor(score float64) Verdict {
	switch {
	case score >= c.PassScore:
		return VerdictPass
	case score <= c.RejectScore:
		return VerdictReject
	default:
		return VerdictWarn
	}
}
