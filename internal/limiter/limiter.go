// Package limiter bounds the number of concurrent model calls for the whole
// process. Waiters are served in FIFO order and every call carries its own
// timeout.
package limiter

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrCallTimeout is returned when a call exceeds the per-call timeout. The
// slot is released immediately and any late result is discarded.
var ErrCallTimeout = errors.New("external call timed out")

const (
	DefaultMaxConcurrent = 4
	DefaultCallTimeout   = 300 * time.Second
)

type Config struct {
	MaxConcurrent int
	CallTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{MaxConcurrent: DefaultMaxConcurrent, CallTimeout: DefaultCallTimeout}
}

// Stats is a point-in-time snapshot of limiter usage.
type Stats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	InFlight      int64 `json:"in_flight"`
	Waiting       int64 `json:"waiting"`
	Calls         int64 `json:"calls"`
	Timeouts      int64 `json:"timeouts"`
}

// Limiter is a counting semaphore over model calls. It is safe for
// concurrent use and is shared by everything that talks to the model.
type Limiter struct {
	cfg Config
	sem *semaphore.Weighted

	inFlight atomic.Int64
	waiting  atomic.Int64
	calls    atomic.Int64
	timeouts atomic.Int64
}

// New returns a Limiter. Non-positive config values fall back to defaults.
func New(cfg Config) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Limiter{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent))}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return err
	}
	l.inFlight.Add(1)
	return nil
}

// Release frees a slot obtained by Acquire.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

func (l *Limiter) Stats() Stats {
	return Stats{
		MaxConcurrent: l.cfg.MaxConcurrent,
		InFlight:      l.inFlight.Load(),
		Waiting:       l.waiting.Load(),
		Calls:         l.calls.Load(),
		Timeouts:      l.timeouts.Load(),
	}
}

// CallTimeout returns the per-call timeout applied by Do.
func (l *Limiter) CallTimeout() time.Duration { return l.cfg.CallTimeout }

type result[T any] struct {
	val T
	err error
}

// Do runs fn while holding a slot. fn receives a context that expires after
// the call timeout. If the timeout fires first, Do releases the slot and
// returns ErrCallTimeout; whatever fn returns afterwards is dropped.
func Do[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.Acquire(ctx); err != nil {
		return zero, err
	}
	l.calls.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		l.Release()
		return r.val, r.err
	case <-callCtx.Done():
		l.Release()
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		l.timeouts.Add(1)
		slog.Warn("model call timed out, slot released", "timeout", l.cfg.CallTimeout)
		return zero, ErrCallTimeout
	}
}
