package engine

import (
	"context"
	"time"
)

// Clock is the orchestrator's single time source. Everything time-dependent
// in the engine goes through it so tests can drive the loop with a fake.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until the context is cancelled, returning the
	// context error on cancellation.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the wall-clock implementation.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
