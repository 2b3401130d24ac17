// Package wait provides the retry-with-interval primitive used for every
// filesystem-mediated wait: readiness sentinels, hub sockets and the
// per-vhost disk artifact.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Until when the timeout elapses before the
// condition holds.
var ErrTimeout = errors.New("timed out")

// Clock abstracts time so that polling loops can be driven by a fake in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Condition reports whether the awaited state has been reached. A non-nil
// error stops the wait immediately.
type Condition func() (bool, error)

// Poll describes how a condition is re-checked.
type Poll struct {
	// Interval between checks. Must be positive.
	Interval time.Duration
	// Timeout bounds the whole wait; zero waits forever.
	Timeout time.Duration
	// Clock defaults to RealClock.
	Clock Clock
	// Wake, if set, triggers an early re-check (e.g. a directory watch).
	Wake <-chan struct{}
}

// Until checks cond immediately and then once per interval until it holds,
// the context ends, or the timeout elapses.
func Until(ctx context.Context, p Poll, cond Condition) error {
	if p.Interval <= 0 {
		return fmt.Errorf("wait: interval must be positive, got %s", p.Interval)
	}
	clock := p.Clock
	if clock == nil {
		clock = RealClock{}
	}

	var deadline time.Time
	if p.Timeout > 0 {
		deadline = clock.Now().Add(p.Timeout)
	}

	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !deadline.IsZero() && !clock.Now().Before(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Wake:
		case <-clock.After(p.Interval):
		}
	}
}

// Sleep pauses for d or until the context ends.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if clock == nil {
		clock = RealClock{}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
