// Package clock provides the time source used by every engine and a small
// fixed-interval task runner built on it. Production code uses New; tests
// inject NewMock and move time forward explicitly.
package clock

import (
	"context"
	"sync"
	"time"

	fbclock "github.com/facebookgo/clock"
)

// Clock is the injectable time source.
type Clock = fbclock.Clock

// Mock is a manually advanced clock for tests.
type Mock = fbclock.Mock

// New returns a Clock backed by the system time.
func New() Clock { return fbclock.New() }

// NewMock returns a Mock clock positioned at the Unix epoch.
func NewMock() *Mock { return fbclock.NewMock() }

// OrDefault returns c, or the system clock when c is nil.
func OrDefault(c Clock) Clock {
	if c == nil {
		return New()
	}
	return c
}

// Sleep waits for d on c, returning early with ctx.Err() when ctx is done.
// A non-positive d returns immediately.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-c.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Task is a cancellable fixed-interval job.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every runs fn every interval until ctx is cancelled or Stop is called.
// fn never overlaps with itself.
func Every(ctx context.Context, c Clock, interval time.Duration, fn func(context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	if interval <= 0 {
		close(t.done)
		return t
	}
	ticker := c.Ticker(interval)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return t
}

// Stop cancels the task and waits for an in-flight run to return.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}
