// Package statuswait polls an instance's reported status until it reaches one
// of a set of acceptable values or a deadline passes.
package statuswait

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const DefaultInterval = time.Second

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTimeout         = errors.New("timed out waiting for instance status")
)

// Refresher reports the current status of an instance. Each call to Refresh
// must query the backend rather than return a cached value.
type Refresher interface {
	Name() string
	Refresh(ctx context.Context) (string, error)
}

// TimeoutError reports the last status observed before the deadline passed.
type TimeoutError struct {
	Name string
	Want []string
	Last string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("instance %q did not reach status %s (last observed %q)", e.Name, strings.Join(e.Want, "|"), e.Last)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type Waiter struct {
	Interval time.Duration
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// Wait uses a Waiter with the default interval and the real clock.
func Wait(ctx context.Context, inst Refresher, want []string, timeout time.Duration) error {
	return (&Waiter{}).Wait(ctx, inst, want, timeout)
}

func (w *Waiter) Wait(ctx context.Context, inst Refresher, want []string, timeout time.Duration) error {
	if inst == nil {
		return fmt.Errorf("%w: no instance to wait on", ErrInvalidArgument)
	}
	if timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidArgument, timeout)
	}
	if len(want) == 0 {
		return fmt.Errorf("%w: empty target status set", ErrInvalidArgument)
	}

	now := w.now()
	deadline := now().Add(timeout)

	status, err := inst.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh status of %q: %w", inst.Name(), err)
	}
	for !slices.Contains(want, status) {
		if !now().Before(deadline) {
			return &TimeoutError{Name: inst.Name(), Want: slices.Clone(want), Last: status}
		}
		if err := w.sleep(ctx); err != nil {
			return fmt.Errorf("wait for %q: %w", inst.Name(), err)
		}
		status, err = inst.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh status of %q: %w", inst.Name(), err)
		}
	}
	return nil
}

func (w *Waiter) now() func() time.Time {
	if w.Now != nil {
		return w.Now
	}
	return time.Now
}

func (w *Waiter) sleep(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if w.Sleep != nil {
		return w.Sleep(ctx, interval)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
