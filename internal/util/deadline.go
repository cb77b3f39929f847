// Package util houses small internal helpers shared by the supervision
// packages: the hard-deadline guard wrapped around every driver call.
package util

import (
	"context"
	"fmt"
	"time"

	"github.com/mindkeep/mindkeep/core"
)

// Call runs fn with an enforced hard deadline. The call is raced against a
// timer in its own goroutine: when the deadline expires the guard returns
// core.ErrTimeout immediately, even if fn ignores its context. fn is never
// forcibly killed; an overrunning call finishes (or leaks) on its own
// goroutine, which keeps the underlying environment out of undefined states.
func Call[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w after %s", core.ErrTimeout, d)
		}
		return zero, ctx.Err()
	}
}
