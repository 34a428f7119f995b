package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineLimit fails when the process runs more than limit goroutines.
func GoroutineLimit(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("%d goroutines, limit %d", n, limit)
		}
		return nil
	}
}

// Condition fails with msg while ok returns false.
func Condition(ok func() bool, msg string) CheckFunc {
	return func(context.Context) error {
		if !ok() {
			return errors.New(msg)
		}
		return nil
	}
}
