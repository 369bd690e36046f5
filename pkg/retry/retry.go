package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
)

// ErrKillSwitch is returned when the operator kill switch stops a retry loop
var ErrKillSwitch = errors.New("retry stopped by kill switch")

// Policy describes how an operation is retried
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	// Values below 1 mean a single attempt.
	Attempts int

	// Delay is the wait between attempts
	Delay time.Duration

	// MaxDelay caps the wait when Exponential is set
	MaxDelay time.Duration

	// Exponential doubles the delay after every failed attempt
	Exponential bool

	// Clock drives the waits. Defaults to the wall clock.
	Clock clock.Clock

	// KillSwitch is checked before every attempt; true stops the loop
	KillSwitch func() bool

	// IsFatal marks errors that must not be retried
	IsFatal func(error) bool

	// Notify is called after every failed attempt that will be retried
	Notify func(err error, attempt int)
}

// ExhaustedError is returned when every attempt failed
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls fn until it succeeds, returns a fatal error, runs out of
// attempts, the kill switch trips or ctx is done. Waits between attempts
// use the policy clock and are interrupted by ctx.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		delay = time.Nanosecond
	}

	start := clk.Now()
	attempt := 0

	args := jujuretry.CallArgs{
		Func: func() error {
			if p.KillSwitch != nil && p.KillSwitch() {
				return ErrKillSwitch
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			attempt++
			return fn(attempt)
		},
		IsFatalError: func(err error) bool {
			if errors.Is(err, ErrKillSwitch) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return p.IsFatal != nil && p.IsFatal(err)
		},
		NotifyFunc: p.Notify,
		Attempts:   attempts,
		Delay:      delay,
		MaxDelay:   p.MaxDelay,
		Clock:      clk,
		Stop:       ctx.Done(),
	}
	if p.Exponential {
		args.BackoffFunc = jujuretry.DoubleDelay
	}

	err := jujuretry.Call(args)
	switch {
	case err == nil:
		return nil
	case jujuretry.IsAttemptsExceeded(err):
		return &ExhaustedError{
			Attempts: attempt,
			Elapsed:  clk.Now().Sub(start),
			Err:      jujuretry.LastError(err),
		}
	case jujuretry.IsRetryStopped(err):
		return fmt.Errorf("%w: last error: %v", context.Cause(ctx), jujuretry.LastError(err))
	default:
		return err
	}
}

// Value is Do for operations that produce a result
func Value[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(attempt int) error {
		v, err := fn(attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// FileKillSwitch trips while a file exists at path. An empty path never trips.
func FileKillSwitch(path string) func() bool {
	return func() bool {
		if path == "" {
			return false
		}
		_, err := os.Stat(path)
		return err == nil
	}
}
