package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/metrics"
	"github.com/cuemby/rackpatch/pkg/retry"
)

type noRetryKey struct{}

// WithoutRetry marks ctx as coming from a caller that must not wait on the
// store: one connection attempt, one statement attempt, no reconnects.
// The component that restarts the store server uses it, and so do callers
// running their own read-modify-write retry loop.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func retryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

// connect opens a database handle, polling until the server answers, the
// connect timeout elapses or the kill switch file appears
func connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*sql.DB, error) {
	attempts := int(cfg.ConnectTimeout/cfg.RetryInterval) + 1
	if retryDisabled(ctx) {
		attempts = 1
	}

	policy := retry.Policy{
		Attempts:   attempts,
		Delay:      cfg.RetryInterval,
		Clock:      cfg.Clock,
		KillSwitch: retry.FileKillSwitch(cfg.KillSwitchPath),
		IsFatal: func(err error) bool {
			return errors.Is(err, ErrInvalidArgument)
		},
		Notify: func(err error, attempt int) {
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("retry_in", cfg.RetryInterval).
				Msg("Store connection failed, waiting before retry")
		},
	}

	db, err := retry.Value(ctx, policy, func(int) (*sql.DB, error) {
		return open(ctx, cfg)
	})
	if err == nil {
		return db, nil
	}

	if errors.Is(err, retry.ErrKillSwitch) {
		logger.Error().Str("kill_switch", cfg.KillSwitchPath).Msg("Store connection retry stopped by operator")
		return nil, fmt.Errorf("%w (%s)", ErrConnectAborted, cfg.KillSwitchPath)
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		if retryDisabled(ctx) {
			return nil, exhausted.Err
		}
		return nil, &UnreachableError{
			Attempts: exhausted.Attempts,
			Elapsed:  exhausted.Elapsed,
			Err:      exhausted.Err,
		}
	}
	return nil, err
}

func open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	// One physical connection per process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// reconnect replaces the current handle. It is only called after the server
// probe confirmed the server is still running, and never once the store is
// closed.
func (s *SQLStore) reconnect(ctx context.Context) error {
	s.mu.Lock()
	old, closed := s.db, s.closed
	s.mu.Unlock()
	if closed {
		return ErrStoreClosed
	}

	db, err := connect(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		db.Close()
		return ErrStoreClosed
	}
	s.db = db
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	metrics.StoreReconnectsTotal.Inc()
	s.logger.Info().Msg("Store connection recreated")
	return nil
}

func componentLogger() zerolog.Logger {
	return log.WithComponent("storage")
}
