package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/metrics"
	"github.com/cuemby/rackpatch/pkg/retry"
)

// InsertResult is the outcome of TryInsert
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// SQLStore implements Store on top of database/sql
type SQLStore struct {
	cfg     Config
	dialect dialect
	logger  zerolog.Logger

	mu     sync.Mutex
	db     *sql.DB
	closed bool
	last   Statement
}

// Open connects to the store described by cfg, waiting for the server as
// configured. The returned store owns a single physical connection.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	s := &SQLStore{
		cfg:     cfg,
		dialect: dialectFor(cfg.Driver),
		logger:  componentLogger().With().Str("driver", string(cfg.Driver)).Logger(),
	}

	db, err := connect(ctx, cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

// Close closes the underlying connection. Later calls fail with
// ErrStoreClosed.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks that the database answers without retrying
func (s *SQLStore) Ping(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Driver returns the configured driver
func (s *SQLStore) Driver() Driver {
	return s.cfg.Driver
}

// LastStatement returns the last SQL executed and its trimmed arguments
func (s *SQLStore) LastStatement() Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *SQLStore) record(query string, args []any) {
	st := newStatement(query, args)
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

func (s *SQLStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SQLStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.db == nil {
		return nil, sql.ErrConnDone
	}
	return s.db, nil
}

// Tx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise. Failures are classified: dropped
// connections are recreated when the server is still running, other
// failures are retried up to MaxRetries times, invalid input and unique
// violations are returned at once. A ctx from WithoutRetry gets exactly one
// attempt.
func (s *SQLStore) Tx(ctx context.Context, fn func(tx *Tx) error) error {
	attempts := s.cfg.MaxRetries + 1
	if retryDisabled(ctx) {
		attempts = 1
	}

	policy := retry.Policy{
		Attempts: attempts,
		Delay:    s.cfg.RetryDelay,
		Clock:    s.cfg.Clock,
		IsFatal:  isFatal,
		Notify: func(err error, attempt int) {
			st := s.LastStatement()
			s.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("sql", st.SQL).
				Strs("args", st.Args).
				Msg("Store statement failed, retrying")
		},
	}

	err := retry.Do(ctx, policy, func(int) error {
		return s.attempt(ctx, fn)
	})
	if err == nil {
		return nil
	}

	var f *fatalError
	if errors.As(err, &f) {
		err = f.err
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Err
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTransition) {
		st := s.LastStatement()
		s.logger.Error().
			Err(err).
			Str("sql", st.SQL).
			Strs("args", st.Args).
			Msg("Store statement group failed")
	}
	return err
}

func (s *SQLStore) attempt(ctx context.Context, fn func(tx *Tx) error) error {
	db, err := s.handle()
	if errors.Is(err, ErrStoreClosed) {
		return &fatalError{err: err}
	}
	if err != nil {
		return s.recover(ctx, err)
	}

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s.recover(ctx, err)
	}

	if err := fn(&Tx{tx: sqlTx, store: s}); err != nil {
		_ = sqlTx.Rollback()
		return s.recover(ctx, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return s.recover(ctx, err)
	}
	return nil
}

// recover decides what happens after a failed attempt. The returned error
// is either retried by Tx or wrapped in fatalError to stop it.
func (s *SQLStore) recover(ctx context.Context, err error) error {
	class := classify(err)
	metrics.StoreErrorsTotal.WithLabelValues(class.String()).Inc()

	switch class {
	case classFatal:
		return &fatalError{err: err}
	case classInterface, classServerGone:
		if s.isClosed() {
			return &fatalError{err: ErrStoreClosed}
		}
		if retryDisabled(ctx) {
			return &fatalError{err: err}
		}
		if !s.cfg.ServerProbe.ServerRunning(ctx) {
			s.logger.Error().Err(err).Msg("Store connection lost and server is not running")
			return &fatalError{err: err}
		}
		if rerr := s.reconnect(ctx); rerr != nil {
			return &fatalError{err: fmt.Errorf("reconnect after %v: %w", err, rerr)}
		}
		return err
	default:
		return err
	}
}

// Exec runs a single statement in its own transaction
func (s *SQLStore) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.Exec(ctx, query, args...)
		return err
	})
	return res, err
}

// QueryRow runs a single-row query in its own transaction
func (s *SQLStore) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	return s.Tx(ctx, func(tx *Tx) error {
		return tx.QueryRow(ctx, query, args, dest...)
	})
}

// Tx is a transaction handed to Tx callbacks. Queries use ":N" placeholders.
type Tx struct {
	tx    *sql.Tx
	store *SQLStore
}

func (t *Tx) prepare(query string, args []any) (string, []any, error) {
	q, bound, err := bind(query, args)
	if err != nil {
		return "", nil, err
	}
	t.store.record(q, bound)
	return q, bound, nil
}

// Exec executes a statement
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, bound, err := t.prepare(query, args)
	if err != nil {
		return nil, err
	}
	return t.tx.ExecContext(ctx, q, bound...)
}

// Query runs query and calls each for every row
func (t *Tx) Query(ctx context.Context, query string, args []any, each func(rows *sql.Rows) error) error {
	q, bound, err := t.prepare(query, args)
	if err != nil {
		return err
	}
	rows, err := t.tx.QueryContext(ctx, q, bound...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// QueryRow scans a single row into dest. A missing row is ErrNotFound.
func (t *Tx) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	q, bound, err := t.prepare(query, args)
	if err != nil {
		return err
	}
	err = t.tx.QueryRowContext(ctx, q, bound...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// TryInsert executes an INSERT and reports a unique or primary key
// violation as AlreadyExists instead of an error
func (t *Tx) TryInsert(ctx context.Context, query string, args ...any) (InsertResult, error) {
	_, err := t.Exec(ctx, query, args...)
	if err == nil {
		return Inserted, nil
	}
	if isUniqueViolation(err) {
		return AlreadyExists, nil
	}
	return 0, err
}

// ForUpdate returns the row locking suffix for read-modify-write selects
func (t *Tx) ForUpdate() string {
	return t.store.dialect.forUpdate
}
