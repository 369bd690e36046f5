package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument marks malformed input. It is never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition is returned for a request status change outside
	// Pending→Running→{Done,Failed}
	ErrInvalidTransition = errors.New("invalid request status transition")

	// ErrStoreUnreachable matches *UnreachableError
	ErrStoreUnreachable = errors.New("store unreachable")

	// ErrConnectAborted is returned when the kill switch stops the connection wait loop
	ErrConnectAborted = errors.New("store connection retry stopped by kill switch")

	// ErrStoreClosed is returned by every operation after Close. A closed
	// store never reconnects.
	ErrStoreClosed = errors.New("store closed")
)

// UnreachableError is returned when the connection wait loop times out
type UnreachableError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *UnreachableError) Error() string {
	elapsed := e.Elapsed.Round(time.Second)
	h := int(elapsed.Hours())
	m := int(elapsed.Minutes()) % 60
	s := int(elapsed.Seconds()) % 60
	return fmt.Sprintf("store unreachable: attempted %d connections in %d hours %d minutes %d seconds: %v",
		e.Attempts, h, m, s, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

func (e *UnreachableError) Is(target error) bool {
	return target == ErrStoreUnreachable
}

// errorClass drives the executor's retry decision
type errorClass int

const (
	classOther errorClass = iota
	classInterface
	classServerGone
	classBusy
	classFatal
)

func (c errorClass) String() string {
	switch c {
	case classInterface:
		return "interface"
	case classServerGone:
		return "server_gone"
	case classBusy:
		return "busy"
	case classFatal:
		return "fatal"
	default:
		return "other"
	}
}

// MySQL server error numbers the executor cares about
const (
	mysqlServerShutdown   = 1053
	mysqlDuplicateEntry   = 1062
	mysqlParseError       = 1064
	mysqlLockWaitTimeout  = 1205
	mysqlDeadlock         = 1213
	mysqlNoSuchTable      = 1146
	mysqlBadField         = 1054
	mysqlServerGone       = 2006
	mysqlLostConnection   = 2013
	mysqlConnectionFailed = 2003
)

func classify(err error) errorClass {
	if err == nil {
		return classOther
	}

	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		isUniqueViolation(err):
		return classFatal
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, sql.ErrConnDone):
		return classInterface
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlServerGone, mysqlLostConnection, mysqlServerShutdown, mysqlConnectionFailed:
			return classServerGone
		case mysqlLockWaitTimeout, mysqlDeadlock:
			return classBusy
		case mysqlParseError, mysqlNoSuchTable, mysqlBadField:
			return classFatal
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return classBusy
		case sqlite3.ErrError:
			// syntax errors, missing tables and columns
			if !strings.Contains(liteErr.Error(), "within a transaction") {
				return classFatal
			}
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "cannot start a transaction within a transaction") {
		return classBusy
	}
	return classOther
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint &&
			(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// IsTransient reports whether err is worth retrying by redoing the whole
// statement group
func IsTransient(err error) bool {
	switch classify(err) {
	case classInterface, classServerGone, classBusy, classOther:
		return err != nil
	default:
		return false
	}
}

// fatalError stops the executor's retry loop while keeping the cause visible
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
