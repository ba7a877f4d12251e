package graphstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var errClosed = errors.New("store is closed")

// StoreUnavailableError is a transient backend failure: connection loss,
// timeouts, lock contention, serialization failures. Safe to retry.
type StoreUnavailableError struct {
	Op    string
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("graph store unavailable during %s: %v", e.Op, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Cause
}

// StoreConstraintError is a permanent failure: constraint violations or
// invalid data. Retrying cannot succeed.
type StoreConstraintError struct {
	Op      string
	Message string
	Cause   error
}

func (e *StoreConstraintError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("graph store constraint violated during %s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("graph store constraint violated during %s: %s", e.Op, e.Message)
}

func (e *StoreConstraintError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err is a StoreUnavailableError.
func IsTransient(err error) bool {
	var unavailable *StoreUnavailableError
	return errors.As(err, &unavailable)
}

// classifyPostgres maps pgx errors onto the store taxonomy.
func classifyPostgres(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return &StoreConstraintError{Op: op, Message: pgErr.Message, Cause: err}
		case pgErr.Code == "40001", pgErr.Code == "40P01",
			strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"):
			return &StoreUnavailableError{Op: op, Cause: err}
		default:
			return &StoreConstraintError{Op: op, Message: pgErr.Message, Cause: err}
		}
	}

	// Connection errors, timeouts and closed pools surface without a PgError.
	return &StoreUnavailableError{Op: op, Cause: err}
}

// sqliteCoder is implemented by driver errors that expose a result code.
type sqliteCoder interface {
	Code() int
}

const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// classifySQLite maps SQLite result codes onto the store taxonomy.
func classifySQLite(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var coder sqliteCoder
	if errors.As(err, &coder) {
		switch coder.Code() & 0xff {
		case sqliteConstraint:
			return &StoreConstraintError{Op: op, Message: "constraint failed", Cause: err}
		case sqliteBusy, sqliteLocked:
			return &StoreUnavailableError{Op: op, Cause: err}
		}
	}
	return &StoreUnavailableError{Op: op, Cause: err}
}
