package storage

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/jdziat/jobengine/pkg/retry"
)

// PostgreSQL SQLSTATE codes the engine cares about.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgTooManyConnections   = "53300"
	pgCannotConnectNow     = "57P03"
	pgQueryCanceled        = "57014"
)

// ClassifyDriverError is a retry.Matcher for PostgreSQL and SQLite driver
// errors. It has no opinion on anything else.
func ClassifyDriverError(err error) (retry.Decision, bool) {
	switch e := err.(type) {
	case *pgconn.PgError:
		switch e.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable,
			pgTooManyConnections, pgCannotConnectNow:
			return retry.Decision{Class: retry.Retriable}, true
		case pgQueryCanceled:
			return retry.Decision{Class: retry.ExecutionTimeout}, true
		}
	case sqlite3.Error:
		switch e.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return retry.Decision{Class: retry.Retriable}, true
		}
	}
	return retry.Decision{}, false
}

// isDuplicateKey reports whether err is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
