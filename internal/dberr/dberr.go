// Package dberr is the engine's error taxonomy. Validation errors are produced
// before any storage call; storage errors are classified on the way out and
// otherwise propagate unmodified. Nothing here retries.
package dberr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// Kind buckets an engine error for caller policy decisions.
type Kind int

const (
	// KindUnknown wraps anything unclassified; surfaced with full context.
	KindUnknown Kind = iota
	// KindValidation is a malformed request caught before storage; never retried.
	KindValidation
	// KindConstraint is a storage constraint violation; retrying without caller
	// intervention would repeat the violation.
	KindConstraint
	// KindNotFound is the OrThrow outcome of a zero-row lookup.
	KindNotFound
	// KindTransient is safe to retry with backoff at the component boundary,
	// after rollback is confirmed.
	KindTransient
)

// ConstraintKind identifies which constraint a KindConstraint error violated.
type ConstraintKind string

const (
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintNotNull    ConstraintKind = "not_null"
	ConstraintEnumDomain ConstraintKind = "enum_domain"
)

// Error is a classified engine error.
type Error struct {
	Kind       Kind
	Constraint ConstraintKind
	MySQLCode  uint16
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation builds a construction-time validation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error for an entity lookup.
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", entity)}
}

// EnumDomain builds the write-time rejection for values outside a closed enum.
func EnumDomain(entity, field, value string) error {
	return &Error{
		Kind:       KindConstraint,
		Constraint: ConstraintEnumDomain,
		Message:    fmt.Sprintf("value %q is outside the declared enum for %s.%s", value, entity, field),
	}
}

// MySQL error numbers the engine classifies. Everything else passes through.
const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrRowReferenced   = 1451
	mysqlErrNoReferencedRow = 1452
	mysqlErrBadNull         = 1048
	mysqlErrNoDefault       = 1364
	mysqlErrLockWaitTimeout = 1205
	mysqlErrLockDeadlock    = 1213
)

// Classify maps a storage error into the taxonomy. Context cancellation and
// deadline errors pass through untouched so callers can errors.Is them;
// unrecognized errors are returned unmodified, never swallowed.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}

	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return err
	}
	switch mysqlErr.Number {
	case mysqlErrDuplicateEntry:
		return &Error{Kind: KindConstraint, Constraint: ConstraintUnique, MySQLCode: mysqlErr.Number, Message: mysqlErr.Message, Err: err}
	case mysqlErrRowReferenced, mysqlErrNoReferencedRow:
		return &Error{Kind: KindConstraint, Constraint: ConstraintForeignKey, MySQLCode: mysqlErr.Number, Message: mysqlErr.Message, Err: err}
	case mysqlErrBadNull, mysqlErrNoDefault:
		return &Error{Kind: KindConstraint, Constraint: ConstraintNotNull, MySQLCode: mysqlErr.Number, Message: mysqlErr.Message, Err: err}
	case mysqlErrLockWaitTimeout, mysqlErrLockDeadlock:
		return &Error{Kind: KindTransient, MySQLCode: mysqlErr.Number, Message: mysqlErr.Message, Err: err}
	default:
		return err
	}
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindUnknown, false
}

// IsValidation reports whether err is a construction-time validation error.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsNotFound reports whether err is a not-found outcome.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConstraint
}

// IsTransient reports whether err is safe to retry after confirmed rollback.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// AsConstraint extracts the violated constraint's identity.
func AsConstraint(err error) (ConstraintKind, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConstraint {
		return e.Constraint, true
	}
	return "", false
}
