// Package dberror defines the error taxonomy shared by the query packages and
// classifies driver errors into it.
package dberror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an execution-time failure.
type Kind int

const (
	// KindQuery is a syntax or semantic SQL error reported by the database.
	KindQuery Kind = iota
	// KindConnection indicates the database is unreachable or rejected the credentials.
	KindConnection
	// KindTimeout indicates the statement was cancelled by a timeout.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	default:
		return "query"
	}
}

// SecurityError is returned when a SQL string fails the read-only safety rules.
type SecurityError struct {
	Rule    string
	Keyword string
	Message string
}

func (e *SecurityError) Error() string {
	return "security: " + e.Message
}

// ValidationError is returned when an analytical intent references an unknown
// field or an operation the field does not allow.
type ValidationError struct {
	Field     string
	Operation string
	Message   string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

// Validationf builds a ValidationError for the given field and operation.
func Validationf(field, operation, format string, args ...any) *ValidationError {
	return &ValidationError{
		Field:     field,
		Operation: operation,
		Message:   fmt.Sprintf(format, args...),
	}
}

// ExecutionError wraps a failure raised while running SQL against a connection.
type ExecutionError struct {
	Kind Kind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Wrap classifies err and returns it as an *ExecutionError. Errors that are
// already classified are returned unchanged.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	return &ExecutionError{Kind: Classify(err), Err: err}
}

// KindOf returns the execution kind of err and whether err is an execution error.
func KindOf(err error) (Kind, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind, true
	}
	return KindQuery, false
}

// IsTransient returns true if the error is worth retrying with backoff.
// Timeouts are not transient: rerunning an expensive statement repeats the load.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		kind = Classify(err)
	}
	return kind == KindConnection
}

// Classify determines the kind of a database error.
func Classify(err error) Kind {
	if err == nil {
		return KindQuery
	}

	// A cancelled context is the caller going away, not the statement timing out.
	if errors.Is(err, context.Canceled) {
		return KindQuery
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return KindConnection
	}

	if pgconn.Timeout(err) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	errStr := strings.ToLower(err.Error())

	for _, pattern := range timeoutPatterns {
		if strings.Contains(errStr, pattern) {
			return KindTimeout
		}
	}
	for _, pattern := range connectivityPatterns {
		if strings.Contains(errStr, pattern) {
			return KindConnection
		}
	}

	return KindQuery
}

var timeoutPatterns = []string{
	"statement timeout",
	"canceling statement",
	"deadline exceeded",
	"timed out",
	"i/o timeout",
}

var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"conn closed",
	"no such host",
	"dial tcp",
	"dial unix",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"pool is closed",
	"closed pool",
	"password authentication failed",
	"authentication failed",
	"too many clients",
	"the database system is starting up",
	"the database system is shutting down",
	"unexpected eof",
}

// classifySQLState maps a PostgreSQL SQLSTATE code to a Kind.
func classifySQLState(code string) Kind {
	switch {
	case code == "57014": // query_canceled, raised by statement_timeout
		return KindTimeout
	case code == "57P01", code == "57P02", code == "57P03":
		return KindConnection
	case strings.HasPrefix(code, "08"), // connection_exception
		strings.HasPrefix(code, "28"), // invalid_authorization_specification
		strings.HasPrefix(code, "53"): // insufficient_resources
		return KindConnection
	default:
		return KindQuery
	}
}

// UserMessage returns a user-facing message that keeps the error kinds distinct.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var secErr *SecurityError
	if errors.As(err, &secErr) {
		return "Security rule violated: " + secErr.Message
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return "Configuration error: " + valErr.Message
	}

	if errors.Is(err, context.Canceled) {
		return "Query was cancelled."
	}

	kind, ok := KindOf(err)
	if !ok {
		kind = Classify(err)
	}
	switch kind {
	case KindConnection:
		return "Database temporarily unavailable. Please try again in a moment."
	case KindTimeout:
		return "Query timed out. It is too expensive to run with the current filters."
	default:
		return "Query failed: " + err.Error()
	}
}
