// Package classify maps errors raised while draining the queue into the
// ErrorKind taxonomy that drives the listener worker's state machine. The
// fatal SQL Server error codes are ported verbatim from the original
// implementation's ErrorTracker.isFatalSqlError.
package classify

import (
	"context"
	"errors"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
)

// Kind tags the disposition a classified error demands from its caller.
type Kind int

const (
	// KindFatalProcessImmediate signals a resource-exhaustion-class fault
	// that requires terminating the process immediately (exit code 2)
	// after a best-effort stop attempt.
	KindFatalProcessImmediate Kind = iota
	// KindFatalProcessGraceful signals a linkage/load-time-class fault
	// that requires a graceful stop then exit (exit code 3).
	KindFatalProcessGraceful
	// KindFatalWorker signals a database- or queue-configuration error
	// that cannot be recovered without operator intervention. The worker
	// stops; the supervisor will not restart it.
	KindFatalWorker
	// KindRetryable signals a transient fault. The caller should roll
	// back, increment the retry ledger, apply backoff, and continue.
	KindRetryable
	// KindPoison signals a per-message failure that has exceeded
	// maxRetries or a deterministic validation failure. The caller
	// should acknowledge with a poison reason and clear retry state.
	KindPoison
	// KindShutdown signals a cancellation/interruption request. The
	// caller should exit its loop in an orderly fashion.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindFatalProcessImmediate:
		return "fatal-process-immediate"
	case KindFatalProcessGraceful:
		return "fatal-process-graceful"
	case KindFatalWorker:
		return "fatal-worker"
	case KindRetryable:
		return "retryable"
	case KindPoison:
		return "poison"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ExitCode returns the process exit code associated with a fatal-process
// kind, and false for every other kind.
func (k Kind) ExitCode() (int, bool) {
	switch k {
	case KindFatalProcessImmediate:
		return 2, true
	case KindFatalProcessGraceful:
		return 3, true
	default:
		return 0, false
	}
}

// ClassifiedError wraps an underlying cause with its assigned Kind.
type ClassifiedError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind and a human-readable reason.
func Wrap(kind Kind, reason string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Reason: reason, Err: err}
}

// PoisonError marks a deterministic validation failure — malformed JSON or
// a missing required field — that must be poisoned without ever touching
// the retry ledger.
type PoisonError struct {
	Reason string
	Err    error
}

func (e *PoisonError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *PoisonError) Unwrap() error {
	return e.Err
}

// fatalSQLErrorCodes are SQL Server vendor error numbers that indicate a
// configuration problem no amount of retrying will fix. Ported verbatim
// from the original classifier.
var fatalSQLErrorCodes = map[int32]string{
	// Service Broker configuration.
	9617: "service broker is disabled in this database",
	9618: "service broker in database is not enabled",
	9619: "cannot route the message because routing is not enabled",
	9621: "service broker message delivery is disabled",
	9632: "service broker dialog security is not available",
	9633: "service broker dialog security header is not valid",
	// Queue/service configuration.
	208:   "invalid object name (queue does not exist)",
	15581: "please create a master key in the database",
	15597: "service does not exist",
	15598: "queue does not exist",
	15599: "message type does not exist",
	// Authentication.
	18456: "login failed for a user",
	18470: "login failed (password expired)",
	18487: "login failed (account locked)",
	// Permissions.
	229:   "permission denied",
	15404: "could not obtain information about windows nt group/user",
	15247: "user does not have permission to perform this action",
	// Database availability.
	911: "database does not exist",
	924: "database is already exclusively locked",
	927: "database is in restricted user mode",
	942: "database is being recovered",
	// Connection/network.
	2:     "cannot open database/named pipes provider error",
	53:    "named pipes provider: could not open connection",
	233:   "no process is on the other end of the pipe",
	10060: "a connection attempt failed (network unreachable)",
	10061: "no connection could be made (connection refused)",
}

// SQLError classifies an error returned from a database/sql call made
// against the queue connection. ctx may be nil; when it is non-nil and
// already canceled or expired, the error is classified as Shutdown.
func SQLError(ctx context.Context, err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ctx != nil && ctx.Err() != nil {
		return Wrap(KindShutdown, "context canceled during database operation", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindShutdown, "operation canceled", err)
	}

	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		if reason, ok := fatalSQLErrorCodes[sqlErr.Number]; ok {
			return Wrap(KindFatalWorker, reason, err)
		}
	}
	if isFatalConnectionMessage(err.Error()) {
		return Wrap(KindFatalWorker, "fatal connection-class error", err)
	}

	return Wrap(KindRetryable, "transient database error", err)
}

// isFatalConnectionMessage catches driver-level connection failures that
// surface as plain errors rather than a typed mssql.Error (dial failures,
// TLS handshake failures) — the equivalent of the SQLSTATE "08"
// (connection exception) class in the original classifier.
func isFatalConnectionMessage(msg string) bool {
	msg = strings.ToLower(msg)
	markers := []string{
		"no such host",
		"connection refused",
		"i/o timeout",
		"network is unreachable",
		"tls handshake",
	}
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
