// Package dbqueue drains a SQL Server Service Broker queue over
// database/sql, backed by github.com/microsoft/go-mssqldb. It provides the
// connection lifecycle façade and the blocking-receive primitive that
// internal/listener builds its state machine on top of.
package dbqueue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/classify"
)

// ConnectionFactory is the external collaborator that hands out a
// dedicated *sql.Conn for a worker's entire lifetime. The default
// implementation wraps a shared *sql.DB pool; callers supply the pool
// already configured (size, timeouts) — that configuration stays outside
// this package.
type ConnectionFactory interface {
	Open(ctx context.Context) (*sql.Conn, error)
}

// PoolFactory is the go-mssqldb-backed default ConnectionFactory.
type PoolFactory struct {
	DB *sql.DB
}

// NewPoolFactory wraps an already-configured *sql.DB using the
// "sqlserver" driver registered by github.com/microsoft/go-mssqldb.
func NewPoolFactory(db *sql.DB) *PoolFactory {
	return &PoolFactory{DB: db}
}

// Open acquires one physical connection from the pool for exclusive use.
func (f *PoolFactory) Open(ctx context.Context) (*sql.Conn, error) {
	conn, err := f.DB.Conn(ctx)
	if err != nil {
		return nil, classify.Wrap(classify.KindFatalWorker, "failed to acquire connection", err)
	}
	if _, err := conn.ExecContext(ctx, "SET IMPLICIT_TRANSACTIONS OFF"); err != nil {
		_ = conn.Close()
		return nil, classify.Wrap(classify.KindFatalWorker, "failed to configure connection", err)
	}
	return conn, nil
}

// ConnectionManager is a thin façade over a ConnectionFactory that adds
// the safe-cleanup and pre-flight validation operations the listener
// worker needs. It never panics; cleanup helpers log and swallow errors,
// mirroring the original DbBrokerConnectionManager.
type ConnectionManager struct {
	factory ConnectionFactory
	logger  zerolog.Logger
}

// NewConnectionManager constructs a ConnectionManager over factory.
func NewConnectionManager(factory ConnectionFactory, logger zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{factory: factory, logger: logger.With().Str("component", "connection-manager").Logger()}
}

// Acquire returns a connection with auto-commit disabled by starting an
// explicit transaction; failure is Fatal-DB (the worker cannot ignite
// without a connection).
func (m *ConnectionManager) Acquire(ctx context.Context) (*sql.Conn, *sql.Tx, error) {
	conn, err := m.factory.Open(ctx)
	if err != nil {
		return nil, nil, classify.Wrap(classify.KindFatalWorker, "connection acquisition failed", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, classify.Wrap(classify.KindFatalWorker, "failed to begin transaction", err)
	}
	return conn, tx, nil
}

// SafeRollback rolls back tx, logging on failure instead of raising.
func (m *ConnectionManager) SafeRollback(tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		m.logger.Warn().Err(err).Msg("error rolling back transaction")
	}
}

// SafeClose closes conn, logging on failure instead of raising.
func (m *ConnectionManager) SafeClose(conn *sql.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("error closing connection")
	}
}

// SafeCloseWithRollback rolls back tx (if any) then closes conn. Used for
// shutdown scenarios where the transaction outcome no longer matters.
func (m *ConnectionManager) SafeCloseWithRollback(conn *sql.Conn, tx *sql.Tx) {
	m.SafeRollback(tx)
	m.SafeClose(conn)
}

// InterruptBlockingReceive cancels ctx (which aborts the in-flight
// blocking receive) and closes conn to unblock the worker during
// shutdown. Callers pass the CancelFunc bound to the receive's context.
func (m *ConnectionManager) InterruptBlockingReceive(cancel context.CancelFunc, conn *sql.Conn) {
	if cancel != nil {
		cancel()
	}
	m.SafeClose(conn)
}

// IsServiceBrokerEnabled checks sys.databases.is_broker_enabled for the
// current database, raising Fatal-DB if it is disabled or cannot be
// determined. Ported from DbBrokerConnectionManager.isServiceBrokerEnabled.
func (m *ConnectionManager) IsServiceBrokerEnabled(ctx context.Context) error {
	conn, err := m.factory.Open(ctx)
	if err != nil {
		return classify.Wrap(classify.KindFatalWorker, "failed to open pre-flight connection", err)
	}
	defer m.SafeClose(conn)

	var enabled bool
	row := conn.QueryRowContext(ctx, "SELECT is_broker_enabled FROM sys.databases WHERE name = DB_NAME()")
	if err := row.Scan(&enabled); err != nil {
		return classify.Wrap(classify.KindFatalWorker, "cannot determine service broker status", err)
	}
	if !enabled {
		return classify.Wrap(classify.KindFatalWorker, "service broker is disabled on database", nil)
	}
	m.logger.Info().Msg("service broker is enabled for database")
	return nil
}

// IsQueueEnabled checks sys.service_queues.is_receive_enabled for
// queueName, raising Fatal-DB if it is disabled, missing, or cannot be
// determined. Ported from DbBrokerConnectionManager.isQueueEnabled.
func (m *ConnectionManager) IsQueueEnabled(ctx context.Context, queueName string) error {
	conn, err := m.factory.Open(ctx)
	if err != nil {
		return classify.Wrap(classify.KindFatalWorker, "failed to open pre-flight connection", err)
	}
	defer m.SafeClose(conn)

	var enabled bool
	row := conn.QueryRowContext(ctx, "SELECT is_receive_enabled FROM sys.service_queues WHERE name = @p1", queueName)
	if err := row.Scan(&enabled); err != nil {
		if err == sql.ErrNoRows {
			return classify.Wrap(classify.KindFatalWorker, fmt.Sprintf("queue %q not found", queueName), nil)
		}
		return classify.Wrap(classify.KindFatalWorker, "cannot determine queue status", err)
	}
	if !enabled {
		return classify.Wrap(classify.KindFatalWorker, fmt.Sprintf("queue %q is disabled", queueName), nil)
	}
	m.logger.Info().Str("queue", queueName).Msg("queue is enabled")
	return nil
}
