package listener_test

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
)

// fakeDriver backs a *sql.DB with connections that support Begin/Commit/
// Rollback/Close but never actually run a query — the listener tests
// drive queue semantics through stub Receiver/Dispatcher implementations
// and only need genuine *sql.Conn/*sql.Tx values to satisfy
// listener.ConnectionAcquirer's concrete return types.
type fakeDriver struct{}

func (fakeDriver) Open(name string) (driver.Conn, error) {
	return &fakeConn{}, nil
}

var registerOnce sync.Once

func registerFakeDriver() {
	registerOnce.Do(func() {
		sql.Register("dbchangerelay-fake", fakeDriver{})
	})
}

func newFakeDB() *sql.DB {
	registerFakeDriver()
	db, err := sql.Open("dbchangerelay-fake", "fake")
	if err != nil {
		panic(err)
	}
	return db
}

type fakeConn struct{}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return &fakeStmt{}, nil }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)                 { return &fakeTx{}, nil }

type fakeTx struct{}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type fakeStmt struct{}

func (s *fakeStmt) Close() error                                    { return nil }
func (s *fakeStmt) NumInput() int                                   { return -1 }
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) { return fakeResult{}, nil }
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error)  { return nil, errors.New("unused") }

// fakeResult lets Acknowledge's END CONVERSATION exec succeed against an
// open tx, so database/sql's own done-tracking (sql.ErrTxDone once a tx has
// been committed or rolled back) is the thing under test, not the driver.
type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }
