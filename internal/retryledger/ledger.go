// Package retryledger tracks per-conversation retry state across all
// listener workers. It mirrors the original implementation's
// MessageRetryTracker/MessageRetryState pair, ported onto sync.Map and
// atomic fields idiomatic to Go instead of ConcurrentHashMap/AtomicInteger.
package retryledger

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the retry bookkeeping kept for a single conversation handle.
// firstFailureAt is set exactly once, on the first call to Increment.
type State struct {
	count          int64
	firstFailureAt atomic.Value // time.Time
	lastErrorKind  atomic.Value // string

	once sync.Once
}

// Increment atomically bumps the retry count, recording the first-failure
// timestamp on the first call, and returns the new count.
func (s *State) Increment() int64 {
	s.once.Do(func() {
		s.firstFailureAt.Store(time.Now())
	})
	return atomic.AddInt64(&s.count, 1)
}

// Count returns the current retry count.
func (s *State) Count() int64 {
	return atomic.LoadInt64(&s.count)
}

// FirstFailureAt returns the timestamp of the first recorded failure, or
// the zero time if the state has never been incremented.
func (s *State) FirstFailureAt() time.Time {
	v := s.firstFailureAt.Load()
	if v == nil {
		return time.Time{}
	}
	return v.(time.Time)
}

// SetLastErrorKind records the most recent error classification tag.
func (s *State) SetLastErrorKind(kind string) {
	s.lastErrorKind.Store(kind)
}

// LastErrorKind returns the most recently recorded error classification
// tag, or "" if none has been recorded.
func (s *State) LastErrorKind() string {
	v := s.lastErrorKind.Load()
	if v == nil {
		return ""
	}
	return v.(string)
}

// Ledger is a concurrency-safe map of conversation handle to retry State.
// At most one State exists per handle at any time.
type Ledger struct {
	states sync.Map // string -> *State
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{}
}

// GetOrCreate returns the unique State for handle, creating it if absent.
func (l *Ledger) GetOrCreate(handle string) *State {
	actual, _ := l.states.LoadOrStore(handle, &State{})
	return actual.(*State)
}

// Clear removes the entry for handle. It is a no-op if the handle is not
// tracked.
func (l *Ledger) Clear(handle string) {
	l.states.Delete(handle)
}

// ClearAll empties the ledger. Used at supervisor shutdown.
func (l *Ledger) ClearAll() {
	l.states.Range(func(key, _ interface{}) bool {
		l.states.Delete(key)
		return true
	})
}

// Size reports the number of tracked handles. Read-only, used for
// telemetry only.
func (l *Ledger) Size() int {
	n := 0
	l.states.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
