package retryledger_test

import (
	"sync"
	"testing"

	"github.com/example/dbchangerelay/internal/retryledger"
)

func TestGetOrCreateReturnsSameState(t *testing.T) {
	l := retryledger.New()
	a := l.GetOrCreate("handle-1")
	b := l.GetOrCreate("handle-1")
	if a != b {
		t.Fatalf("expected the same State instance for the same handle")
	}
}

func TestIncrementSetsFirstFailureOnce(t *testing.T) {
	l := retryledger.New()
	s := l.GetOrCreate("handle-1")

	if got := s.Increment(); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
	first := s.FirstFailureAt()
	if first.IsZero() {
		t.Fatalf("expected firstFailureAt to be set")
	}

	if got := s.Increment(); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
	if !s.FirstFailureAt().Equal(first) {
		t.Fatalf("expected firstFailureAt to remain unchanged across increments")
	}
}

func TestClearRemovesState(t *testing.T) {
	l := retryledger.New()
	l.GetOrCreate("handle-1")
	if l.Size() != 1 {
		t.Fatalf("expected size 1, got %d", l.Size())
	}
	l.Clear("handle-1")
	if l.Size() != 0 {
		t.Fatalf("expected size 0 after clear, got %d", l.Size())
	}
	// Clear is idempotent.
	l.Clear("handle-1")
}

func TestClearAllEmptiesLedger(t *testing.T) {
	l := retryledger.New()
	l.GetOrCreate("a")
	l.GetOrCreate("b")
	l.GetOrCreate("c")
	if l.Size() != 3 {
		t.Fatalf("expected size 3, got %d", l.Size())
	}
	l.ClearAll()
	if l.Size() != 0 {
		t.Fatalf("expected size 0 after clearAll, got %d", l.Size())
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := retryledger.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := l.GetOrCreate("shared-handle")
			s.Increment()
		}()
	}
	wg.Wait()

	s := l.GetOrCreate("shared-handle")
	if s.Count() != 50 {
		t.Fatalf("expected count 50, got %d", s.Count())
	}
}
