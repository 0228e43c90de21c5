package telemetry_test

import (
	"testing"
	"time"

	"github.com/example/dbchangerelay/internal/telemetry"
)

func TestWorkerSensorCounters(t *testing.T) {
	s := telemetry.NewWorkerSensor(1)
	s.RecordMessage()
	s.RecordMessage()
	s.RecordError()

	snap := s.Snapshot()
	if snap.MessagesProcessed != 2 {
		t.Fatalf("expected 2 messages processed, got %d", snap.MessagesProcessed)
	}
	if snap.ErrorsEncountered != 1 {
		t.Fatalf("expected 1 error, got %d", snap.ErrorsEncountered)
	}
	if !snap.Running {
		t.Fatalf("expected sensor to report running")
	}
}

func TestErrorRateComputation(t *testing.T) {
	snap := telemetry.Snapshot{MessagesProcessed: 3, ErrorsEncountered: 1}
	if got := snap.ErrorRate(); got != 0.25 {
		t.Fatalf("expected error rate 0.25, got %f", got)
	}
}

func TestRecentActivityFalseWhenNoMessages(t *testing.T) {
	snap := telemetry.Snapshot{}
	if snap.RecentActivity() {
		t.Fatalf("expected no recent activity with zero lastMessageAt")
	}
}

func TestRecentActivityTrueWithinWindow(t *testing.T) {
	snap := telemetry.Snapshot{LastMessageAt: time.Now()}
	if !snap.RecentActivity() {
		t.Fatalf("expected recent activity")
	}
}

func TestErrorRingCapsAtMaxSize(t *testing.T) {
	ring := telemetry.NewErrorRing()
	for i := 0; i < 150; i++ {
		ring.Add(telemetry.RecordedError{WorkerID: int64(i), Kind: "retryable"})
	}
	recent := ring.Recent()
	if len(recent) != 100 {
		t.Fatalf("expected ring capped at 100 entries, got %d", len(recent))
	}
	if recent[0].WorkerID != 50 {
		t.Fatalf("expected oldest entries evicted, first remaining workerID 50, got %d", recent[0].WorkerID)
	}
}

func TestRegistryAggregateFullyOperational(t *testing.T) {
	reg := telemetry.NewRegistry(2, 0.5)
	reg.SetSupervising(true)

	s1 := telemetry.NewWorkerSensor(1)
	s2 := telemetry.NewWorkerSensor(2)
	reg.Track(s1)
	reg.Track(s2)

	agg := reg.Aggregate()
	if !agg.FullyOperational {
		t.Fatalf("expected fully operational with matching active/configured counts and zero error rate")
	}
	if agg.ActiveCount != 2 || agg.ConfiguredCount != 2 {
		t.Fatalf("expected active=configured=2, got active=%d configured=%d", agg.ActiveCount, agg.ConfiguredCount)
	}
}

func TestRegistryAggregateNotOperationalWhenUnderStaffed(t *testing.T) {
	reg := telemetry.NewRegistry(2, 0.5)
	reg.SetSupervising(true)
	reg.Track(telemetry.NewWorkerSensor(1))

	agg := reg.Aggregate()
	if agg.FullyOperational {
		t.Fatalf("expected not fully operational with 1 of 2 workers active")
	}
}

func TestRegistryUntrack(t *testing.T) {
	reg := telemetry.NewRegistry(1, 0.5)
	s := telemetry.NewWorkerSensor(1)
	reg.Track(s)
	reg.Untrack(1)

	if len(reg.Snapshots()) != 0 {
		t.Fatalf("expected no tracked sensors after untrack")
	}
}
