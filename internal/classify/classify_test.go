package classify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/dbchangerelay/internal/classify"
	mssql "github.com/microsoft/go-mssqldb"
)

func TestSQLErrorFatalVendorCode(t *testing.T) {
	err := mssql.Error{Number: 18456, Message: "login failed"}
	got := classify.SQLError(context.Background(), err)
	if got.Kind != classify.KindFatalWorker {
		t.Fatalf("expected KindFatalWorker, got %s", got.Kind)
	}
}

func TestSQLErrorRetryableByDefault(t *testing.T) {
	err := mssql.Error{Number: 1205, Message: "deadlock victim"}
	got := classify.SQLError(context.Background(), err)
	if got.Kind != classify.KindRetryable {
		t.Fatalf("expected KindRetryable, got %s", got.Kind)
	}
}

func TestSQLErrorShutdownOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := classify.SQLError(ctx, errors.New("receive interrupted"))
	if got.Kind != classify.KindShutdown {
		t.Fatalf("expected KindShutdown, got %s", got.Kind)
	}
}

func TestSQLErrorFatalConnectionMessage(t *testing.T) {
	got := classify.SQLError(context.Background(), errors.New("dial tcp: connection refused"))
	if got.Kind != classify.KindFatalWorker {
		t.Fatalf("expected KindFatalWorker for connection refused, got %s", got.Kind)
	}
}

func TestRetryDelayExponential(t *testing.T) {
	base := time.Second
	cap := 60 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // capped
	}
	for _, c := range cases {
		got := classify.RetryDelay(c.attempt, base, cap, true)
		if got != c.want {
			t.Fatalf("attempt %d: expected %s, got %s", c.attempt, c.want, got)
		}
	}
}

func TestRetryDelayFlatWhenExponentialDisabled(t *testing.T) {
	base := 3 * time.Second
	got := classify.RetryDelay(9, base, 60*time.Second, false)
	if got != base {
		t.Fatalf("expected flat delay %s, got %s", base, got)
	}
}

func TestRetryDelayCapsBackoffCountAtTen(t *testing.T) {
	base := time.Millisecond
	cap := time.Hour
	got := classify.RetryDelay(100, base, cap, true)
	want := base << 10
	if got != want {
		t.Fatalf("expected backoff count capped at 10 (%s), got %s", want, got)
	}
}

func TestWaitReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := classify.Wait(ctx, time.Hour); err == nil {
		t.Fatalf("expected error from canceled context")
	}
}
