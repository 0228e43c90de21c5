package dispatch_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/dispatch"
	"github.com/example/dbchangerelay/internal/envelope"
	"github.com/example/dbchangerelay/internal/models"
	"github.com/example/dbchangerelay/internal/registry"
)

type recordingHandler struct {
	inserts []*models.ChangeEvent
	err     error
}

func (h *recordingHandler) OnInsert(event *models.ChangeEvent) error {
	h.inserts = append(h.inserts, event)
	return h.err
}
func (h *recordingHandler) OnUpdate(event *models.ChangeEvent) error { return h.err }
func (h *recordingHandler) OnDelete(event *models.ChangeEvent) error { return h.err }

func newDispatcher(t *testing.T, setup func(*registry.Registry)) *dispatch.Dispatcher {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	if setup != nil {
		setup(reg)
	}
	parser := envelope.New(zerolog.Nop())
	return dispatch.New(reg, parser, zerolog.Nop())
}

func TestDispatchHandledOnSuccess(t *testing.T) {
	h := &recordingHandler{}
	d := newDispatcher(t, func(r *registry.Registry) {
		_ = r.Register("orders", h)
	})

	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"INSERT"}`}
	outcome, err := d.Dispatch(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != dispatch.OutcomeHandled {
		t.Fatalf("expected OutcomeHandled, got %v", outcome)
	}
	if len(h.inserts) != 1 {
		t.Fatalf("expected handler to be invoked once, got %d", len(h.inserts))
	}
}

func TestDispatchAcknowledgesUnregisteredTable(t *testing.T) {
	d := newDispatcher(t, nil)
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"unknown_table","operation":"INSERT"}`}

	outcome, err := d.Dispatch(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != dispatch.OutcomeAcknowledgedUnregistered {
		t.Fatalf("expected OutcomeAcknowledgedUnregistered, got %v", outcome)
	}
}

func TestDispatchAcknowledgesUnsupportedOperation(t *testing.T) {
	h := &recordingHandler{}
	d := newDispatcher(t, func(r *registry.Registry) {
		_ = r.Register("orders", h, registry.WithSupportedOperations(models.ChangeTypeDelete))
	})
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"INSERT"}`}

	outcome, err := d.Dispatch(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != dispatch.OutcomeAcknowledgedUnsupported {
		t.Fatalf("expected OutcomeAcknowledgedUnsupported, got %v", outcome)
	}
	if len(h.inserts) != 0 {
		t.Fatalf("expected handler not to be invoked")
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	h := &recordingHandler{err: errors.New("handler failed")}
	d := newDispatcher(t, func(r *registry.Registry) {
		_ = r.Register("orders", h)
	})
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"INSERT"}`}

	_, err := d.Dispatch(msg)
	if err == nil {
		t.Fatalf("expected handler error to propagate")
	}
}

func TestDispatchPropagatesPoisonFromMalformedEnvelope(t *testing.T) {
	d := newDispatcher(t, nil)
	msg := &models.RawMessage{MessageBody: `not-json`}

	_, err := d.Dispatch(msg)
	if err == nil {
		t.Fatalf("expected malformed envelope to surface an error")
	}
}

func TestDispatchTypedConversion(t *testing.T) {
	type orderRecord struct {
		ID int `json:"Id"`
	}
	h := &recordingHandler{}
	d := newDispatcher(t, func(r *registry.Registry) {
		_ = r.Register("orders", h, registry.WithRecordSample(&orderRecord{}))
	})
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"INSERT","record":{"Id":7}}`}

	if _, err := d.Dispatch(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	typed, ok := h.inserts[0].TypedRecord.(orderRecord)
	if !ok {
		t.Fatalf("expected typed record, got %T", h.inserts[0].TypedRecord)
	}
	if typed.ID != 7 {
		t.Fatalf("expected Id 7, got %d", typed.ID)
	}
}

func TestClassifySystemMessage(t *testing.T) {
	cases := []struct {
		uri        string
		wantSystem bool
		wantReason string
	}{
		{"http://schemas.microsoft.com/SQL/ServiceBroker/EndDialog", true, "EndDialog cleanup"},
		{"http://schemas.microsoft.com/SQL/ServiceBroker/Error", true, "Error message cleanup"},
		{"http://schemas.microsoft.com/SQL/ServiceBroker/DialogTimer", true, "Timer expiry cleanup"},
		{"http://schemas.microsoft.com/SQL/ServiceBroker/SomethingElse", true, "Unknown system message cleanup: http://schemas.microsoft.com/SQL/ServiceBroker/SomethingElse"},
		{"OrdersChangeMessage", false, ""},
	}
	for _, c := range cases {
		isSystem, reason := dispatch.ClassifySystemMessage(c.uri)
		if isSystem != c.wantSystem {
			t.Fatalf("uri %s: expected isSystem=%v, got %v", c.uri, c.wantSystem, isSystem)
		}
		if reason != c.wantReason {
			t.Fatalf("uri %s: expected reason %q, got %q", c.uri, c.wantReason, reason)
		}
	}
}
