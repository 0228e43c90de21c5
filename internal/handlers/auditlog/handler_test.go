package auditlog_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/handlers/auditlog"
	"github.com/example/dbchangerelay/internal/models"
)

func sampleEvent() *models.ChangeEvent {
	return &models.ChangeEvent{
		EventID:    "evt-1",
		TableName:  "DBO.AUDITTARGET",
		ChangeType: models.ChangeTypeInsert,
		EventTime:  time.Now(),
		RawRecord:  map[string]interface{}{"id": 1},
	}
}

func TestOnInsertNeverErrors(t *testing.T) {
	h := auditlog.New(zerolog.Nop())
	if err := h.OnInsert(sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOnUpdateNeverErrors(t *testing.T) {
	h := auditlog.New(zerolog.Nop())
	event := sampleEvent()
	event.ChangeType = models.ChangeTypeUpdate
	if err := h.OnUpdate(event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOnDeleteNeverErrors(t *testing.T) {
	h := auditlog.New(zerolog.Nop())
	event := sampleEvent()
	event.ChangeType = models.ChangeTypeDelete
	if err := h.OnDelete(event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
