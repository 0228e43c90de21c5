package envelope_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/classify"
	"github.com/example/dbchangerelay/internal/envelope"
	"github.com/example/dbchangerelay/internal/models"
)

func newParser() *envelope.Parser {
	return envelope.New(zerolog.Nop())
}

func TestParseHappyPath(t *testing.T) {
	msg := &models.RawMessage{
		MessageBody:        `{"eventId":"e-1","tableName":"orders","operation":"insert","timestamp":"2025-12-01T15:47:03.280","record":{"Id":92749}}`,
		ConversationHandle: "handle-1",
		MessageTypeName:    "OrdersChangeMessage",
	}
	event, err := newParser().Parse(msg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.EventID != "e-1" {
		t.Fatalf("expected eventId e-1, got %s", event.EventID)
	}
	if event.TableName != "ORDERS" {
		t.Fatalf("expected canonicalized table name ORDERS, got %s", event.TableName)
	}
	if event.ChangeType != models.ChangeTypeInsert {
		t.Fatalf("expected INSERT, got %s", event.ChangeType)
	}
	if event.RawRecord["Id"].(float64) != 92749 {
		t.Fatalf("expected raw record Id 92749, got %v", event.RawRecord["Id"])
	}
}

func TestParseMissingRecordDefaultsToEmptyMap(t *testing.T) {
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"DELETE"}`}
	event, err := newParser().Parse(msg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(event.RawRecord) != 0 {
		t.Fatalf("expected empty raw record, got %v", event.RawRecord)
	}
}

func TestParseUnparseableTimestampFallsBackToNowWithoutPoisoning(t *testing.T) {
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"UPDATE","timestamp":"not-a-date"}`}
	event, err := newParser().Parse(msg, nil)
	if err != nil {
		t.Fatalf("expected no error for bad timestamp, got %v", err)
	}
	if event.EventTime.IsZero() {
		t.Fatalf("expected eventTime to fall back to now, got zero value")
	}
}

func TestParseMalformedJSONIsPoison(t *testing.T) {
	msg := &models.RawMessage{MessageBody: `{"eventId": not-json`}
	_, err := newParser().Parse(msg, nil)
	assertPoison(t, err)
}

func TestParseMissingRequiredFieldIsPoison(t *testing.T) {
	msg := &models.RawMessage{MessageBody: `{"tableName":"orders","operation":"INSERT"}`}
	_, err := newParser().Parse(msg, nil)
	assertPoison(t, err)
}

func TestParseEmptyBodyIsPoison(t *testing.T) {
	msg := &models.RawMessage{MessageBody: "   "}
	_, err := newParser().Parse(msg, nil)
	assertPoison(t, err)
}

func TestParseInvalidOperationIsPoison(t *testing.T) {
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"UPSERT"}`}
	_, err := newParser().Parse(msg, nil)
	assertPoison(t, err)
}

func TestParseUnknownTopLevelFieldsAreIgnored(t *testing.T) {
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"INSERT","unexpected":"value"}`}
	if _, err := newParser().Parse(msg, nil); err != nil {
		t.Fatalf("expected unknown fields to be ignored, got %v", err)
	}
}

type orderRecord struct {
	ID int `json:"Id"`
}

func TestParseTypedConversionSuccess(t *testing.T) {
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"INSERT","record":{"Id":42}}`}
	event, err := newParser().Parse(msg, &orderRecord{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	typed, ok := event.TypedRecord.(orderRecord)
	if !ok {
		t.Fatalf("expected typed record of type orderRecord, got %T", event.TypedRecord)
	}
	if typed.ID != 42 {
		t.Fatalf("expected Id 42, got %d", typed.ID)
	}
}

type strictIDRecord struct {
	ID string `json:"Id"`
}

func TestParseTypedConversionFailureDegradesGracefully(t *testing.T) {
	// Id is a number in the payload but the declared type expects a
	// string — this must not poison the message.
	msg := &models.RawMessage{MessageBody: `{"eventId":"e-1","tableName":"orders","operation":"INSERT","record":{"Id":42}}`}
	event, err := newParser().Parse(msg, &strictIDRecord{})
	if err != nil {
		t.Fatalf("expected no error on typed conversion failure, got %v", err)
	}
	if event.TypedRecord != nil {
		t.Fatalf("expected nil typed record on conversion failure, got %v", event.TypedRecord)
	}
	if event.RawRecord["Id"].(float64) != 42 {
		t.Fatalf("expected raw record to remain the source of truth")
	}
}

func assertPoison(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error")
	}
	if _, ok := err.(*classify.PoisonError); !ok {
		t.Fatalf("expected *classify.PoisonError, got %T: %v", err, err)
	}
}
