// Package envelope decodes a queue message body into a ChangeEvent,
// grounded on the original implementation's DbBrokerMessageParser: strict
// on the required fields, lenient on optional ones, and never poisoning
// on a downstream typed-conversion failure.
package envelope

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/classify"
	"github.com/example/dbchangerelay/internal/models"
)

// localDateTimeLayout matches ISO-8601 local date-time without a zone
// offset, e.g. "2025-12-01T15:47:03.280".
const localDateTimeLayout = "2006-01-02T15:04:05.999999999"

type wireEnvelope struct {
	EventID   string          `json:"eventId"`
	TableName string          `json:"tableName"`
	Operation string          `json:"operation"`
	Timestamp string          `json:"timestamp"`
	Record    json.RawMessage `json:"record"`
}

// Parser decodes RawMessage bodies into ChangeEvents.
type Parser struct {
	logger zerolog.Logger
}

// New constructs a Parser.
func New(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger.With().Str("component", "envelope-parser").Logger()}
}

// Parse decodes msg's body into a generic ChangeEvent. recordType, when
// non-nil, is a pointer to a zero value of the handler's declared record
// type; on successful decode TypedRecord is set to the dereferenced
// value, otherwise TypedRecord stays nil and RawRecord remains the source
// of truth. Any failure that fits the required-field or malformed-JSON
// class is returned as a *classify.PoisonError; the caller must never
// route those through the retry ledger.
func (p *Parser) Parse(msg *models.RawMessage, recordType interface{}) (*models.ChangeEvent, error) {
	body := strings.TrimSpace(msg.MessageBody)
	if body == "" {
		return nil, &classify.PoisonError{Reason: "message body is empty"}
	}

	var wire wireEnvelope
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, &classify.PoisonError{Reason: "malformed JSON envelope", Err: err}
	}

	eventID := strings.TrimSpace(wire.EventID)
	if eventID == "" {
		return nil, &classify.PoisonError{Reason: "eventId is required but missing or empty"}
	}
	tableName := strings.TrimSpace(wire.TableName)
	if tableName == "" {
		return nil, &classify.PoisonError{Reason: "tableName is required but missing or empty"}
	}
	changeType, err := parseChangeType(wire.Operation)
	if err != nil {
		return nil, &classify.PoisonError{Reason: "operation is not one of INSERT/UPDATE/DELETE", Err: err}
	}

	rawRecord, err := extractRawRecord(wire.Record)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to extract record data from JSON, using empty map")
		rawRecord = map[string]interface{}{}
	}

	event := &models.ChangeEvent{
		EventID:            eventID,
		TableName:          strings.ToUpper(tableName),
		ChangeType:         changeType,
		EventTime:          parseTimestamp(wire.Timestamp, p.logger),
		ReceivedTime:       time.Now(),
		RawRecord:          rawRecord,
		ConversationHandle: msg.ConversationHandle,
		MessageTypeName:    msg.MessageTypeName,
	}

	if recordType != nil {
		event.TypedRecord = convertRecord(rawRecord, recordType, p.logger)
	}

	return event, nil
}

func parseChangeType(operation string) (models.ChangeType, error) {
	switch strings.ToUpper(strings.TrimSpace(operation)) {
	case string(models.ChangeTypeInsert):
		return models.ChangeTypeInsert, nil
	case string(models.ChangeTypeUpdate):
		return models.ChangeTypeUpdate, nil
	case string(models.ChangeTypeDelete):
		return models.ChangeTypeDelete, nil
	default:
		return "", &unsupportedOperationError{operation: operation}
	}
}

type unsupportedOperationError struct {
	operation string
}

func (e *unsupportedOperationError) Error() string {
	return "unsupported operation: " + e.operation
}

func extractRawRecord(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]interface{}{}, nil
	}
	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	if record == nil {
		record = map[string]interface{}{}
	}
	return record, nil
}

func parseTimestamp(raw string, logger zerolog.Logger) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now()
	}
	t, err := time.Parse(localDateTimeLayout, raw)
	if err != nil {
		logger.Warn().Str("timestamp", raw).Err(err).Msg("failed to parse timestamp, using current time")
		return time.Now()
	}
	return t
}

// convertRecord re-marshals rawRecord and unmarshals it into a copy of
// recordType's underlying type. recordType must be a non-nil pointer to a
// zero value; the returned value is the dereferenced pointer, or nil on
// any failure — field-level schema drift degrades gracefully rather than
// poisoning the message.
func convertRecord(rawRecord map[string]interface{}, recordType interface{}, logger zerolog.Logger) interface{} {
	buf, err := json.Marshal(rawRecord)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to remarshal raw record for typed conversion")
		return nil
	}
	if err := json.Unmarshal(buf, recordType); err != nil {
		logger.Warn().Err(err).Msg("failed to convert raw record to declared record type, falling back to raw mapping")
		return nil
	}
	return reflect.ValueOf(recordType).Elem().Interface()
}
