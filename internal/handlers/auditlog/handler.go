// Package auditlog is a reference TableHandler: it logs every change
// event it receives instead of acting on it. It exists so
// cmd/relay-worker has a concrete, runnable handler to register against
// internal/registry; real deployments supply their own TableHandler
// implementations the same way the teacher's per-channel adapters plug
// into its worker engine.
package auditlog

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/models"
)

// Handler logs every insert/update/delete it is handed, tagging each call
// with a freshly generated correlation ID. A redelivery of the same event
// gets a new correlation ID; the event_id field is what stays the same
// across a retry sequence.
type Handler struct {
	logger zerolog.Logger
}

// New constructs an audit-log Handler.
func New(logger zerolog.Logger) *Handler {
	return &Handler{logger: logger.With().Str("component", "auditlog-handler").Logger()}
}

func (h *Handler) OnInsert(event *models.ChangeEvent) error { return h.log("insert", event) }
func (h *Handler) OnUpdate(event *models.ChangeEvent) error { return h.log("update", event) }
func (h *Handler) OnDelete(event *models.ChangeEvent) error { return h.log("delete", event) }

func (h *Handler) log(operation string, event *models.ChangeEvent) error {
	correlationID := uuid.New().String()
	h.logger.Info().
		Str("correlation_id", correlationID).
		Str("event_id", event.EventID).
		Str("table", event.TableName).
		Str("operation", operation).
		Time("event_time", event.EventTime).
		Msg("change event received")
	return nil
}
