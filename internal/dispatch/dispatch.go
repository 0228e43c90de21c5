// Package dispatch routes a parsed ChangeEvent to its registered table
// handler, or decides that a message should simply be acknowledged
// without invoking any handler.
package dispatch

import (
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/envelope"
	"github.com/example/dbchangerelay/internal/models"
	"github.com/example/dbchangerelay/internal/registry"
)

// Outcome describes what happened to a dispatched message.
type Outcome int

const (
	// OutcomeHandled means a handler ran successfully.
	OutcomeHandled Outcome = iota
	// OutcomeAcknowledgedUnregistered means no handler is registered for
	// the table; the message is well-formed but unsubscribed.
	OutcomeAcknowledgedUnregistered
	// OutcomeAcknowledgedUnsupported means the registration exists but is
	// disabled or does not support the change type.
	OutcomeAcknowledgedUnsupported
	// OutcomeSystemMessage means a Service Broker system message was
	// acknowledged; no handler is invoked.
	OutcomeSystemMessage
)

// SystemMessageURIs are the exact Service Broker system message type
// URIs recognized on the wire.
const (
	URIEndDialog   = "http://schemas.microsoft.com/SQL/ServiceBroker/EndDialog"
	URIError       = "http://schemas.microsoft.com/SQL/ServiceBroker/Error"
	URIDialogTimer = "http://schemas.microsoft.com/SQL/ServiceBroker/DialogTimer"
)

// ClassifySystemMessage reports whether messageTypeName names a known
// Service Broker system message, and if so, the reason to log on
// acknowledgment.
func ClassifySystemMessage(messageTypeName string) (isSystem bool, reason string) {
	switch messageTypeName {
	case URIEndDialog:
		return true, "EndDialog cleanup"
	case URIError:
		return true, "Error message cleanup"
	case URIDialogTimer:
		return true, "Timer expiry cleanup"
	case "":
		return false, ""
	}
	if strings.HasPrefix(messageTypeName, "http://schemas.microsoft.com/SQL/ServiceBroker/") {
		return true, "Unknown system message cleanup: " + messageTypeName
	}
	return false, ""
}

// Dispatcher routes data messages to registered handlers.
type Dispatcher struct {
	registry *registry.Registry
	parser   *envelope.Parser
	logger   zerolog.Logger
}

// New constructs a Dispatcher over reg and parser.
func New(reg *registry.Registry, parser *envelope.Parser, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, parser: parser, logger: logger.With().Str("component", "dispatcher").Logger()}
}

// Dispatch parses msg and routes it. OutcomeHandled with a nil error means
// the handler returned successfully. A non-nil error is returned together
// with OutcomeHandled and is either the parser's *classify.PoisonError or
// the handler's own error, passed through unchanged for the caller (the
// listener worker) to classify and retry.
func (d *Dispatcher) Dispatch(msg *models.RawMessage) (Outcome, error) {
	generic, err := d.parser.Parse(msg, nil)
	if err != nil {
		return OutcomeHandled, err
	}

	reg, ok := d.registry.Lookup(generic.TableName)
	if !ok {
		d.logger.Info().Str("table", generic.TableName).Msg("no handler registered, acknowledging")
		return OutcomeAcknowledgedUnregistered, nil
	}
	if !reg.SupportsOperation(generic.ChangeType) {
		d.logger.Info().
			Str("table", generic.TableName).
			Str("operation", string(generic.ChangeType)).
			Msg("registration does not support this operation, acknowledging")
		return OutcomeAcknowledgedUnsupported, nil
	}

	event := generic
	if reg.RecordSample != nil {
		// Typed conversion is best-effort; the generic parse already
		// succeeded so any failure here only affects TypedRecord, never
		// the poison decision.
		fresh := reflect.New(reflect.TypeOf(reg.RecordSample).Elem()).Interface()
		if typed, err := d.parser.Parse(msg, fresh); err == nil {
			event = typed
		}
	}

	if err := invoke(reg.Handler, event); err != nil {
		return OutcomeHandled, err
	}
	return OutcomeHandled, nil
}

func invoke(handler models.TableHandler, event *models.ChangeEvent) error {
	switch event.ChangeType {
	case models.ChangeTypeInsert:
		return handler.OnInsert(event)
	case models.ChangeTypeUpdate:
		return handler.OnUpdate(event)
	case models.ChangeTypeDelete:
		return handler.OnDelete(event)
	default:
		return nil
	}
}
