// Package registry maintains the read-only lookup from canonical table
// name to HandlerRegistration used by the dispatcher. Discovery is an
// explicit registration API rather than annotation-based scanning
// (Design Note 9) — callers call Register for each table during boot.
package registry

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/models"
)

// Registry is a build-once, read-many table of HandlerRegistrations.
type Registry struct {
	logger        zerolog.Logger
	registrations map[string]*models.HandlerRegistration
}

// New constructs an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:        logger.With().Str("component", "handler-registry").Logger(),
		registrations: make(map[string]*models.HandlerRegistration),
	}
}

// Register binds handler to tableName. tableName is canonicalized to
// upper-case. Registration fails if the table is already registered, or
// if handler's ValidateSetup returns an error — in which case the
// registration is not retained.
//
// Without WithSupportedOperations all operations are supported. If
// handler implements ValidateSetup() error, it is invoked once and, on
// error, aborts the registration (mirrors TableListener.validateSetup).
func (r *Registry) Register(tableName string, handler models.TableHandler, opts ...Option) error {
	canonical := strings.ToUpper(strings.TrimSpace(tableName))
	if canonical == "" {
		return fmt.Errorf("registry: table name must not be empty")
	}
	if _, exists := r.registrations[canonical]; exists {
		return fmt.Errorf("registry: duplicate registration for table %s", canonical)
	}

	reg := &models.HandlerRegistration{
		TableName:  canonical,
		Handler:    handler,
		Enabled:    true,
		RecordType: "raw mapping",
	}
	for _, opt := range opts {
		opt(reg)
	}

	if v, ok := handler.(interface{ ValidateSetup() error }); ok {
		if err := v.ValidateSetup(); err != nil {
			r.logger.Error().Err(err).Str("table", canonical).Msg("handler failed validation, registration rejected")
			return fmt.Errorf("registry: validation failed for table %s: %w", canonical, err)
		}
	}

	r.registrations[canonical] = reg

	if v, ok := handler.(interface{ OnRegistered(tableName string) }); ok {
		v.OnRegistered(canonical)
	}

	r.logger.Info().
		Str("table", canonical).
		Str("recordType", reg.RecordType).
		Bool("enabled", reg.Enabled).
		Msg("registered table handler")
	return nil
}

// Option customizes a HandlerRegistration at Register time.
type Option func(*models.HandlerRegistration)

// WithSupportedOperations restricts the registration to the given change
// types. Omitting this option means all operations are supported.
func WithSupportedOperations(ops ...models.ChangeType) Option {
	return func(r *models.HandlerRegistration) {
		set := make(map[models.ChangeType]bool, len(ops))
		for _, op := range ops {
			set[op] = true
		}
		r.SupportedOperations = set
	}
}

// WithRecordType names the handler's declared record type for logging and
// diagnostics.
func WithRecordType(name string) Option {
	return func(r *models.HandlerRegistration) {
		r.RecordType = name
	}
}

// WithRecordSample supplies a zero value of the handler's declared record
// type (e.g. &OrderRecord{}) so the dispatcher can attempt a typed
// conversion of each event's raw record. Also sets RecordType from the
// sample's Go type name unless WithRecordType is applied afterward.
func WithRecordSample(sample interface{}) Option {
	return func(r *models.HandlerRegistration) {
		r.RecordSample = sample
		r.RecordType = fmt.Sprintf("%T", sample)
	}
}

// WithRegistrationName sets a human-readable identifier for the
// registration, distinct from the table name.
func WithRegistrationName(name string) Option {
	return func(r *models.HandlerRegistration) {
		r.RegistrationName = name
	}
}

// WithEnabled overrides the default enabled=true.
func WithEnabled(enabled bool) Option {
	return func(r *models.HandlerRegistration) {
		r.Enabled = enabled
	}
}

// Lookup returns the registration for tableName (case-insensitive), and
// whether one was found.
func (r *Registry) Lookup(tableName string) (*models.HandlerRegistration, bool) {
	reg, ok := r.registrations[strings.ToUpper(strings.TrimSpace(tableName))]
	return reg, ok
}

// Count returns the number of registered tables.
func (r *Registry) Count() int {
	return len(r.registrations)
}
