// Package telemetry tracks per-worker counters and exposes an aggregate
// health view, plus a bounded ring of recent classified errors ported
// from the original ErrorTracker (MAX_RECENT_ERRORS = 100).
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxRecentErrors = 100

const recentActivityWindow = 5 * time.Minute

// WorkerSensor is the per-worker counter bundle. All fields are
// monotone non-decreasing while the worker runs; reads never block
// worker progress.
type WorkerSensor struct {
	workerID          int64
	messagesProcessed uint64
	errorsEncountered uint64
	startedAt         time.Time
	lastMessageAt     atomic.Value // time.Time
	running           atomic.Bool
	shutdownRequested atomic.Bool
}

// NewWorkerSensor constructs a sensor for workerID, marked running and
// started now.
func NewWorkerSensor(workerID int64) *WorkerSensor {
	s := &WorkerSensor{workerID: workerID, startedAt: time.Now()}
	s.running.Store(true)
	return s
}

// RecordMessage increments messagesProcessed and updates lastMessageAt.
func (s *WorkerSensor) RecordMessage() {
	atomic.AddUint64(&s.messagesProcessed, 1)
	s.lastMessageAt.Store(time.Now())
}

// RecordError increments errorsEncountered.
func (s *WorkerSensor) RecordError() {
	atomic.AddUint64(&s.errorsEncountered, 1)
}

// RequestShutdown marks the sensor as having observed a shutdown signal.
func (s *WorkerSensor) RequestShutdown() {
	s.shutdownRequested.Store(true)
}

// MarkStopped marks the worker as no longer running.
func (s *WorkerSensor) MarkStopped() {
	s.running.Store(false)
}

// Snapshot returns a point-in-time, race-free copy of the sensor's state.
func (s *WorkerSensor) Snapshot() Snapshot {
	var lastMsg time.Time
	if v := s.lastMessageAt.Load(); v != nil {
		lastMsg = v.(time.Time)
	}
	processed := atomic.LoadUint64(&s.messagesProcessed)
	errs := atomic.LoadUint64(&s.errorsEncountered)

	return Snapshot{
		WorkerID:          s.workerID,
		MessagesProcessed: processed,
		ErrorsEncountered: errs,
		StartedAt:         s.startedAt,
		LastMessageAt:     lastMsg,
		Running:           s.running.Load(),
		ShutdownRequested: s.shutdownRequested.Load(),
	}
}

// Snapshot is a read-only view of a WorkerSensor at a point in time.
type Snapshot struct {
	WorkerID          int64
	MessagesProcessed uint64
	ErrorsEncountered uint64
	StartedAt         time.Time
	LastMessageAt     time.Time
	Running           bool
	ShutdownRequested bool
}

// MessagesPerSecond is messagesProcessed over uptime.
func (s Snapshot) MessagesPerSecond() float64 {
	uptime := time.Since(s.StartedAt).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(s.MessagesProcessed) / uptime
}

// ErrorRate is errors/(msgs+errors), 0 when nothing has happened yet.
func (s Snapshot) ErrorRate() float64 {
	total := s.MessagesProcessed + s.ErrorsEncountered
	if total == 0 {
		return 0
	}
	return float64(s.ErrorsEncountered) / float64(total)
}

// RecentActivity reports whether the worker has processed a message
// within the last five minutes.
func (s Snapshot) RecentActivity() bool {
	if s.LastMessageAt.IsZero() {
		return false
	}
	return time.Since(s.LastMessageAt) <= recentActivityWindow
}

// RecordedError is one entry in the bounded error ring.
type RecordedError struct {
	At       time.Time
	WorkerID int64
	Kind     string
	Message  string
}

// ErrorRing is a fixed-capacity ring buffer of recently classified
// errors, ported from ErrorTracker's CopyOnWriteArrayList capped at
// MAX_RECENT_ERRORS.
type ErrorRing struct {
	mu      sync.Mutex
	entries []RecordedError
}

// NewErrorRing constructs an empty ring.
func NewErrorRing() *ErrorRing {
	return &ErrorRing{entries: make([]RecordedError, 0, maxRecentErrors)}
}

// Add appends entry, evicting the oldest entry once at capacity.
func (r *ErrorRing) Add(entry RecordedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= maxRecentErrors {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, entry)
}

// Recent returns a copy of the ring's current contents, oldest first.
func (r *ErrorRing) Recent() []RecordedError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedError, len(r.entries))
	copy(out, r.entries)
	return out
}

// Registry tracks the live WorkerSensors for a supervisor and computes
// the aggregate health view.
type Registry struct {
	mu             sync.RWMutex
	sensors        map[int64]*WorkerSensor
	configuredSize int
	supervising    atomic.Bool
	maxErrorRate   float64
}

// NewRegistry constructs a telemetry Registry expecting configuredSize
// live workers when fully operational.
func NewRegistry(configuredSize int, maxErrorRate float64) *Registry {
	return &Registry{
		sensors:        make(map[int64]*WorkerSensor),
		configuredSize: configuredSize,
		maxErrorRate:   maxErrorRate,
	}
}

// Track registers sensor under its workerID.
func (r *Registry) Track(sensor *WorkerSensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[sensor.workerID] = sensor
}

// Untrack removes the sensor for workerID.
func (r *Registry) Untrack(workerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sensors, workerID)
}

// SetSupervising records whether the supervisor currently considers
// itself active; used by Aggregate's fully-operational computation.
func (r *Registry) SetSupervising(supervising bool) {
	r.supervising.Store(supervising)
}

// Aggregate is the health view over all live workers.
type Aggregate struct {
	ActiveCount      int
	ConfiguredCount  int
	TotalMessages    uint64
	TotalErrors      uint64
	AverageErrorRate float64
	FullyOperational bool
}

// Aggregate computes the current aggregate health view.
func (r *Registry) Aggregate() Aggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg := Aggregate{ConfiguredCount: r.configuredSize}
	if len(r.sensors) == 0 {
		agg.FullyOperational = r.supervising.Load() && r.configuredSize == 0
		return agg
	}

	var errorRateSum float64
	for _, sensor := range r.sensors {
		snap := sensor.Snapshot()
		agg.ActiveCount++
		agg.TotalMessages += snap.MessagesProcessed
		agg.TotalErrors += snap.ErrorsEncountered
		errorRateSum += snap.ErrorRate()
	}
	agg.AverageErrorRate = errorRateSum / float64(len(r.sensors))
	agg.FullyOperational = r.supervising.Load() &&
		agg.ActiveCount == agg.ConfiguredCount &&
		agg.AverageErrorRate < r.maxErrorRate
	return agg
}

// Snapshots returns a Snapshot for every tracked worker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sensors))
	for _, sensor := range r.sensors {
		out = append(out, sensor.Snapshot())
	}
	return out
}
