// Package supervisor owns a fixed pool of listener.Worker goroutines: it
// starts them, observes their exits, applies the restart policy, and
// drives graceful-then-forced shutdown. Grounded on the original
// DbBrokerSupervisor, adapted from a thread-pool-plus-Future model onto
// goroutines and a worker-death channel.
package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/classify"
	"github.com/example/dbchangerelay/internal/config"
	"github.com/example/dbchangerelay/internal/dbqueue"
	"github.com/example/dbchangerelay/internal/listener"
	"github.com/example/dbchangerelay/internal/retryledger"
	"github.com/example/dbchangerelay/internal/telemetry"
)

// restartSettlePause is the brief pause Restart takes between stopping
// and restarting, ported from the original's Thread.sleep(2000) in
// restartSupervision.
const restartSettlePause = 2 * time.Second

// forceShutdownTimeout bounds the second wait after workers have been
// interrupted, ported from the original's second awaitTermination(10s).
const forceShutdownTimeout = 10 * time.Second

// workerSlot is the supervisor's bookkeeping for one live worker.
type workerSlot struct {
	workerID int64
	worker   *listener.Worker
	cancel   context.CancelFunc
	done     chan struct{}
}

// workerExit is delivered once per worker termination, off the worker's
// own goroutine, and consumed only on the supervisor's watch loop.
type workerExit struct {
	workerID int64
	result   listener.Result
}

// Supervisor owns configuredCount listener.Worker instances draining one
// queue, restarting them per policy as they exit.
type Supervisor struct {
	logger zerolog.Logger

	listenerThreads int
	gracefulTimeout time.Duration
	retry           config.RetryConfig

	conns      listener.ConnectionAcquirer
	receiver   listener.Receiver
	dispatcher listener.Dispatcher
	ledger     *retryledger.Ledger
	telemetry  *telemetry.Registry
	errorRing  *telemetry.ErrorRing

	mu        sync.RWMutex
	slots     map[int64]*workerSlot
	queueName string

	supervising  atomic.Bool
	nextWorkerID atomic.Int64

	exitCh    chan workerExit
	fatalExit chan int
}

// New constructs a Supervisor. conns/receiver/dispatcher/ledger/telemetry
// are shared across every worker it spawns. errorRing may be nil to skip
// recent-error recording entirely.
func New(queueCfg config.QueueConfig, retryCfg config.RetryConfig, conns listener.ConnectionAcquirer, receiver listener.Receiver, dispatcher listener.Dispatcher, ledger *retryledger.Ledger, telemetryRegistry *telemetry.Registry, errorRing *telemetry.ErrorRing, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		logger:          logger.With().Str("component", "supervisor").Logger(),
		listenerThreads: queueCfg.ListenerThreads,
		gracefulTimeout: retryCfg.GracefulTimeout,
		retry:           retryCfg,
		conns:           conns,
		receiver:        receiver,
		dispatcher:      dispatcher,
		ledger:          ledger,
		telemetry:       telemetryRegistry,
		errorRing:       errorRing,
		slots:           make(map[int64]*workerSlot),
		exitCh:          make(chan workerExit, queueCfg.ListenerThreads*2+4),
		fatalExit:       make(chan int, 1),
	}
	go s.watchExits()
	return s
}

// NewFromConnectionFactory is a convenience constructor wiring a
// dbqueue.ConnectionManager + dbqueue.Dequeuer from a raw
// dbqueue.ConnectionFactory, matching how cmd/relay-worker assembles its
// collaborators.
func NewFromConnectionFactory(queueCfg config.QueueConfig, retryCfg config.RetryConfig, factory dbqueue.ConnectionFactory, dispatcher listener.Dispatcher, ledger *retryledger.Ledger, telemetryRegistry *telemetry.Registry, errorRing *telemetry.ErrorRing, logger zerolog.Logger) *Supervisor {
	connMgr := dbqueue.NewConnectionManager(factory, logger)
	dequeuer := dbqueue.NewDequeuer(queueCfg.Name)
	return New(queueCfg, retryCfg, connMgr, dequeuer, dispatcher, ledger, telemetryRegistry, errorRing, logger)
}

// Start validates queueName and spawns the configured number of workers
// against it. Returns an error if supervision is already active or
// queueName is blank.
func (s *Supervisor) Start(queueName string) error {
	if strings.TrimSpace(queueName) == "" {
		return errors.New("supervisor: queue name cannot be empty")
	}
	if !s.supervising.CompareAndSwap(false, true) {
		return errors.New("supervisor: supervision already active")
	}

	s.mu.Lock()
	s.queueName = queueName
	s.mu.Unlock()
	s.telemetry.SetSupervising(true)

	s.logger.Info().Str("queue", queueName).Int("listener_threads", s.listenerThreads).Msg("starting supervision")
	for i := 0; i < s.listenerThreads; i++ {
		s.spawnWorker()
	}
	return nil
}

func (s *Supervisor) spawnWorker() {
	workerID := s.nextWorkerID.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	sensor := telemetry.NewWorkerSensor(workerID)
	s.telemetry.Track(sensor)

	cfg := listener.Config{
		WorkerID:              workerID,
		MaxRetries:            s.retry.MaxRetries,
		BaseRetryDelay:        s.retry.BaseRetryDelay,
		MaxRetryDelay:         s.retry.MaxRetryDelay,
		UseExponentialBackoff: s.retry.UseExponentialBackoff,
	}
	worker := listener.New(cfg, cancel, s.conns, s.receiver, s.dispatcher, s.ledger, sensor, s.errorRing, s.logger)

	slot := &workerSlot{workerID: workerID, worker: worker, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.slots[workerID] = slot
	s.mu.Unlock()

	go func() {
		result := worker.Run(ctx)
		close(slot.done)
		s.telemetry.Untrack(workerID)
		s.exitCh <- workerExit{workerID: workerID, result: result}
	}()

	s.logger.Info().Int64("worker_id", workerID).Msg("listener worker started")
}

// watchExits is the worker-death callback's execution substrate: it runs
// for the supervisor's entire lifetime, applying the restart policy each
// time a worker terminates.
func (s *Supervisor) watchExits() {
	for exit := range s.exitCh {
		s.handleWorkerExit(exit)
	}
}

func (s *Supervisor) handleWorkerExit(exit workerExit) {
	s.mu.Lock()
	delete(s.slots, exit.workerID)
	s.mu.Unlock()

	logEvent := s.logger.With().Int64("worker_id", exit.workerID).Str("outcome", exit.result.Kind.String()).Logger()
	if exit.result.Err != nil {
		logEvent = logEvent.With().Err(exit.result.Err).Logger()
	}

	if exit.result.HasProcessExitCode {
		logEvent.Error().Int("exit_code", exit.result.ProcessExitCode).Msg("worker exited with a fatal process fault")
		if exit.result.Kind == classify.KindFatalProcessImmediate {
			// Best-effort stop attempt: ask every remaining worker to shut
			// down without waiting for it, then signal right away.
			s.mu.RLock()
			for _, slot := range s.slots {
				slot.worker.RequestShutdown()
			}
			s.mu.RUnlock()
			s.signalFatalExit(exit.result.ProcessExitCode)
		} else {
			go func(code int) {
				s.Stop(true)
				s.signalFatalExit(code)
			}(exit.result.ProcessExitCode)
		}
		return
	}

	if !s.supervising.Load() {
		logEvent.Info().Msg("worker exited during shutdown, not restarting")
		return
	}
	if !exit.result.Restartable {
		logEvent.Warn().Msg("worker exited with a non-restartable outcome, supervisor will not restart it")
		return
	}

	logEvent.Warn().Msg("worker exited, restarting")
	s.spawnWorker()
}

// signalFatalExit delivers code to FatalExit, non-blocking so a second
// fatal worker exit (or a slow reader) never stalls watchExits.
func (s *Supervisor) signalFatalExit(code int) {
	select {
	case s.fatalExit <- code:
	default:
	}
}

// FatalExit delivers the process exit code a worker's Fatal-Process-*
// outcome demands. main should select on it alongside its shutdown
// context and call os.Exit with the delivered code; Fatal-Process-Immediate
// signals as soon as the fault is observed, Fatal-Process-Graceful only
// after Stop has fully drained the pool.
func (s *Supervisor) FatalExit() <-chan int {
	return s.fatalExit
}

// Stop sends every live worker a cooperative shutdown request, waits up
// to gracefulTimeout for them to drain, interrupts any stragglers, waits
// once more bounded by forceShutdownTimeout, and clears the retry
// ledger. If clearState is true the queue name is cleared as well so a
// subsequent Start requires a fresh queueName; Restart always calls Stop
// with clearState=false to keep its slots reusable.
func (s *Supervisor) Stop(clearState bool) {
	if !s.supervising.CompareAndSwap(true, false) {
		return
	}
	s.telemetry.SetSupervising(false)

	s.mu.RLock()
	slots := make([]*workerSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, slot)
	}
	s.mu.RUnlock()

	s.logger.Info().Int("worker_count", len(slots)).Msg("requesting graceful shutdown")
	for _, slot := range slots {
		slot.worker.RequestShutdown()
	}

	stragglers := s.waitForDrain(slots, s.gracefulTimeout)
	if len(stragglers) > 0 {
		s.logger.Warn().Int("straggler_count", len(stragglers)).Msg("graceful timeout elapsed, interrupting stragglers")
		for _, slot := range stragglers {
			slot.worker.Interrupt()
		}
		s.waitForDrain(stragglers, forceShutdownTimeout)
	}

	s.ledger.ClearAll()

	if clearState {
		s.mu.Lock()
		s.queueName = ""
		s.mu.Unlock()
	}
	s.logger.Info().Msg("supervision stopped")
}

// waitForDrain blocks until every slot's worker has exited or timeout
// elapses, returning the slots that had not exited in time.
func (s *Supervisor) waitForDrain(slots []*workerSlot, timeout time.Duration) []*workerSlot {
	if len(slots) == 0 {
		return nil
	}

	doneIDs := make(chan int64, len(slots))
	for _, slot := range slots {
		slot := slot
		go func() {
			<-slot.done
			doneIDs <- slot.workerID
		}()
	}

	remaining := make(map[int64]*workerSlot, len(slots))
	for _, slot := range slots {
		remaining[slot.workerID] = slot
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for len(remaining) > 0 {
		select {
		case id := <-doneIDs:
			delete(remaining, id)
		case <-timer.C:
			out := make([]*workerSlot, 0, len(remaining))
			for _, slot := range remaining {
				out = append(out, slot)
			}
			return out
		}
	}
	return nil
}

// Restart stops supervision while keeping the current queueName, pauses
// briefly to let connections settle, then starts again. Fails if no
// queue name is held: the supervisor was never started, or Stop(true)
// cleared it.
func (s *Supervisor) Restart() error {
	s.mu.RLock()
	queueName := s.queueName
	s.mu.RUnlock()
	if queueName == "" {
		return errors.New("supervisor: cannot restart, no queue configured")
	}

	s.Stop(false)
	time.Sleep(restartSettlePause)
	return s.Start(queueName)
}

// RestartFailed is the manual safety hatch: auto-restart (via
// watchExits) is authoritative in steady state, so by the time an
// operator calls this there is normally no deficit to fill. It exists
// for the case where workers exited non-restartable and the operator
// wants to force the pool back to its configured size anyway.
func (s *Supervisor) RestartFailed() int {
	if !s.supervising.Load() {
		return 0
	}
	s.mu.RLock()
	deficit := s.listenerThreads - len(s.slots)
	queueName := s.queueName
	s.mu.RUnlock()

	if deficit <= 0 || queueName == "" {
		return 0
	}
	s.logger.Info().Int("deficit", deficit).Msg("manually restarting failed workers")
	for i := 0; i < deficit; i++ {
		s.spawnWorker()
	}
	return deficit
}

// IsSupervising reports whether supervision is currently active.
func (s *Supervisor) IsSupervising() bool {
	return s.supervising.Load()
}

// ActiveCount reports the number of currently live workers.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// ConfiguredCount reports the configured pool size.
func (s *Supervisor) ConfiguredCount() int {
	return s.listenerThreads
}

// IsHealthy reports whether supervision is active and every configured
// worker slot is currently filled.
func (s *Supervisor) IsHealthy() bool {
	return s.supervising.Load() && s.ActiveCount() == s.listenerThreads
}
