// Package listener implements the ListenerWorker state machine: one
// goroutine, one dedicated connection, a blocking-receive loop that
// dispatches each message and decides, per the classifier's verdict,
// whether to commit, poison-and-commit, roll back and retry, or exit.
//
// A worker owns its connection for its entire lifetime. Every dequeued
// message ends in exactly one of: commit after success, commit after
// poison, rollback before a retry, or rollback at shutdown. The worker
// never returns with an uncommitted transaction left open.
package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/classify"
	"github.com/example/dbchangerelay/internal/dispatch"
	"github.com/example/dbchangerelay/internal/models"
	"github.com/example/dbchangerelay/internal/retryledger"
	"github.com/example/dbchangerelay/internal/telemetry"
)

// Receiver is the minimal queue-draining contract a Worker depends on.
// dbqueue.Dequeuer satisfies it; tests use a stub instead of a live
// *sql.Tx.
type Receiver interface {
	Receive(ctx context.Context, tx *sql.Tx, workerID int64) (*models.RawMessage, error)
	Acknowledge(ctx context.Context, tx *sql.Tx, handle string) error
}

// ConnectionAcquirer is the minimal connection-lifecycle contract a
// Worker depends on. dbqueue.ConnectionManager satisfies it.
type ConnectionAcquirer interface {
	Acquire(ctx context.Context) (*sql.Conn, *sql.Tx, error)
	SafeRollback(tx *sql.Tx)
	SafeClose(conn *sql.Conn)
	SafeCloseWithRollback(conn *sql.Conn, tx *sql.Tx)
	InterruptBlockingReceive(cancel context.CancelFunc, conn *sql.Conn)
}

// Dispatcher is the minimal routing contract a Worker depends on.
// dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(msg *models.RawMessage) (dispatch.Outcome, error)
}

// Phase names the worker's position in its Init -> Ignition -> Running ->
// Draining -> Terminated lifecycle.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseIgnition
	PhaseRunning
	PhaseDraining
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIgnition:
		return "ignition"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseTerminated:
		return "terminated"
	default:
		return "init"
	}
}

// Config carries the per-worker retry/backoff settings the supervisor
// derives from config.RetryConfig.
type Config struct {
	WorkerID              int64
	MaxRetries            int
	BaseRetryDelay        time.Duration
	MaxRetryDelay         time.Duration
	UseExponentialBackoff bool
}

// Result is a worker's terminal outcome, reported back to whatever
// observes its goroutine's completion (directly in tests, via a
// worker-death channel in the supervisor).
type Result struct {
	WorkerID           int64
	Kind               classify.Kind
	Err                error
	Restartable        bool
	ProcessExitCode    int
	HasProcessExitCode bool
}

// Worker is one ListenerWorker instance: a single connection, a single
// blocking-receive loop, reporting into a shared RetryLedger and
// WorkerSensor.
type Worker struct {
	cfg        Config
	conns      ConnectionAcquirer
	receiver   Receiver
	dispatcher Dispatcher
	ledger     *retryledger.Ledger
	sensor     *telemetry.WorkerSensor
	errorRing  *telemetry.ErrorRing
	logger     zerolog.Logger
	cancel     context.CancelFunc

	conn atomic.Pointer[sql.Conn]
	tx   *sql.Tx

	shutdownRequested atomic.Bool
	phase             atomic.Int32
}

// New constructs a Worker. cancel must cancel the context that Run will
// be invoked with; the supervisor owns the pairing (context.WithCancel)
// so Interrupt can reach it before Run starts. errorRing may be nil, in
// which case classified errors are logged but never recorded anywhere
// else.
func New(cfg Config, cancel context.CancelFunc, conns ConnectionAcquirer, receiver Receiver, dispatcher Dispatcher, ledger *retryledger.Ledger, sensor *telemetry.WorkerSensor, errorRing *telemetry.ErrorRing, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:        cfg,
		conns:      conns,
		receiver:   receiver,
		dispatcher: dispatcher,
		ledger:     ledger,
		sensor:     sensor,
		errorRing:  errorRing,
		cancel:     cancel,
		logger:     logger.With().Int64("worker_id", cfg.WorkerID).Logger(),
	}
}

// recordError increments the sensor's error counter and, if an ErrorRing
// was supplied, appends a RecordedError so /status surfaces it.
func (w *Worker) recordError(kind classify.Kind, err error) {
	w.sensor.RecordError()
	if w.errorRing == nil {
		return
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	w.errorRing.Add(telemetry.RecordedError{
		At:       time.Now(),
		WorkerID: w.cfg.WorkerID,
		Kind:     kind.String(),
		Message:  message,
	})
}

// Phase reports the worker's current lifecycle phase.
func (w *Worker) Phase() Phase {
	return Phase(w.phase.Load())
}

// RequestShutdown cooperatively asks the worker to stop at its next
// opportunity (top of the main loop, or the next time a blocking receive
// returns). It does not interrupt an in-flight receive; callers that need
// an immediate stop should call Interrupt once the graceful window
// elapses.
func (w *Worker) RequestShutdown() {
	w.shutdownRequested.Store(true)
	w.sensor.RequestShutdown()
}

// Interrupt forcibly unblocks an in-flight receive by canceling the
// worker's context and closing its connection. Safe to call even if the
// worker has already exited.
func (w *Worker) Interrupt() {
	w.conns.InterruptBlockingReceive(w.cancel, w.conn.Load())
}

// Run executes the ignition, running, and terminal phases of the
// listener state machine. It returns only when the worker's connection
// has been closed and every invariant above is satisfied.
//
// A panic escaping the engine's own code (as opposed to one recovered
// from handler code by dispatchSafely) is treated as a linkage-class
// fault in the worker's own plumbing: it is recovered here, the
// connection is torn down, and the result is reported as
// Fatal-Process-Graceful so the supervisor stops the whole process
// instead of merely replacing this one worker.
func (w *Worker) Run(ctx context.Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("listener engine panicked, treating as a fatal process fault")
			w.conns.SafeCloseWithRollback(w.conn.Load(), w.tx)
			w.phase.Store(int32(PhaseTerminated))
			res = w.result(classify.KindFatalProcessGraceful, fmt.Errorf("listener worker panic: %v", r))
		}
	}()

	w.phase.Store(int32(PhaseIgnition))
	w.logger.Info().Msg("listener ignition starting")

	conn, tx, err := w.conns.Acquire(ctx)
	if err != nil {
		kind := classifyAny(ctx, err)
		w.logger.Error().Err(err).Str("kind", kind.String()).Msg("ignition failed")
		w.phase.Store(int32(PhaseTerminated))
		return w.result(kind, err)
	}
	w.conn.Store(conn)
	w.tx = tx
	w.logger.Info().Msg("listener ignition successful")
	w.phase.Store(int32(PhaseRunning))

	result := w.mainLoop(ctx)

	w.phase.Store(int32(PhaseTerminated))
	w.logger.Info().Str("outcome", result.Kind.String()).Msg("listener terminated")
	return result
}

func (w *Worker) mainLoop(ctx context.Context) Result {
	receiveBackoff := 0

	for {
		if w.shutdownRequested.Load() {
			w.phase.Store(int32(PhaseDraining))
			w.conns.SafeCloseWithRollback(w.conn.Load(), w.tx)
			return w.result(classify.KindShutdown, nil)
		}

		msg, err := w.receiver.Receive(ctx, w.tx, w.cfg.WorkerID)
		if err != nil {
			kind := classifyAny(ctx, err)
			w.recordError(kind, err)

			if !isRestartable(kind) {
				w.phase.Store(int32(PhaseDraining))
				w.conns.SafeCloseWithRollback(w.conn.Load(), w.tx)
				return w.result(kind, err)
			}

			w.conns.SafeRollback(w.tx)
			receiveBackoff++
			delay := classify.RetryDelay(receiveBackoff, w.cfg.BaseRetryDelay, w.cfg.MaxRetryDelay, w.cfg.UseExponentialBackoff)
			w.logger.Warn().Err(err).Dur("backoff", delay).Msg("receive failed, retrying")
			if werr := classify.Wait(ctx, delay); werr != nil {
				w.phase.Store(int32(PhaseDraining))
				w.conns.SafeClose(w.conn.Load())
				return w.result(classify.KindShutdown, werr)
			}
			if rerr := w.renewTx(ctx); rerr != nil {
				return w.exitWithResult(ctx, rerr)
			}
			continue
		}

		if msg == nil {
			receiveBackoff = 0
			continue
		}
		receiveBackoff = 0
		msg.ReceivedAt = time.Now()

		if exit := w.handleMessage(ctx, msg); exit != nil {
			w.phase.Store(int32(PhaseDraining))
			return w.result(exit.kind, exit.err)
		}
	}
}

type exitSignal struct {
	kind classify.Kind
	err  error
}

func (w *Worker) handleMessage(ctx context.Context, msg *models.RawMessage) *exitSignal {
	if isSystem, reason := dispatch.ClassifySystemMessage(msg.MessageTypeName); isSystem {
		w.logger.Info().Str("conversation_handle", msg.ConversationHandle).Str("reason", reason).Msg("acknowledging system message")
		if err := w.ackAndCommit(ctx, msg.ConversationHandle); err != nil {
			return w.exitOn(ctx, err)
		}
		w.ledger.Clear(msg.ConversationHandle)
		w.sensor.RecordMessage()
		return nil
	}

	procErr := w.dispatchSafely(msg)
	if procErr == nil {
		if err := w.ackAndCommit(ctx, msg.ConversationHandle); err != nil {
			return w.exitOn(ctx, err)
		}
		w.ledger.Clear(msg.ConversationHandle)
		w.sensor.RecordMessage()
		return nil
	}

	kind := classifyAny(ctx, procErr)
	switch {
	case kind == classify.KindPoison:
		if err := w.ackAndCommit(ctx, msg.ConversationHandle); err != nil {
			return w.exitOn(ctx, err)
		}
		w.ledger.Clear(msg.ConversationHandle)
		w.recordError(kind, procErr)
		w.logger.Warn().Str("conversation_handle", msg.ConversationHandle).Err(procErr).Msg("poisoned message acknowledged")
		return nil

	case !isRestartable(kind):
		w.conns.SafeCloseWithRollback(w.conn.Load(), w.tx)
		return &exitSignal{kind: kind, err: procErr}

	default: // Retryable
		w.conns.SafeRollback(w.tx)
		w.recordError(kind, procErr)

		state := w.ledger.GetOrCreate(msg.ConversationHandle)
		state.SetLastErrorKind(kind.String())
		count := state.Increment()

		if int(count) > w.cfg.MaxRetries {
			if err := w.renewTx(ctx); err != nil {
				return w.exitOn(ctx, err)
			}
			if err := w.ackAndCommit(ctx, msg.ConversationHandle); err != nil {
				return w.exitOn(ctx, err)
			}
			w.ledger.Clear(msg.ConversationHandle)
			w.logger.Warn().Str("conversation_handle", msg.ConversationHandle).Int64("retries", count).Msg("max retries exceeded, poisoning")
			return nil
		}

		delay := classify.RetryDelay(int(count), w.cfg.BaseRetryDelay, w.cfg.MaxRetryDelay, w.cfg.UseExponentialBackoff)
		if err := classify.Wait(ctx, delay); err != nil {
			w.conns.SafeClose(w.conn.Load())
			return &exitSignal{kind: classify.KindShutdown, err: err}
		}
		if err := w.renewTx(ctx); err != nil {
			return w.exitOn(ctx, err)
		}
		return nil
	}
}

// dispatchSafely recovers a handler panic. A recovered runtime.Error (nil
// dereference, out-of-range index, and similar faults the Go runtime
// itself raises) indicates corrupted process state beyond anything a
// retry could fix, so it is classified Fatal-Process-Immediate rather
// than folded into the ordinary Retryable panic-to-retry conversion
// applied to everything else a handler might panic with.
func (w *Worker) dispatchSafely(msg *models.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(runtime.Error); ok {
				err = classify.Wrap(classify.KindFatalProcessImmediate, "unrecoverable runtime fault in handler", rerr)
				return
			}
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	_, err = w.dispatcher.Dispatch(msg)
	return err
}

// ackAndCommit acknowledges handle, commits, and opens the next
// transaction for the worker's next cycle. Any failure along the way is
// returned unclassified for the caller to classify and exit on.
func (w *Worker) ackAndCommit(ctx context.Context, handle string) error {
	if err := w.receiver.Acknowledge(ctx, w.tx, handle); err != nil {
		w.conns.SafeRollback(w.tx)
		return err
	}
	if err := w.tx.Commit(); err != nil {
		return err
	}
	return w.renewTx(ctx)
}

func (w *Worker) renewTx(ctx context.Context) error {
	tx, err := w.conn.Load().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	w.tx = tx
	return nil
}

func (w *Worker) exitOn(ctx context.Context, err error) *exitSignal {
	kind := classifyAny(ctx, err)
	w.conns.SafeCloseWithRollback(w.conn.Load(), w.tx)
	return &exitSignal{kind: kind, err: err}
}

func (w *Worker) exitWithResult(ctx context.Context, err error) Result {
	exit := w.exitOn(ctx, err)
	return w.result(exit.kind, exit.err)
}

func (w *Worker) result(kind classify.Kind, err error) Result {
	w.sensor.MarkStopped()
	r := Result{
		WorkerID:    w.cfg.WorkerID,
		Kind:        kind,
		Err:         err,
		Restartable: isRestartable(kind),
	}
	if code, ok := kind.ExitCode(); ok {
		r.ProcessExitCode = code
		r.HasProcessExitCode = true
	}
	return r
}

// isRestartable reports whether the supervisor may spawn a replacement
// after a worker exits with kind. Graceful shutdown, Fatal-Worker
// (database/queue misconfiguration, per spec.md's Fatal-DB disposition)
// and both Fatal-Process kinds are not restartable; every other exit is.
func isRestartable(kind classify.Kind) bool {
	switch kind {
	case classify.KindShutdown, classify.KindFatalWorker, classify.KindFatalProcessImmediate, classify.KindFatalProcessGraceful:
		return false
	default:
		return true
	}
}

// classifyAny resolves the Kind driving an error's disposition: a
// *classify.PoisonError from envelope parsing is Poison, an already
// *classify.ClassifiedError (from dbqueue, or a runtime fault recovered by
// dispatchSafely) keeps its Kind, and anything else — including handler
// errors and the other panics recovered by dispatchSafely — is run
// through classify.SQLError so vendor/connection
// errors are still recognized and everything else defaults to Retryable.
func classifyAny(ctx context.Context, err error) classify.Kind {
	var poison *classify.PoisonError
	if errors.As(err, &poison) {
		return classify.KindPoison
	}
	var classified *classify.ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return classify.SQLError(ctx, err).Kind
}
