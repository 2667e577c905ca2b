// Package worker implements the single-threaded, addressable actors
// described in spec.md §4.3. Each worker owns a mailbox; messages sent
// to it are serialized and processed one at a time against its state,
// by running the owning operation instance's strategy Process hook.
//
// The mailbox is a buffered Go channel guarded by a separate abort
// channel, so a send past a stopped worker fails cleanly with
// ErrStopped instead of panicking on a closed channel.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/softwarelanguageslab/skitter/clock"
	"github.com/softwarelanguageslab/skitter/token"
)

// ErrStopped is returned by Send once a worker has been stopped --
// the spec.md E6 ":stopped" outcome for sends to a reclaimed
// invocation-lifetime worker.
var ErrStopped = errors.New("worker: stopped")

// Ref is a routable worker address (spec.md "Worker" identity). It
// satisfies strategy.WorkerRef.
type Ref struct {
	Host string
	ID   string
}

func (r Ref) String() string { return r.Host + "/" + r.ID }

// Node implements strategy.WorkerRef.
func (r Ref) Node() string { return r.Host }

// Envelope is one message in transit to a worker's mailbox.
type Envelope struct {
	Message    any
	Invocation token.Invocation
}

// Lifetime mirrors strategy.Lifetime without importing the strategy
// package, so worker has no dependency on the hook-calling side; the
// deploy/runtime glue layer translates between the two.
type Lifetime int

const (
	Deployment Lifetime = iota
	Invocation
)

// Processor runs one (message, invocation) against a worker's current
// state and returns the updated state plus anything to emit. It is
// the Worker's view of a strategy's Process hook -- package worker
// never calls into package strategy directly so the two can be wired
// together by the deploy/router layer without an import cycle.
type Processor func(w *Worker, env Envelope) (newState any, ok bool, emit map[string][]any, emitInv map[string][]EmittedValue, err error)

// EmittedValue pairs a value with the invocation to stamp it with.
type EmittedValue struct {
	Value      any
	Invocation token.Invocation
}

// Sink receives everything a worker's Process call emits, expanding
// each (port, seq) into individual records that re-enter the router.
// A non-nil return is a fatal routing failure (e.g. an emit to a port
// the operation never declared) and is reported to onError exactly
// like a failed Processor call.
type Sink func(fromOp string, emit map[string][]any, emitInv map[string][]EmittedValue, inv token.Invocation) error

// Worker is a single-threaded actor: owned state, a tag, a lifetime,
// and a mailbox goroutine that applies Processor to one message at a
// time. Only that goroutine ever touches state -- the "serialization
// per-worker" invariant in spec.md §3.
type Worker struct {
	ref       Ref
	tag       string
	lifetime  Lifetime
	operation string

	mailbox chan Envelope
	stop    chan struct{}

	mu      sync.RWMutex
	state   any
	stopped bool

	pending sync.WaitGroup // outstanding messages not yet processed, for invocation GC (E6)
}

// OnError is notified when a Processor call fails, so a supervisor one
// level up can apply the CallbackFailure restart policy (spec.md §7)
// without package worker needing to know about op.Operation.
type OnError func(w *Worker, err error)

// Spawn creates a worker bound to ref and starts its processing loop.
// process is called once per dequeued message; sink receives whatever
// it emits; onError (may be nil) is notified of CallbackFailures. The
// loop exits once Stop is called or, for Invocation-lifetime workers,
// once no messages are pending and retire is invoked by the caller
// (see RetireIfIdle).
func Spawn(ref Ref, operation string, initialState any, tag string, lifetime Lifetime, mailboxSize int, process Processor, sink Sink, onError OnError) *Worker {
	w := &Worker{
		ref:       ref,
		tag:       tag,
		lifetime:  lifetime,
		operation: operation,
		state:     initialState,
		mailbox:   make(chan Envelope, mailboxSize),
		stop:      make(chan struct{}),
	}
	go w.run(process, sink, onError)
	return w
}

func (w *Worker) run(process Processor, sink Sink, onError OnError) {
	for {
		select {
		case env, ok := <-w.mailbox:
			if !ok {
				return
			}
			w.handle(env, process, sink, onError)
			w.pending.Done()
		case <-w.stop:
			return
		}
	}
}

func (w *Worker) handle(env Envelope, process Processor, sink Sink, onError OnError) {
	newState, changed, emit, emitInv, err := process(w, env)
	if err != nil {
		// CallbackFailure per spec.md §7: drop the message that
		// triggered the crash and let the supervisor reset state.
		if onError != nil {
			onError(w, err)
		}
		return
	}
	if changed {
		w.mu.Lock()
		w.state = newState
		w.mu.Unlock()
	}
	if sink != nil && (len(emit) > 0 || len(emitInv) > 0) {
		if sinkErr := sink(w.operation, emit, emitInv, env.Invocation); sinkErr != nil && onError != nil {
			onError(w, sinkErr)
		}
	}
}

// Send enqueues message for processing, tagged with invocation. FIFO
// per (sender, receiver) pair falls out of using a single ordered
// channel per worker: every sender pushes into the same queue in the
// order their calls happen to execute, and Go channels preserve FIFO
// order of any single sequence of sends observed by one goroutine.
func (w *Worker) Send(message any, inv token.Invocation) error {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()
	if stopped {
		return ErrStopped
	}
	w.pending.Add(1)
	select {
	case w.mailbox <- Envelope{Message: message, Invocation: inv}:
		return nil
	case <-w.stop:
		w.pending.Done()
		return ErrStopped
	}
}

// Stop cancels the worker. Messages already buffered in the mailbox
// are discarded, matching spec.md §5 "in-flight messages to
// [deployment-lifetime workers] are silently discarded" on teardown.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stop)
}

// RetireIfIdle stops the worker iff it is Invocation-lifetime and has
// no pending messages, implementing the E6 scenario: an
// invocation-lifetime worker becomes stoppable once no pending
// messages for its invocation remain.
func (w *Worker) RetireIfIdle() bool {
	if w.lifetime != Invocation {
		return false
	}
	done := make(chan struct{})
	go func() { w.pending.Wait(); close(done) }()
	select {
	case <-done:
		w.Stop()
		return true
	default:
		return false
	}
}

func (w *Worker) Ref() Ref          { return w.ref }
func (w *Worker) Tag() string       { return w.tag }
func (w *Worker) Lifetime() Lifetime { return w.lifetime }

func (w *Worker) State() any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Reset restores the worker to state, used by a supervisor restarting
// a worker whose callback raised (spec.md §7 CallbackFailure).
func (w *Worker) Reset(state any) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker(%s tag=%s)", w.ref, w.tag)
}

// ScheduleTimer implements the self-timer pattern spec.md §5 names as
// the way a strategy builds timeouts on top of a system with no
// built-in delay primitive: it sends message (tagged with inv) back
// to w once c has advanced past time.Now().Add(after).
//
// c is a clock.Clock rather than a bare time.Timer so a strategy's
// timeout behavior can be driven deterministically in tests with
// clock.New and Set instead of depending on wall-clock sleeps.
func ScheduleTimer(c clock.Clock, w *Worker, after time.Duration, message any, inv token.Invocation) {
	deadline := time.Now().Add(after)
	go func() {
		c.Until(deadline)
		_ = w.Send(message, inv)
	}()
}
