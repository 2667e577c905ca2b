// Package strategy implements the plug-in distribution protocol from
// spec.md §4.2: every operation instance is bound to a Strategy, and
// the runtime never routes a record directly -- it always goes
// through the strategy's Deploy, Deliver, and Process hooks.
//
// The registry mirrors op.Registry: strategies resolve each other by
// name at deploy time rather than by direct pointer, so a strategy
// that itself uses operations (to host its own workers) does not form
// an import or ownership cycle with the operations that reference it.
package strategy

import (
	"fmt"
	"sync"

	"github.com/softwarelanguageslab/skitter/op"
	"github.com/softwarelanguageslab/skitter/token"
)

// Context is the immutable environment passed into every strategy
// hook (spec.md §3 "Context"). DeploymentData is filled in once the
// owning operation instance's Deploy hook has returned; hooks that run
// before that (Deliver, Process, for workers created during Deploy
// itself) must tolerate it being nil.
type Context struct {
	Strategy       string
	Operation      *op.Operation
	DeploymentData any
	Invocation     token.Invocation
	Node           token.NodeRef
}

// WithInvocation returns a copy of c bound to invocation inv, the way
// a worker binds its owning context before calling Process for one
// incoming message.
func (c Context) WithInvocation(inv token.Invocation) Context {
	c.Invocation = inv
	return c
}

// WithDeploymentData returns a copy of c with DeploymentData set,
// published exactly once at the end of that operation instance's
// Deploy hook.
func (c Context) WithDeploymentData(data any) Context {
	c.DeploymentData = data
	return c
}

// ProcessResult is returned by a worker's Process hook. HasState false
// means "no change" to the worker's state (with HasState true, State
// replaces it, even when nil); nil Emit/EmitInvocation mean "no emit",
// per spec.md §4.2.
type ProcessResult struct {
	State          any
	HasState       bool
	Emit           map[string][]any
	EmitInvocation map[string][]EmittedValue
}

// EmittedValue pairs a value with the invocation it should be stamped
// with when delivered downstream -- used by sources to mint a fresh
// invocation per record rather than inheriting the worker's own.
type EmittedValue struct {
	Value      any
	Invocation token.Invocation
}

// Strategy is a named collection of the three hooks. Deploy runs once
// per operation instance; Deliver runs on the router's node for every
// record crossing an edge into this operation; Process runs on a
// worker's owning node when that worker dequeues a message.
type Strategy interface {
	Name() string

	// Deploy is called once per operation instance during workflow
	// deployment and returns the value that becomes
	// Context.DeploymentData for every subsequent hook of this
	// instance. It is given a Runtime so it can create workers.
	Deploy(ctx Context, rt Runtime, args map[string]any) (any, error)

	// Deliver forwards a record crossing an edge into this operation
	// to an appropriate worker. It must not compute results.
	Deliver(ctx Context, rt Runtime, record any, inPort int) error

	// Process runs on the worker's node when it dequeues a message.
	Process(ctx Context, message any, workerState any, workerTag string) (ProcessResult, error)
}

// Lifetime classifies a worker's garbage-collection policy, spec.md §3.
type Lifetime int

const (
	// Deployment-lifetime workers live as long as the workflow.
	Deployment Lifetime = iota
	// Invocation-lifetime workers are collected once their single
	// invocation has no pending messages left (spec.md E6).
	Invocation
)

// Constraints narrow where a strategy wants a new worker placed,
// spec.md §4.3.
type Constraints struct {
	On    string // must land on this node; PlacementError if unreachable.
	With  string // worker-ref string: same node as that worker.
	Avoid string // worker-ref string: any node but that worker's.
}

// Runtime is the subset of the deployment/dispatch runtime a strategy
// hook is allowed to touch: creating and addressing workers, and
// resolving its own operation's ports. Strategies never reach into the
// router or the cluster membership tables directly -- that asymmetry
// is what keeps strategy code portable across local and distributed
// deployments.
type Runtime interface {
	CreateLocal(state any, tag string, lifetime Lifetime) (WorkerRef, error)
	CreateRemote(state any, tag string, lifetime Lifetime, constraints Constraints) (WorkerRef, error)
	Send(dst WorkerRef, message any, inv token.Invocation) error
	Stop(dst WorkerRef) error

	OutPortIndex(name string) int
	InPortIndex(name string) int
}

// WorkerRef is a routable worker address; see package worker for the
// concrete implementation.
type WorkerRef interface {
	fmt.Stringer
	Node() string
}

// Descriptor binds one operation instance to the strategy module it
// runs under plus the static args supplied in the workflow. It is the
// "Strategy descriptor" component of spec.md §2.
type Descriptor struct {
	Operation *op.Operation
	Strategy  string
	Args      map[string]any
}

// Registry resolves strategy names to implementations, with the same
// single-writer/many-reader discipline as op.Registry.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

func (r *Registry) Lookup(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Error is a StrategyError per spec.md §7: a hook was called on a
// context whose operation doesn't satisfy the strategy's requirements.
// It is fatal for the deployment and surfaces through the manager
// handle.
type Error struct {
	Strategy string
	Op       string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("strategy %q on operation %q: %s", e.Strategy, e.Op, e.Reason)
}

// RequireCallback fails deployment with a StrategyError unless op
// implements name/arity -- the standard guard a Deploy hook runs
// before trusting that Process can call the user's callback.
func RequireCallback(strategyName string, o *op.Operation, name string, arity int) error {
	for _, k := range o.Callbacks() {
		if k.Name == name && k.Arity == arity {
			return nil
		}
	}
	return &Error{
		Strategy: strategyName,
		Op:       o.Name(),
		Reason:   fmt.Sprintf("missing required callback %s/%d", name, arity),
	}
}
