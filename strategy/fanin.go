package strategy

import (
	"sync"

	"github.com/softwarelanguageslab/skitter/matcher"
	"github.com/softwarelanguageslab/skitter/token"
)

// FanIn is the reference strategy for arity > 1 operations that must
// fire only once every in-port has contributed a record for the same
// invocation (spec.md §4.5, E4). Deliver buffers tokens in a
// package-matcher.Matcher keyed by the invocation and only forwards to
// the single deployment-lifetime worker once a set completes, passing
// the completed in-port-order argument vector as the message.
type FanIn struct {
	mu       sync.Mutex
	matchers map[token.NodeRef]*matcher.Matcher
	workers  map[token.NodeRef]WorkerRef
}

func NewFanIn() *FanIn {
	return &FanIn{matchers: map[token.NodeRef]*matcher.Matcher{}, workers: map[token.NodeRef]WorkerRef{}}
}

func (s *FanIn) Name() string { return "fan-in" }

// Deploy allocates one Matcher per node instance, not per strategy
// instance: the same registered Strategy serves every fan-in node in
// every deployment, so a matcher shared across nodes would let
// invocation tokens arriving at two unrelated fan-in nodes complete
// each other's token sets.
func (s *FanIn) Deploy(ctx Context, rt Runtime, args map[string]any) (any, error) {
	if ctx.Operation.Arity() < 2 {
		return nil, &Error{Strategy: "fan-in", Op: ctx.Operation.Name(), Reason: "fan-in requires arity > 1"}
	}
	if err := RequireCallback("fan-in", ctx.Operation, "react", ctx.Operation.Arity()); err != nil {
		return nil, err
	}
	w, err := rt.CreateLocal(ctx.Operation.InitialState(), "worker", Deployment)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.matchers[ctx.Node] = matcher.New(ctx.Operation.Arity())
	s.workers[ctx.Node] = w
	s.mu.Unlock()
	return w, nil
}

func (s *FanIn) Deliver(ctx Context, rt Runtime, record any, inPort int) error {
	s.mu.Lock()
	m := s.matchers[ctx.Node]
	w := s.workers[ctx.Node]
	s.mu.Unlock()

	set, ready := m.Deliver(ctx.Invocation, inPort, record)
	if !ready {
		return nil
	}
	return rt.Send(w, set.Records, ctx.Invocation)
}

func (s *FanIn) Process(ctx Context, message any, workerState any, workerTag string) (ProcessResult, error) {
	args := message.([]any)
	res, err := ctx.Operation.Call("react", workerState, nil, args)
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{State: res.State, HasState: true, Emit: res.Emit}, nil
}
