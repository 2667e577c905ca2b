package strategy

import (
	"sync"

	"github.com/softwarelanguageslab/skitter/token"
)

// Direct is the simplest reference strategy: one deployment-lifetime
// worker per operation instance, with every record on every in-port
// delivered straight to it. It is the strategy spec.md's own narrative
// describes in §2's data flow walkthrough ("worker's process hook
// (user react callback) runs"): Process always invokes the operation's
// react/1 callback.
type Direct struct {
	mu      sync.Mutex
	workers map[token.NodeRef]WorkerRef
}

func NewDirect() *Direct { return &Direct{workers: map[token.NodeRef]WorkerRef{}} }

func (s *Direct) Name() string { return "direct" }

func (s *Direct) Deploy(ctx Context, rt Runtime, args map[string]any) (any, error) {
	if err := RequireCallback("direct", ctx.Operation, "react", 1); err != nil {
		return nil, err
	}
	w, err := rt.CreateLocal(ctx.Operation.InitialState(), "worker", Deployment)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.workers[ctx.Node] = w
	s.mu.Unlock()
	return w, nil
}

func (s *Direct) Deliver(ctx Context, rt Runtime, record any, inPort int) error {
	s.mu.Lock()
	w := s.workers[ctx.Node]
	s.mu.Unlock()
	return rt.Send(w, record, ctx.Invocation)
}

func (s *Direct) Process(ctx Context, message any, workerState any, workerTag string) (ProcessResult, error) {
	res, err := ctx.Operation.Call("react", workerState, nil, []any{message})
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{State: res.State, HasState: true, Emit: res.Emit}, nil
}
