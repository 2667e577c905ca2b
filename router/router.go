// Package router implements the Router/Emitter component of spec.md
// §3/§4.5: once a worker's Process hook emits a value on a named
// out-port, the router looks up that port's resolved links in the
// flattened workflow and calls the destination strategy's Deliver hook
// once per (value, destination) pair -- the "exclusivity guarantee"
// tested as testable property 4 in spec.md §8.
//
// Every out-port a node emits on is resolved once against the
// flattened workflow's link table rather than against the live
// destination strategies, so fan-out to zero, one, or many
// destinations is a single uniform lookup.
package router

import (
	"fmt"
	"sync"

	"github.com/softwarelanguageslab/skitter/metrics"
	"github.com/softwarelanguageslab/skitter/op"
	"github.com/softwarelanguageslab/skitter/strategy"
	"github.com/softwarelanguageslab/skitter/token"
	"github.com/softwarelanguageslab/skitter/workflow"
	"github.com/softwarelanguageslab/skitter/worker"
)

// Destination is the runtime handle a router needs to call one node's
// strategy.
type Destination struct {
	Strategy strategy.Strategy
	Context  strategy.Context
	Runtime  strategy.Runtime
}

// Router delivers emitted values along a deployment's resolved links.
// One Router instance serves one deployed workflow.
type Router struct {
	flat    *workflow.Flattened
	metrics *metrics.Registry // optional; nil in tests that don't care

	mu    sync.RWMutex
	dests []Destination // indexed by node index, filled in during deploy
}

// New returns a router over flat's resolved links, counting every
// Deliver call it makes against m's DeliveriesTotal if m is non-nil.
// Every destination must be bound with Bind before Emit is called
// against it.
func New(flat *workflow.Flattened, m *metrics.Registry) *Router {
	return &Router{flat: flat, metrics: m, dests: make([]Destination, len(flat.Nodes))}
}

// Bind attaches the live strategy/context/runtime triple for node
// nodeIndex, called once per node during deployment after that node's
// Deploy hook returns.
func (r *Router) Bind(nodeIndex int, d Destination) {
	r.mu.Lock()
	r.dests[nodeIndex] = d
	r.mu.Unlock()
}

// Emit delivers value, tagged with inv, to every destination linked
// from out-port fromPort of node fromNode. It calls Deliver exactly
// once per linked destination regardless of how many destinations
// share that link (spec.md §4.5 exclusivity). The first error from any
// destination is returned; delivery to the remaining destinations
// still proceeds so a single bad branch cannot wedge the others.
func (r *Router) Emit(fromNode, fromPort int, value any, inv token.Invocation) error {
	links := r.flat.Nodes[fromNode].OutLinks[fromPort]
	if len(links) == 0 {
		return nil
	}
	r.mu.RLock()
	dests := make([]Destination, len(links))
	for i, l := range links {
		dests[i] = r.dests[l.NodeIndex]
	}
	r.mu.RUnlock()

	var firstErr error
	for i, l := range links {
		d := dests[i]
		ctx := d.Context.WithInvocation(inv)
		err := d.Strategy.Deliver(ctx, d.Runtime, value, l.PortIndex)
		if r.metrics != nil {
			r.metrics.DeliveriesTotal.Inc()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeliverExternal calls node nodeIndex's bound strategy.Deliver
// directly on in-port portIndex, bypassing the OutLinks lookup Emit
// performs. It is how records that enter a deployment from outside
// the workflow (a source reading off the network, an external client
// call) reach the first node's strategy, since there is no producer
// node's Emit call to resolve a link from.
func (r *Router) DeliverExternal(nodeIndex, portIndex int, value any, inv token.Invocation) error {
	r.mu.RLock()
	d := r.dests[nodeIndex]
	r.mu.RUnlock()
	ctx := d.Context.WithInvocation(inv)
	err := d.Strategy.Deliver(ctx, d.Runtime, value, portIndex)
	if r.metrics != nil {
		r.metrics.DeliveriesTotal.Inc()
	}
	return err
}

// Sink builds a worker.Sink bound to node nodeIndex's operation, so a
// worker created for that node can hand the router everything its
// Process call emits without worker needing to know about workflow
// links at all. Port names are resolved against operation on each
// call.
func (r *Router) Sink(nodeIndex int, operation *op.Operation) worker.Sink {
	return func(_ string, emit map[string][]any, emitInv map[string][]worker.EmittedValue, inv token.Invocation) error {
		for port := range emit {
			if _, collide := emitInv[port]; collide {
				return &op.DefinitionError{Op: operation.Name(), Err: fmt.Errorf("emit and emit_invocation both target out-port %q in the same call", port)}
			}
		}
		for port, values := range emit {
			idx := operation.OutPortIndex(port)
			if idx < 0 {
				return &op.DefinitionError{Op: operation.Name(), Err: fmt.Errorf("emit to undeclared out-port %q", port)}
			}
			for _, v := range values {
				r.Emit(nodeIndex, idx, v, inv)
			}
		}
		for port, values := range emitInv {
			idx := operation.OutPortIndex(port)
			if idx < 0 {
				return &op.DefinitionError{Op: operation.Name(), Err: fmt.Errorf("emit_invocation to undeclared out-port %q", port)}
			}
			for _, ev := range values {
				r.Emit(nodeIndex, idx, ev.Value, ev.Invocation)
			}
		}
		return nil
	}
}
