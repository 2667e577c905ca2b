package router_test

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/metrics"
	"github.com/softwarelanguageslab/skitter/op"
	"github.com/softwarelanguageslab/skitter/router"
	"github.com/softwarelanguageslab/skitter/strategy"
	"github.com/softwarelanguageslab/skitter/token"
	"github.com/softwarelanguageslab/skitter/worker"
	"github.com/softwarelanguageslab/skitter/workflow"
)

// countingStrategy records every (value, callIndex) delivered to it.
type countingStrategy struct {
	mu     sync.Mutex
	calls  int
	values []any
	name   string
}

func (c *countingStrategy) Name() string { return c.name }
func (c *countingStrategy) Deploy(strategy.Context, strategy.Runtime, map[string]any) (any, error) {
	return nil, nil
}
func (c *countingStrategy) Deliver(ctx strategy.Context, rt strategy.Runtime, record any, inPort int) error {
	c.mu.Lock()
	c.calls++
	c.values = append(c.values, record)
	c.mu.Unlock()
	return nil
}
func (c *countingStrategy) Process(strategy.Context, any, any, string) (strategy.ProcessResult, error) {
	return strategy.ProcessResult{}, nil
}

func buildFanOut(t *testing.T, destCount int) (*workflow.Flattened, *countingStrategy, []*countingStrategy) {
	src, err := op.New("source").OutPorts("out").Build()
	require.NoError(t, err)
	sink, err := op.New("sink").InPorts("in").Build()
	require.NoError(t, err)

	wf := workflow.Workflow{}
	wf.Nodes = append(wf.Nodes, workflow.Node{Name: "s", Operation: src})
	dests := make([]*countingStrategy, destCount)
	for i := 0; i < destCount; i++ {
		name := "d" + string(rune('0'+i))
		wf.Nodes = append(wf.Nodes, workflow.Node{Name: name, Operation: sink})
		wf.Edges = append(wf.Edges, workflow.Edge{FromNode: "s", FromPort: "out", ToNode: name, ToPort: "in"})
		dests[i] = &countingStrategy{name: name}
	}
	flat, err := workflow.Flatten(wf)
	require.NoError(t, err)
	return flat, &countingStrategy{name: "s"}, dests
}

// TestEmitExclusivity is testable property 4 in spec.md §8: emitting n
// values on one out-port linked to m destinations results in exactly
// n*m Deliver calls, one per (value, destination) pair.
func TestEmitExclusivity(t *testing.T) {
	const destCount = 3
	flat, _, dests := buildFanOut(t, destCount)
	r := router.New(flat, nil)
	for i, d := range dests {
		idx, ok := flat.NodeIndex(wfNodeName(i))
		require.True(t, ok)
		r.Bind(idx, router.Destination{Strategy: d, Context: strategy.Context{}, Runtime: nil})
	}

	srcIdx, ok := flat.NodeIndex("s")
	require.True(t, ok)

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, r.Emit(srcIdx, 0, i, token.New()))
	}

	for _, d := range dests {
		require.Equal(t, n, d.calls)
	}
}

func wfNodeName(i int) string { return "d" + string(rune('0'+i)) }

// TestEmitCountsDeliveries covers the metrics wiring: every Deliver
// call Emit/DeliverExternal makes is counted against the passed-in
// registry's DeliveriesTotal, not left at a permanent zero.
func TestEmitCountsDeliveries(t *testing.T) {
	const destCount = 2
	flat, _, dests := buildFanOut(t, destCount)
	reg := metrics.New("test-node")
	r := router.New(flat, reg)
	for i, d := range dests {
		idx, ok := flat.NodeIndex(wfNodeName(i))
		require.True(t, ok)
		r.Bind(idx, router.Destination{Strategy: d, Context: strategy.Context{}, Runtime: nil})
	}

	srcIdx, ok := flat.NodeIndex("s")
	require.True(t, ok)
	require.NoError(t, r.Emit(srcIdx, 0, "v", token.New()))

	require.Equal(t, float64(destCount), testutil.ToFloat64(reg.DeliveriesTotal))
}

func TestEmitNoLinksIsNoop(t *testing.T) {
	src, err := op.New("source").OutPorts("out").Build()
	require.NoError(t, err)
	wf := workflow.Workflow{Nodes: []workflow.Node{{Name: "s", Operation: src}}}
	flat, err := workflow.Flatten(wf)
	require.NoError(t, err)
	r := router.New(flat, nil)
	require.NoError(t, r.Emit(0, 0, "x", token.External))
}

// TestSinkRejectsUndeclaredOutPort is spec.md §3's invariant that
// emitting on a port an operation never declared is a fatal error, not
// a silently dropped value.
func TestSinkRejectsUndeclaredOutPort(t *testing.T) {
	src, err := op.New("source").OutPorts("out").Build()
	require.NoError(t, err)
	wf := workflow.Workflow{Nodes: []workflow.Node{{Name: "s", Operation: src}}}
	flat, err := workflow.Flatten(wf)
	require.NoError(t, err)
	r := router.New(flat, nil)
	sink := r.Sink(0, src)

	err = sink("s", map[string][]any{"nope": {1}}, nil, token.External)
	require.Error(t, err)
	var defErr *op.DefinitionError
	require.ErrorAs(t, err, &defErr)

	err = sink("s", nil, map[string][]worker.EmittedValue{"nope": {{Value: 1, Invocation: token.External}}}, token.External)
	require.Error(t, err)
	require.ErrorAs(t, err, &defErr)
}

// TestSinkRejectsEmitCollision covers spec.md §9's resolution of the
// emit/emit_invocation open question: additive across different ports,
// but naming the same out-port in both maps in one call is a
// DefinitionError rather than a silent merge.
func TestSinkRejectsEmitCollision(t *testing.T) {
	src, err := op.New("source").OutPorts("out").Build()
	require.NoError(t, err)
	wf := workflow.Workflow{Nodes: []workflow.Node{{Name: "s", Operation: src}}}
	flat, err := workflow.Flatten(wf)
	require.NoError(t, err)
	r := router.New(flat, nil)
	sink := r.Sink(0, src)

	err = sink("s", map[string][]any{"out": {1}}, map[string][]worker.EmittedValue{"out": {{Value: 2, Invocation: token.External}}}, token.External)
	require.Error(t, err)
	var defErr *op.DefinitionError
	require.ErrorAs(t, err, &defErr)
}
