package deploy_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/deploy"
	"github.com/softwarelanguageslab/skitter/op"
	"github.com/softwarelanguageslab/skitter/placement"
	"github.com/softwarelanguageslab/skitter/storage"
	"github.com/softwarelanguageslab/skitter/strategy"
	"github.com/softwarelanguageslab/skitter/token"
	"github.com/softwarelanguageslab/skitter/worker"
	"github.com/softwarelanguageslab/skitter/workflow"
)

type singleNode struct{ name string }

func (n singleNode) Cores() []string              { return []string{n.name} }
func (n singleNode) HostOf(string) (string, bool) { return n.name, true }
func (n singleNode) Alive(node string) bool       { return node == n.name }

func newDeployer(t *testing.T) (*deploy.Deployer, *worker.Manager) {
	t.Helper()
	reg := strategy.NewRegistry()
	reg.Register(strategy.NewDirect())
	reg.Register(strategy.NewKeyed(4))
	reg.Register(strategy.NewFanIn())

	mgr := worker.NewManager("n1", nil)
	pl := placement.NewService(singleNode{name: "n1"})
	stores := deploy.ConstantStores{
		Links:       storage.NewMemStore(),
		Deployment:  storage.NewMemStore(),
		Supervisors: storage.NewMemStore(),
	}
	d := deploy.New(nil, "n1", op.NewRegistry(), reg, mgr, pl, nil, stores, nil)
	return d, mgr
}

func averageOperation(t *testing.T) *op.Operation {
	t.Helper()
	o, err := op.New("average").
		InPorts("value").
		OutPorts("current").
		InitialState(op.Record{"total": 0.0, "count": 0.0}).
		Callback("react", 1, op.CallbackInfo{ReadsState: true, WritesState: true, Emits: true},
			func(env *op.Env, _ any, args []any) any {
				v := args[0].(float64)
				total := env.ReadField("total").(float64) + v
				count := env.ReadField("count").(float64) + 1
				env.WriteField("total", total)
				env.WriteField("count", count)
				env.Emit("current", []any{total / count})
				return nil
			}).
		Build()
	require.NoError(t, err)
	return o
}

// collector is a trivial one-in, zero-out operation that records every
// value it sees into a thread-safe slice, standing in for an external
// sink so tests can observe what a deployed workflow actually emitted.
type collector struct {
	mu     sync.Mutex
	values []any
}

func (c *collector) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.values))
	copy(out, c.values)
	return out
}

func collectorOperation() (*op.Operation, *collector) {
	c := &collector{}
	o, _ := op.New("collect").InPorts("in").OutPorts().
		InitialState(nil).
		Callback("react", 1, op.CallbackInfo{}, func(env *op.Env, _ any, args []any) any {
			c.mu.Lock()
			c.values = append(c.values, args[0])
			c.mu.Unlock()
			return nil
		}).
		Build()
	return o, c
}

// TestDeployAverageEndToEnd drives the E1 scenario (spec.md §8) through
// the full deploy -> router -> worker -> sink loop: three external
// records on a single Direct-strategy average node must settle on the
// correct running mean, observed through a collector operation one hop
// downstream.
func TestDeployAverageEndToEnd(t *testing.T) {
	avg := averageOperation(t)
	collect, results := collectorOperation()

	wf := workflow.Workflow{
		Nodes: []workflow.Node{
			{Name: "avg", Operation: avg, Strategy: "direct"},
			{Name: "sink", Operation: collect, Strategy: "direct"},
		},
		Edges: []workflow.Edge{
			{FromNode: "avg", FromPort: "current", ToNode: "sink", ToPort: "in"},
		},
	}

	d, _ := newDeployer(t)
	m, err := d.Deploy(wf)
	require.NoError(t, err)
	defer m.Close()

	idx, ok := m.Flattened.NodeIndex("avg")
	require.True(t, ok)

	for _, v := range []float64{10.0, 20.0, 30.0} {
		require.NoError(t, m.Router.DeliverExternal(idx, 0, v, token.External))
	}

	require.Eventually(t, func() bool {
		return len(results.snapshot()) == 3
	}, time.Second, time.Millisecond)

	require.Equal(t, []any{10.0, 15.0, 20.0}, results.snapshot())
}

// TestDeployFanInEndToEnd drives the E4 scenario: a two-input join node
// must fire exactly once per invocation, only after both in-ports have
// received a record for that invocation.
func TestDeployFanInEndToEnd(t *testing.T) {
	join, err := op.New("join").InPorts("a", "b").OutPorts("out").
		InitialState(nil).
		Callback("react", 2, op.CallbackInfo{Emits: true}, func(env *op.Env, _ any, args []any) any {
			env.Emit("out", []any{args})
			return nil
		}).
		Build()
	require.NoError(t, err)
	collect, results := collectorOperation()

	wf := workflow.Workflow{
		Nodes: []workflow.Node{
			{Name: "join", Operation: join, Strategy: "fan-in"},
			{Name: "sink", Operation: collect, Strategy: "direct"},
		},
		Edges: []workflow.Edge{
			{FromNode: "join", FromPort: "out", ToNode: "sink", ToPort: "in"},
		},
	}

	d, _ := newDeployer(t)
	m, err := d.Deploy(wf)
	require.NoError(t, err)
	defer m.Close()

	idx, ok := m.Flattened.NodeIndex("join")
	require.True(t, ok)

	inv := token.New()
	require.NoError(t, m.Router.DeliverExternal(idx, 0, "left", inv))
	require.Empty(t, results.snapshot(), "must not fire before both ports arrive")
	require.NoError(t, m.Router.DeliverExternal(idx, 1, "right", inv))

	require.Eventually(t, func() bool { return len(results.snapshot()) == 1 }, time.Second, time.Millisecond)
}
