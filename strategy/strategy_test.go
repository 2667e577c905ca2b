package strategy_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/op"
	"github.com/softwarelanguageslab/skitter/strategy"
	"github.com/softwarelanguageslab/skitter/token"
)

type fakeRef struct{ id string }

func (r fakeRef) String() string { return r.id }
func (r fakeRef) Node() string   { return "n1" }

type sentMessage struct {
	dst strategy.WorkerRef
	msg any
	inv token.Invocation
}

type fakeRuntime struct {
	created []string
	sent    []sentMessage
	nextID  int
}

func (r *fakeRuntime) CreateLocal(state any, tag string, lifetime strategy.Lifetime) (strategy.WorkerRef, error) {
	r.nextID++
	r.created = append(r.created, tag)
	return fakeRef{id: fmt.Sprintf("%s-%p-%d", tag, r, r.nextID)}, nil
}
func (r *fakeRuntime) CreateRemote(state any, tag string, lifetime strategy.Lifetime, c strategy.Constraints) (strategy.WorkerRef, error) {
	return r.CreateLocal(state, tag, lifetime)
}
func (r *fakeRuntime) Send(dst strategy.WorkerRef, message any, inv token.Invocation) error {
	r.sent = append(r.sent, sentMessage{dst: dst, msg: message, inv: inv})
	return nil
}
func (r *fakeRuntime) Stop(dst strategy.WorkerRef) error { return nil }
func (r *fakeRuntime) OutPortIndex(name string) int      { return 0 }
func (r *fakeRuntime) InPortIndex(name string) int       { return 0 }

func averageOp(t *testing.T) *op.Operation {
	o, err := op.New("average").
		InPorts("value").
		OutPorts("current").
		InitialState(op.Record{"total": 0.0, "count": 0.0}).
		Callback("react", 1, op.CallbackInfo{ReadsState: true, WritesState: true, Emits: true},
			func(env *op.Env, config any, args []any) any {
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

func TestDirectDeployDeliverProcess(t *testing.T) {
	o := averageOp(t)
	rt := &fakeRuntime{}
	s := strategy.NewDirect()
	ctx := strategy.Context{Strategy: "direct", Operation: o}

	_, err := s.Deploy(ctx, rt, nil)
	require.NoError(t, err)
	require.Len(t, rt.created, 1)

	inv := token.New()
	require.NoError(t, s.Deliver(ctx.WithInvocation(inv), rt, 10.0, 0))
	require.Len(t, rt.sent, 1)
	require.Equal(t, 10.0, rt.sent[0].msg)

	res, err := s.Process(ctx, 10.0, o.InitialState(), "worker")
	require.NoError(t, err)
	require.True(t, res.HasState)
	require.Equal(t, []any{10.0}, res.Emit["current"])
}

func TestKeyedRoutesSameKeyToSameWorker(t *testing.T) {
	o, err := op.New("agg").InPorts("in").OutPorts("out").
		InitialState(0.0).
		Callback("key", 1, op.CallbackInfo{}, func(env *op.Env, _ any, args []any) any {
			rec := args[0].(map[string]any)
			return rec["k"]
		}).
		Callback("react", 1, op.CallbackInfo{ReadsState: true, WritesState: true}, func(env *op.Env, _ any, args []any) any {
			rec := args[0].(map[string]any)
			env.WriteState(env.ReadState().(float64) + rec["v"].(float64))
			return nil
		}).
		Build()
	require.NoError(t, err)

	rt := &fakeRuntime{}
	s := strategy.NewKeyed(4)
	ctx := strategy.Context{Strategy: "keyed", Operation: o, Node: token.NodeRef{Index: 1}}
	_, err = s.Deploy(ctx, rt, nil)
	require.NoError(t, err)

	recA1 := map[string]any{"k": "alice", "v": 1.0}
	recA2 := map[string]any{"k": "alice", "v": 2.0}
	recB := map[string]any{"k": "bob", "v": 3.0}

	require.NoError(t, s.Deliver(ctx, rt, recA1, 0))
	require.NoError(t, s.Deliver(ctx, rt, recA2, 0))
	require.NoError(t, s.Deliver(ctx, rt, recB, 0))

	require.Len(t, rt.sent, 3)
	require.Equal(t, rt.sent[0].dst, rt.sent[1].dst, "same key must land on the same worker")
}

// TestKeyedIsolatesStateAcrossNodes guards against a single registered
// Keyed instance letting two unrelated keyed nodes (as happens when the
// same strategy is reused across every keyed node in a deployment)
// share one bucket->worker map or initial state.
func TestKeyedIsolatesStateAcrossNodes(t *testing.T) {
	mkOp := func(name string, initial float64) *op.Operation {
		o, err := op.New(name).InPorts("in").OutPorts("out").
			InitialState(initial).
			Callback("key", 1, op.CallbackInfo{}, func(env *op.Env, _ any, args []any) any {
				rec := args[0].(map[string]any)
				return rec["k"]
			}).
			Callback("react", 1, op.CallbackInfo{ReadsState: true, WritesState: true}, func(env *op.Env, _ any, args []any) any {
				return nil
			}).
			Build()
		require.NoError(t, err)
		return o
	}

	s := strategy.NewKeyed(4)
	rtA := &fakeRuntime{}
	rtB := &fakeRuntime{}
	ctxA := strategy.Context{Strategy: "keyed", Operation: mkOp("a", 1.0), Node: token.NodeRef{Index: 1}}
	ctxB := strategy.Context{Strategy: "keyed", Operation: mkOp("b", 2.0), Node: token.NodeRef{Index: 2}}

	_, err := s.Deploy(ctxA, rtA, nil)
	require.NoError(t, err)
	_, err = s.Deploy(ctxB, rtB, nil)
	require.NoError(t, err)

	rec := map[string]any{"k": "alice", "v": 1.0}
	require.NoError(t, s.Deliver(ctxA, rtA, rec, 0))
	require.NoError(t, s.Deliver(ctxB, rtB, rec, 0))

	require.Len(t, rtA.created, 1)
	require.Len(t, rtB.created, 1)
	require.NotEqual(t, rtA.sent[0].dst, rtB.sent[0].dst, "nodes must not share bucket workers")
}

func TestFanInFiresOnceAllPortsArrive(t *testing.T) {
	o, err := op.New("join").InPorts("a", "b").OutPorts("out").
		InitialState(nil).
		Callback("react", 2, op.CallbackInfo{Emits: true}, func(env *op.Env, _ any, args []any) any {
			env.Emit("out", []any{args[0], args[1]})
			return nil
		}).
		Build()
	require.NoError(t, err)

	rt := &fakeRuntime{}
	s := strategy.NewFanIn()
	ctx := strategy.Context{Strategy: "fan-in", Operation: o}
	_, err = s.Deploy(ctx, rt, nil)
	require.NoError(t, err)

	inv := token.New()
	require.NoError(t, s.Deliver(ctx.WithInvocation(inv), rt, "left", 0))
	require.Empty(t, rt.sent, "must not fire until both ports arrive")
	require.NoError(t, s.Deliver(ctx.WithInvocation(inv), rt, "right", 1))
	require.Len(t, rt.sent, 1)
	require.Equal(t, []any{"left", "right"}, rt.sent[0].msg)

	res, err := s.Process(ctx, rt.sent[0].msg, nil, "worker")
	require.NoError(t, err)
	require.Equal(t, []any{"left", "right"}, res.Emit["out"])
}

// TestFanInIsolatesTokensAcrossNodes guards against a single registered
// FanIn instance letting the same invocation token complete a
// different fan-in node's partial set: node A seeing port 0 of inv
// must not be completed by node B's delivery to port 1 of that same
// invocation.
func TestFanInIsolatesTokensAcrossNodes(t *testing.T) {
	joinOp := func(name string) *op.Operation {
		o, err := op.New(name).InPorts("a", "b").OutPorts("out").
			InitialState(nil).
			Callback("react", 2, op.CallbackInfo{Emits: true}, func(env *op.Env, _ any, args []any) any {
				env.Emit("out", []any{args[0], args[1]})
				return nil
			}).
			Build()
		require.NoError(t, err)
		return o
	}

	s := strategy.NewFanIn()
	rtA := &fakeRuntime{}
	rtB := &fakeRuntime{}
	ctxA := strategy.Context{Strategy: "fan-in", Operation: joinOp("joinA"), Node: token.NodeRef{Index: 1}}
	ctxB := strategy.Context{Strategy: "fan-in", Operation: joinOp("joinB"), Node: token.NodeRef{Index: 2}}
	_, err := s.Deploy(ctxA, rtA, nil)
	require.NoError(t, err)
	_, err = s.Deploy(ctxB, rtB, nil)
	require.NoError(t, err)

	inv := token.New()
	require.NoError(t, s.Deliver(ctxA.WithInvocation(inv), rtA, "a-left", 0))
	require.NoError(t, s.Deliver(ctxB.WithInvocation(inv), rtB, "b-right", 1))

	require.Empty(t, rtA.sent, "node A must still be waiting on its own port 1")
	require.Empty(t, rtB.sent, "node B must still be waiting on its own port 0")
}
