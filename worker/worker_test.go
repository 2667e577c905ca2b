package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/clock"
	"github.com/softwarelanguageslab/skitter/token"
	"github.com/softwarelanguageslab/skitter/worker"
)

// echoProcessor appends the incoming int message to state ([]int) and
// emits it on "out".
func echoProcessor(w *worker.Worker, env worker.Envelope) (any, bool, map[string][]any, map[string][]worker.EmittedValue, error) {
	v := env.Message.(int)
	state := append(append([]int{}, w.State().([]int)...), v)
	return state, true, map[string][]any{"out": {v}}, nil, nil
}

func TestPerWorkerOrdering(t *testing.T) {
	var received []int
	done := make(chan struct{})
	sink := func(fromOp string, emit map[string][]any, emitInv map[string][]worker.EmittedValue, inv token.Invocation) error {
		for _, v := range emit["out"] {
			received = append(received, v.(int))
			if len(received) == 5 {
				close(done)
			}
		}
		return nil
	}
	mgr := worker.NewManager("n1", nil)
	w := mgr.CreateLocal("echo", []int{}, "t", worker.Deployment, 16, echoProcessor, sink, nil)

	for i := 1; i <= 5; i++ {
		require.NoError(t, mgr.Send(w.Ref(), i, token.External))
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for messages")
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, received)
}

func TestSendAfterStopReturnsStopped(t *testing.T) {
	mgr := worker.NewManager("n1", nil)
	w := mgr.CreateLocal("echo", []int{}, "t", worker.Invocation, 4, echoProcessor, nil, nil)
	require.NoError(t, mgr.Stop(w.Ref()))
	err := mgr.Send(w.Ref(), 1, token.External)
	require.ErrorIs(t, err, worker.ErrStopped)
}

func TestScheduleTimerFiresOnlyAfterClockAdvances(t *testing.T) {
	var received []int
	fired := make(chan struct{})
	sink := func(fromOp string, emit map[string][]any, emitInv map[string][]worker.EmittedValue, inv token.Invocation) error {
		for _, v := range emit["out"] {
			received = append(received, v.(int))
		}
		close(fired)
		return nil
	}
	mgr := worker.NewManager("n1", nil)
	w := mgr.CreateLocal("echo", []int{}, "t", worker.Deployment, 4, echoProcessor, sink, nil)

	start := time.Now()
	c := clock.New(start)
	worker.ScheduleTimer(c, w, 10*time.Second, 99, token.External)

	select {
	case <-fired:
		t.Fatal("timer fired before the clock advanced past its deadline")
	case <-time.After(50 * time.Millisecond):
	}

	c.Set(start.Add(20 * time.Second))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired after the clock advanced")
	}
	require.Equal(t, []int{99}, received)
}

type fakeRemote struct{ alive bool }

func (f fakeRemote) SendRemote(node string, ref worker.Ref, env worker.Envelope) error { return nil }
func (f fakeRemote) NodeAlive(node string) bool                                        { return f.alive }

func TestSendToDownNodeReturnsNodeDown(t *testing.T) {
	mgr := worker.NewManager("n1", fakeRemote{alive: false})
	ref := worker.Ref{Host: "n2", ID: "w1"}
	err := mgr.Send(ref, 1, token.External)
	var down *worker.ErrNodeDown
	require.ErrorAs(t, err, &down)
	require.Equal(t, "n2", down.Node)
}
