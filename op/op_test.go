package op_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/op"
)

// averageOperation builds the E1 end-to-end scenario from spec.md §8.
func averageOperation(t *testing.T) *op.Operation {
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

func TestE1Average(t *testing.T) {
	o := averageOperation(t)
	state := o.InitialState()
	var emissions []float64
	for _, v := range []float64{10, 20, 30} {
		res, err := o.Call("react", state, nil, []any{v})
		require.NoError(t, err)
		state = res.State
		emissions = append(emissions, res.Emit["current"][0].(float64))
	}
	rec := state.(op.Record)
	require.Equal(t, 60.0, rec["total"])
	require.Equal(t, 3.0, rec["count"])
	require.Equal(t, []float64{10.0, 15.0, 20.0}, emissions)
}

func TestCallIfExistsDefault(t *testing.T) {
	o, err := op.New("noop").InPorts("in").OutPorts("out").InitialState(42).Build()
	require.NoError(t, err)
	res, err := o.CallIfExists("react", 1, nil, []any{7})
	require.NoError(t, err)
	require.Nil(t, res.Value)
	require.Equal(t, 42, res.State)
	require.Empty(t, res.Emit)
}

func TestDuplicatePortIsDefinitionError(t *testing.T) {
	_, err := op.New("bad").InPorts("a", "a").Build()
	require.Error(t, err)
	var defErr *op.DefinitionError
	require.ErrorAs(t, err, &defErr)
}

// TestCallbackInfoAgreesWithTrace is testable property 1 from spec.md
// §8: for 100 random inputs, the statically declared CallbackInfo must
// agree with a dynamic trace of the callback body.
func TestCallbackInfoAgreesWithTrace(t *testing.T) {
	fn := func(env *op.Env, config any, args []any) any {
		v := args[0].(int)
		if v%2 == 0 {
			env.WriteState(env.ReadState().(int) + v)
		}
		if v%3 == 0 {
			env.Emit("out", []any{v})
		}
		return nil
	}
	declared := op.CallbackInfo{ReadsState: true, WritesState: true, Emits: true}

	rnd := rand.New(rand.NewSource(1))
	var observed op.CallbackInfo
	for i := 0; i < 100; i++ {
		v := rnd.Intn(200) - 100
		traced, err := op.Trace(fn, 0, nil, []any{v})
		require.NoError(t, err)
		observed.ReadsState = observed.ReadsState || traced.ReadsState
		observed.WritesState = observed.WritesState || traced.WritesState
		observed.Emits = observed.Emits || traced.Emits
		// A single trace may touch fewer primitives than declared, but
		// every primitive it does touch must be declared.
		if traced.ReadsState {
			require.True(t, declared.ReadsState)
		}
		if traced.WritesState {
			require.True(t, declared.WritesState)
		}
		if traced.Emits {
			require.True(t, declared.Emits)
		}
	}
	// Across all runs, every declared primitive must have been observed.
	require.Equal(t, declared, observed)
}
