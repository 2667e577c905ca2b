package op

import "fmt"

// MissingField is returned by read_field/write_field when state is not
// a record, or does not have the requested field.
type MissingField struct {
	Field string
}

func (e *MissingField) Error() string {
	return fmt.Sprintf("missing field %q", e.Field)
}

// Record is the representation of "state is a record" that
// read_field/write_field operate against. A callback whose state is
// not a Record hitting read_field/write_field fails with MissingField,
// matching spec.md §4.1.
type Record map[string]any

// Env is the mutable scratchpad threaded through one callback
// invocation. It accumulates the five IR primitives from spec.md
// §4.1 and is built fresh per call and discarded afterwards -- it
// carries no state across invocations itself, the callback's
// returned state does that.
type Env struct {
	state       any
	wroteState  bool
	readState   bool
	readField   bool
	writeField  bool
	emit        map[string][]any
	emitted     bool
	value       any
	err         error
}

func newEnv(state any) *Env {
	return &Env{state: state, emit: map[string][]any{}}
}

// ReadState implements the read_state primitive.
func (e *Env) ReadState() any {
	e.readState = true
	return e.state
}

// ReadField implements the read_field primitive.
func (e *Env) ReadField(field string) any {
	e.readField = true
	e.readState = true
	rec, ok := e.state.(Record)
	if !ok {
		e.fail(&MissingField{Field: field})
		return nil
	}
	v, ok := rec[field]
	if !ok {
		e.fail(&MissingField{Field: field})
		return nil
	}
	return v
}

// WriteState implements the write_state primitive.
func (e *Env) WriteState(v any) {
	e.state = v
	e.wroteState = true
}

// WriteField implements the write_field primitive.
func (e *Env) WriteField(field string, v any) {
	e.writeField = true
	rec, ok := e.state.(Record)
	if !ok {
		e.fail(&MissingField{Field: field})
		return
	}
	next := make(Record, len(rec)+1)
	for k, v := range rec {
		next[k] = v
	}
	next[field] = v
	e.state = next
	e.wroteState = true
}

// Emit implements the emit primitive: emit[port] <- seq, overwriting
// any prior value set for that port during this call.
func (e *Env) Emit(port string, seq []any) {
	e.emit[port] = seq
	e.emitted = true
}

// Return sets the value of the callback's final expression.
func (e *Env) Return(v any) {
	e.value = v
}

func (e *Env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Result is the outcome of one callback invocation, per spec.md §3.
type Result struct {
	Value any
	State any
	Emit  map[string][]any
}

// Call runs name/len(args) against state with config and args and
// returns its Result. It returns a *DefinitionError if the callback
// is not registered, rather than the spec.md §4.1 default Result
// CallIfExists falls back to -- use Call for code paths that require
// the callback to exist, CallIfExists otherwise.
func (o *Operation) Call(name string, state, config any, args []any) (Result, error) {
	fn, ok := o.has(name, len(args))
	if !ok {
		return Result{}, &DefinitionError{Op: o.name, Err: fmt.Errorf("no callback %s/%d", name, len(args))}
	}
	return runCallback(fn, state, config, args)
}

// CallIfExists runs name/len(args) if registered, otherwise returns
// the spec.md §4.1 default Result{value: nil, state: initial_state,
// emit: empty} without invoking anything.
func (o *Operation) CallIfExists(name string, state, config any, args []any) (Result, error) {
	fn, ok := o.has(name, len(args))
	if !ok {
		return Result{Value: nil, State: o.initialState, Emit: map[string][]any{}}, nil
	}
	return runCallback(fn, state, config, args)
}

func runCallback(fn Callback, state, config any, args []any) (Result, error) {
	env := newEnv(state)
	value := fn(env, config, args)
	if env.err != nil {
		return Result{}, env.err
	}
	if env.value == nil {
		env.value = value
	}
	finalState := env.state
	if !env.wroteState {
		finalState = state
	}
	return Result{Value: env.value, State: finalState, Emit: env.emit}, nil
}

// Trace runs fn once purely to observe which IR primitives it touches,
// and returns the CallbackInfo a build step would derive by static
// inspection. Testable property 1 (spec.md §8) exercises this against
// a hand-written CallbackInfo across many random inputs to check that
// the two never disagree.
func Trace(fn Callback, state, config any, args []any) (CallbackInfo, error) {
	env := newEnv(state)
	fn(env, config, args)
	if env.err != nil {
		return CallbackInfo{}, env.err
	}
	return CallbackInfo{
		ReadsState:  env.readState || env.readField,
		WritesState: env.wroteState,
		Emits:       env.emitted,
	}, nil
}
