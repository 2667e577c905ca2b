// Package op implements the operation registry and callback executor
// described in spec.md §4.1: operations are static, immutable
// descriptors; callbacks are pure functions of (state, config, args)
// expressed through the five-primitive IR (read_state, read_field,
// write_state, write_field, emit).
//
// A Registry (NewRegistry) is a lock-guarded map: operations are
// registered once at program start and looked up by name at deploy
// time, never held by direct pointer. Looking operations up by name
// rather than holding a pointer is what lets an operation's default
// strategy and a strategy's own worker operations reference each other
// without an ownership cycle (see spec.md §9 "Cycle between operation
// and strategy").
package op

import (
	"fmt"
	"sort"
	"sync"
)

// Port is the 0-based index of a named port within an operation's
// in_ports or out_ports list.
type Port int

// CallbackKey identifies a callback by name and arity; operations may
// overload a callback name across arities (e.g. react/1 vs react/2).
type CallbackKey struct {
	Name  string
	Arity int
}

func (k CallbackKey) String() string {
	return fmt.Sprintf("%s/%d", k.Name, k.Arity)
}

// CallbackInfo records the effects a callback body has, as derived by
// static inspection of the IR program. A strategy may assume these are
// faithful: a callback whose info says ReadsState=false genuinely never
// looks at the state it is handed.
type CallbackInfo struct {
	ReadsState  bool
	WritesState bool
	Emits       bool
}

// Callback is an IR program: a pure function of (state, config, args)
// that runs against an Env and returns a Result. The surface DSL the
// spec describes as out of scope for this core is expected to compile
// down to exactly this signature.
type Callback func(env *Env, config any, args []any) any

// Operation is the static, immutable descriptor of a computation unit.
// Once registered an Operation is never mutated; strategies resolve to
// one another by name through a Registry, not by holding a pointer.
type Operation struct {
	name            string
	inPorts         []string
	outPorts        []string
	defaultStrategy string
	initialState    any
	callbacks       map[CallbackKey]Callback
	callbackInfo    map[CallbackKey]CallbackInfo
}

// Builder assembles an Operation. Operations are immutable once built,
// so construction is kept separate from the read-only descriptor used
// at runtime.
type Builder struct {
	op *Operation
}

// New starts building an operation named name.
func New(name string) *Builder {
	return &Builder{op: &Operation{
		name:         name,
		callbacks:    map[CallbackKey]Callback{},
		callbackInfo: map[CallbackKey]CallbackInfo{},
	}}
}

// InPorts sets the ordered, unique in-port names.
func (b *Builder) InPorts(ports ...string) *Builder {
	b.op.inPorts = append([]string(nil), ports...)
	return b
}

// OutPorts sets the ordered, unique out-port names.
func (b *Builder) OutPorts(ports ...string) *Builder {
	b.op.outPorts = append([]string(nil), ports...)
	return b
}

// DefaultStrategy names the strategy used when a workflow node omits
// an explicit strategy reference.
func (b *Builder) DefaultStrategy(name string) *Builder {
	b.op.defaultStrategy = name
	return b
}

// InitialState sets the state a fresh worker of this operation starts
// with, and the state a restarted worker is reset to after a
// CallbackFailure (spec.md §7).
func (b *Builder) InitialState(s any) *Builder {
	b.op.initialState = s
	return b
}

// Callback registers fn under name/arity along with its statically
// derived effect summary. Testable property 1 in spec.md §8 requires
// that summary to match a dynamic trace; Trace (executor.go) is the
// tool a build step or test harness uses to compute it.
func (b *Builder) Callback(name string, arity int, info CallbackInfo, fn Callback) *Builder {
	k := CallbackKey{Name: name, Arity: arity}
	b.op.callbacks[k] = fn
	b.op.callbackInfo[k] = info
	return b
}

// Build validates port uniqueness (spec.md §3 invariant) and returns
// the finished, immutable Operation.
func (b *Builder) Build() (*Operation, error) {
	if err := checkUnique("in_port", b.op.inPorts); err != nil {
		return nil, &DefinitionError{Op: b.op.name, Err: err}
	}
	if err := checkUnique("out_port", b.op.outPorts); err != nil {
		return nil, &DefinitionError{Op: b.op.name, Err: err}
	}
	return b.op, nil
}

func checkUnique(kind string, names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("duplicate %s %q", kind, n)
		}
		seen[n] = true
	}
	return nil
}

// DefinitionError is a fatal error about a malformed operation. Build
// returns it at load time for duplicate ports; Call returns it at run
// time for a missing callback, and router.Sink for an emit to an
// undeclared out-port or an emit/emit_invocation collision on one port.
type DefinitionError struct {
	Op  string
	Err error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("operation %q: %v", e.Op, e.Err)
}
func (e *DefinitionError) Unwrap() error { return e.Err }

func (o *Operation) Name() string { return o.name }

func (o *Operation) InPorts() []string  { return o.inPorts }
func (o *Operation) OutPorts() []string { return o.outPorts }

// Arity is the operation's input arity, |in_ports|.
func (o *Operation) Arity() int { return len(o.inPorts) }

func (o *Operation) Strategy() string  { return o.defaultStrategy }
func (o *Operation) InitialState() any { return o.initialState }

// InPortIndex resolves a port name to its 0-based index, or -1.
func (o *Operation) InPortIndex(name string) int { return index(o.inPorts, name) }

// OutPortIndex resolves a port name to its 0-based index, or -1.
func (o *Operation) OutPortIndex(name string) int { return index(o.outPorts, name) }

func index(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// Callbacks returns the set of (name, arity) pairs this operation
// implements, sorted for deterministic iteration.
func (o *Operation) Callbacks() []CallbackKey {
	keys := make([]CallbackKey, 0, len(o.callbacks))
	for k := range o.callbacks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Arity < keys[j].Arity
	})
	return keys
}

// CallbackInfo returns the registered effect summary for name/arity.
func (o *Operation) CallbackInfo(name string, arity int) (CallbackInfo, bool) {
	info, ok := o.callbackInfo[CallbackKey{Name: name, Arity: arity}]
	return info, ok
}

func (o *Operation) has(name string, arity int) (Callback, bool) {
	fn, ok := o.callbacks[CallbackKey{Name: name, Arity: arity}]
	return fn, ok
}

// Registry holds every Operation registered at program start. It is a
// process-wide read-mostly table with single-writer/many-reader
// semantics, the same discipline spec.md §9 requires of the Registry
// and Tags cluster stores.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewRegistry returns an empty operation registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Register adds op under its own name, overwriting any prior entry.
func (r *Registry) Register(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.name] = op
}

// Lookup resolves an operation by name.
func (r *Registry) Lookup(name string) (*Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names returns every registered operation name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
