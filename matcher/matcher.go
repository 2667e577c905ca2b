// Package matcher implements the per-invocation token buffer for
// multi-input operations (spec.md §3 "Matcher", §4.4): an operation
// with arity > 1 does not run until one record has arrived on every
// in-port for the same invocation, so the matcher accumulates partial
// token sets keyed by invocation and reports Ready once a set
// completes.
//
// It tags each arriving record by its source in-port and buffers until
// complete, keyed by invocation instead of assuming a single in-flight
// set, and
// returns a value instead of calling straight into a receiver, since
// multiple invocations can be in flight concurrently on the same
// operation instance.
package matcher

import (
	"sync"

	"github.com/softwarelanguageslab/skitter/token"
)

// Set holds the records received so far for one invocation, indexed by
// in-port.
type Set struct {
	Arity   int
	Records []any // Records[i] is meaningless until filledPorts[i] is true.
	filled  int
	// filledPorts[i] tracks whether port i has received a record,
	// independent of what that record's value is -- a legitimately
	// nil record must still count toward completion, so completion
	// cannot be read off whether Records[i] == nil.
	filledPorts []bool
}

func newSet(arity int) *Set {
	return &Set{Arity: arity, Records: make([]any, arity), filledPorts: make([]bool, arity)}
}

// Ready reports whether every port has a record.
func (s *Set) Ready() bool { return s.filled == s.Arity }

// Matcher buffers partial per-invocation token sets for one operation
// instance. Safe for concurrent use by the router's delivery goroutines.
type Matcher struct {
	arity int

	mu      sync.Mutex
	pending map[token.Invocation]*Set
}

// New returns a matcher for an operation with the given in-port arity.
func New(arity int) *Matcher {
	return &Matcher{arity: arity, pending: make(map[token.Invocation]*Set)}
}

// Deliver records record as having arrived on in-port inPort for
// invocation inv. It returns the completed Set and true once every
// port for that invocation has a record; otherwise it returns nil,
// false and the caller should simply wait for the remaining ports.
//
// Delivering a second record to an already-filled port for the same
// invocation overwrites the earlier one -- spec.md does not define
// ordering among duplicate deliveries to one port of one invocation,
// so the most recent write wins, matching write_field's last-write
// semantics in the callback IR.
func (m *Matcher) Deliver(inv token.Invocation, inPort int, record any) (*Set, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pending[inv]
	if !ok {
		s = newSet(m.arity)
		m.pending[inv] = s
	}
	if !s.filledPorts[inPort] {
		s.filledPorts[inPort] = true
		s.filled++
	}
	s.Records[inPort] = record

	if !s.Ready() {
		return nil, false
	}
	delete(m.pending, inv)
	return s, true
}

// Pending reports how many invocations currently have an incomplete
// token set buffered, for diagnostics and the idle-GC sweep.
func (m *Matcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Abandon discards any partially-matched set for inv, used when an
// invocation-lifetime worker governing this operation is torn down.
func (m *Matcher) Abandon(inv token.Invocation) {
	m.mu.Lock()
	delete(m.pending, inv)
	m.mu.Unlock()
}
