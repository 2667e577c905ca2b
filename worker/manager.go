package worker

import (
	"fmt"
	"sync"

	"github.com/softwarelanguageslab/skitter/token"
)

// ErrNodeDown is returned when a destination worker's node has left
// the cluster (spec.md §4.6/§7 NodeDown). The sending strategy decides
// whether to retry or propagate; the router's default policy is
// log-and-drop (spec.md §7).
type ErrNodeDown struct {
	Node string
}

func (e *ErrNodeDown) Error() string { return fmt.Sprintf("node down: %s", e.Node) }

// RemoteSender delivers an envelope to a worker that lives on another
// node. package cluster supplies the concrete implementation over the
// wire protocol; keeping it as an interface here lets worker be
// tested with an in-memory stand-in with no network at all.
type RemoteSender interface {
	SendRemote(node string, ref Ref, env Envelope) error
	NodeAlive(node string) bool
}

// Manager owns every worker live on one node: the local half of the
// Worker component in spec.md §2. A single mutex-guarded map keyed by
// worker ID; workers here are long-lived mailboxes rather than
// one-shot executions.
type Manager struct {
	node   string
	remote RemoteSender

	mu      sync.RWMutex
	workers map[string]*Worker
	nextID  uint64
}

func NewManager(node string, remote RemoteSender) *Manager {
	return &Manager{node: node, remote: remote, workers: make(map[string]*Worker)}
}

func (m *Manager) Node() string { return m.node }

// SetRemote wires the RemoteSender after construction, breaking the
// otherwise-circular initialization order between a Manager and the
// transport it is handed to: package cluster's Transport needs a
// *Manager to dispatch inbound WORKER_MSG frames into, and the Manager
// needs that same Transport as its RemoteSender.
func (m *Manager) SetRemote(r RemoteSender) { m.remote = r }

// CreateLocal spawns a worker on this node and registers it.
// create_local and create_remote with identical inputs return distinct
// worker refs but indistinguishable initial state (spec.md §8
// property 6) because each call mints a fresh ID and starts the
// Processor loop from the same initialState value.
func (m *Manager) CreateLocal(operation string, initialState any, tag string, lifetime Lifetime, mailboxSize int, process Processor, sink Sink, onError OnError) *Worker {
	ref := Ref{Host: m.node, ID: m.freshID()}
	w := Spawn(ref, operation, initialState, tag, lifetime, mailboxSize, process, sink, onError)
	m.mu.Lock()
	m.workers[ref.ID] = w
	m.mu.Unlock()
	return w
}

func (m *Manager) freshID() string {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	return fmt.Sprintf("w%d", id)
}

// Lookup finds a worker registered on this node.
func (m *Manager) Lookup(id string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	return w, ok
}

// Send routes message to ref, locally if ref.Host is this node,
// otherwise over RemoteSender. Returns ErrNodeDown if the destination
// node has left the cluster.
func (m *Manager) Send(ref Ref, message any, inv token.Invocation) error {
	if ref.Host == m.node {
		w, ok := m.Lookup(ref.ID)
		if !ok {
			return ErrStopped
		}
		return w.Send(message, inv)
	}
	if m.remote == nil || !m.remote.NodeAlive(ref.Host) {
		return &ErrNodeDown{Node: ref.Host}
	}
	if err := m.remote.SendRemote(ref.Host, ref, Envelope{Message: message, Invocation: inv}); err != nil {
		return &ErrNodeDown{Node: ref.Host}
	}
	return nil
}

// Stop stops and deregisters the worker ref, a no-op if it is remote
// or already gone.
func (m *Manager) Stop(ref Ref) error {
	if ref.Host != m.node {
		return nil
	}
	m.mu.Lock()
	w, ok := m.workers[ref.ID]
	if ok {
		delete(m.workers, ref.ID)
	}
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
	return nil
}

// StopAll stops every worker owned by this manager, whatever its
// lifetime and whichever deployment created it; used when a workflow's
// manager handle is closed (spec.md §4.7 step 8) and at node shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for id, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

// ReapIdleInvocations stops every Invocation-lifetime worker with no
// pending messages (spec.md E6). Nothing in this module schedules it;
// a caller runs it as a sweep.
func (m *Manager) ReapIdleInvocations() int {
	m.mu.Lock()
	candidates := make([]*Worker, 0)
	for _, w := range m.workers {
		if w.Lifetime() == Invocation {
			candidates = append(candidates, w)
		}
	}
	m.mu.Unlock()
	n := 0
	for _, w := range candidates {
		if w.RetireIfIdle() {
			m.mu.Lock()
			delete(m.workers, w.Ref().ID)
			m.mu.Unlock()
			n++
		}
	}
	return n
}

// Len reports the number of workers currently registered locally.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}
