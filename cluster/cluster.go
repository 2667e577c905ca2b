// Package cluster implements the master/worker membership protocol of
// spec.md §4.6: a master runs one FSM per remote worker
// (disconnected -> verifying -> connected -> disconnected) and records
// live membership in a Registry (node -> tags) and Tags (tag -> nodes)
// store; workers track the master's up/down events and, when the
// master is down, retain only themselves.
//
// The Registry/Tags stores are storage.Interface key/value stores
// (spec.md §5: "single-writer/many-reader discipline"), the same
// constant-store abstraction the deployer uses for its link-table.
// The FSM's state names and transition labels are taken verbatim from
// the membership diagram; its event-driven Step drives a small
// explicit state transition on every incoming event rather than using
// a generic FSM library.
package cluster

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/softwarelanguageslab/skitter/storage"
)

// State is one FSM state for a remote tracked by the master.
type State int

const (
	Disconnected State = iota
	Verifying
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Verifying:
		return "verifying"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reason records why a remote left the Connected state.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonModeMismatch Reason = "mode_mismatch"
	ReasonRejected     Reason = "rejected"
	ReasonLoss         Reason = "loss"
)

// Mode is the peer's advertised role, checked during Verifying.
type Mode string

const (
	ModeMaster Mode = "master"
	ModeWorker Mode = "worker"
	ModeLocal  Mode = "local"
)

// Remote is the master's per-node FSM plus its advertised tags.
type Remote struct {
	Node          string
	Tags          []string
	State         State
	everConnected bool
	admitted      bool
	readmissions  int
}

// DownNotifier is told when a node transitions to Disconnected from
// Connected, so the router/worker manager on this node can fail
// subsequent sends to that node's workers with NodeDown (spec.md §5
// "Failure isolation").
type DownNotifier func(node string)

// UpNotifier is told when a node becomes Connected.
type UpNotifier func(node string, tags []string)

// Master owns one FSM per remote worker, persisting membership into
// the Registry/Tags stores as transitions land.
type Master struct {
	log *zap.Logger

	registry *Registry
	tags     *Tags

	mu      sync.Mutex
	remotes map[string]*Remote

	onUp   UpNotifier
	onDown DownNotifier
}

// NewMaster returns a master membership tracker writing into registry
// and tags, notifying onUp/onDown (either may be nil) on transitions.
func NewMaster(log *zap.Logger, registry *Registry, tags *Tags, onUp UpNotifier, onDown DownNotifier) *Master {
	if log == nil {
		log = zap.NewNop()
	}
	return &Master{
		log:      log,
		registry: registry,
		tags:     tags,
		remotes:  make(map[string]*Remote),
		onUp:     onUp,
		onDown:   onDown,
	}
}

// Connect begins the handshake for node, spec.md "connect(node):
// attempt network handshake -> verifying".
func (m *Master) Connect(node string) {
	m.mu.Lock()
	r, ok := m.remotes[node]
	if !ok {
		r = &Remote{Node: node}
		m.remotes[node] = r
	}
	r.State = Verifying
	m.mu.Unlock()
	m.log.Info("cluster: connecting", zap.String("node", node))
}

// Verify applies the peer's advertised mode and tags. A peer that is
// not advertising mode=worker fails verification with mode_mismatch,
// per spec.md "verify: peer must advertise mode = worker; else
// transition to disconnected with reason mode_mismatch".
func (m *Master) Verify(node string, mode Mode, tags []string) Reason {
	m.mu.Lock()
	r, ok := m.remotes[node]
	if !ok || r.State != Verifying {
		m.mu.Unlock()
		return ReasonRejected
	}
	if mode != ModeWorker {
		r.State = Disconnected
		m.mu.Unlock()
		m.log.Warn("cluster: mode mismatch", zap.String("node", node), zap.String("mode", string(mode)))
		return ReasonModeMismatch
	}
	// A node verifying again after Down removed it is a readmission
	// (spec.md §9's "treat as lost" Open Question, resolved per
	// SPEC_FULL.md item 4: record the epoch explicitly rather than
	// silently treating the new connection as a continuation of the old
	// one). A heartbeat re-announcement from a node that is still
	// admitted is neither a readmission nor a new up event.
	reannounce := r.admitted
	if r.everConnected && !r.admitted {
		r.readmissions++
	}
	r.everConnected = true
	r.admitted = true
	r.Tags = tags
	r.State = Connected
	m.mu.Unlock()

	m.registry.Put(node, tags)
	for _, t := range tags {
		m.tags.Add(t, node)
	}
	if reannounce {
		return ReasonNone
	}
	m.log.Info("cluster: registered", zap.String("node", node), zap.Strings("tags", tags))
	if m.onUp != nil {
		m.onUp(node, tags)
	}
	return ReasonNone
}

// Down removes node from the Registry/Tags stores and fires onDown,
// spec.md "down: monitor fires -> remove from both stores, strategies
// holding workers on that node must fail subsequent sends with
// node-down".
func (m *Master) Down(node string) {
	m.mu.Lock()
	r, ok := m.remotes[node]
	wasConnected := ok && r.State == Connected
	if ok {
		r.State = Disconnected
	}
	if wasConnected {
		r.admitted = false
	}
	m.mu.Unlock()
	if !wasConnected {
		return
	}

	tags, _ := m.registry.Get(node)
	m.registry.Delete(node)
	for _, t := range tags {
		m.tags.Remove(t, node)
	}
	m.log.Warn("cluster: node down", zap.String("node", node))
	if m.onDown != nil {
		m.onDown(node)
	}
}

// StateOf reports the current FSM state for node.
func (m *Master) StateOf(node string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remotes[node]
	if !ok {
		return Disconnected, false
	}
	return r.State, true
}

// ReadmissionEpoch reports how many times node has been admitted again
// after Down removed it, so a strategy holding state keyed
// by node identity can detect "this is a new incarnation of a node I
// used to know" instead of assuming silent continuity.
func (m *Master) ReadmissionEpoch(node string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remotes[node]
	if !ok {
		return 0
	}
	return r.readmissions
}

// Alive reports whether node is currently Connected, satisfying the
// narrow liveness check a RemoteSender needs before attempting delivery.
func (m *Master) Alive(node string) bool {
	s, ok := m.StateOf(node)
	return ok && s == Connected
}

// Members lists every currently Connected worker node.
func (m *Master) Members() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.remotes {
		if r.State == Connected {
			out = append(out, r.Node)
		}
	}
	return out
}

// WorkerView is the symmetric half of the protocol kept by a worker
// node: it tracks the master's liveness and, once subscribed, a cache
// of every other worker's up/down state (spec.md "workers track the
// master: master_up triggers subscription to worker-up/down events so
// each worker node knows every other worker. On master_down, the
// worker clears its view and retains only itself").
type WorkerView struct {
	self string
	log  *zap.Logger

	mu       sync.Mutex
	masterUp bool
	peers    map[string][]string // node -> tags
}

func NewWorkerView(log *zap.Logger, self string) *WorkerView {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerView{self: self, log: log, peers: make(map[string][]string)}
}

// MasterUp subscribes to membership updates; initial is the full
// worker-up snapshot the master sends upon subscription.
func (w *WorkerView) MasterUp(initial map[string][]string) {
	w.mu.Lock()
	w.masterUp = true
	w.peers = make(map[string][]string, len(initial))
	for n, tags := range initial {
		w.peers[n] = tags
	}
	w.mu.Unlock()
	w.log.Info("cluster: master up")
}

// MasterDown clears every peer but self, per spec.md's "retains only
// itself" rule.
func (w *WorkerView) MasterDown() {
	w.mu.Lock()
	w.masterUp = false
	w.peers = map[string][]string{}
	w.mu.Unlock()
	w.log.Warn("cluster: master down")
}

func (w *WorkerView) PeerUp(node string, tags []string) {
	w.mu.Lock()
	w.peers[node] = tags
	w.mu.Unlock()
}

func (w *WorkerView) PeerDown(node string) {
	w.mu.Lock()
	delete(w.peers, node)
	w.mu.Unlock()
}

func (w *WorkerView) Alive(node string) bool {
	if node == w.self {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.peers[node]
	return ok
}

func (w *WorkerView) MasterAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.masterUp
}

// Registry is the "node -> advertised tags" constant store, written
// only by the master's Verify/Down transitions and read by placement
// (spec.md §4.6).
type Registry struct {
	store storage.Interface
}

func NewRegistry(store storage.Interface) *Registry { return &Registry{store: store} }

func (r *Registry) Put(node string, tags []string) error {
	b, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	return r.store.Update(func(tx storage.Tx) error {
		return tx.Put(registryKey(node), b)
	})
}

func (r *Registry) Get(node string) ([]string, error) {
	var tags []string
	err := r.store.View(func(tx storage.ReadOnlyTx) error {
		kv, err := tx.Get(registryKey(node))
		if err != nil {
			return err
		}
		return json.Unmarshal(kv.Value, &tags)
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (r *Registry) Delete(node string) error {
	return r.store.Update(func(tx storage.Tx) error {
		return tx.Delete(registryKey(node))
	})
}

// Nodes lists every node currently recorded, sorted by the underlying
// store's List.
func (r *Registry) Nodes() ([]string, error) {
	var nodes []string
	err := r.store.View(func(tx storage.ReadOnlyTx) error {
		kvs, err := tx.List(registryPrefix)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			nodes = append(nodes, kv.Key[len(registryPrefix):])
		}
		return nil
	})
	return nodes, err
}

const registryPrefix = "registry/"

func registryKey(node string) string { return registryPrefix + node }

// Tags is the "tag -> member nodes" inverse index (spec.md §4.6),
// updated alongside Registry so placement can resolve a tag-based
// constraint to candidate nodes without scanning the whole Registry.
type Tags struct {
	store storage.Interface
}

func NewTags(store storage.Interface) *Tags { return &Tags{store: store} }

func (t *Tags) Add(tag, node string) error {
	return t.store.Update(func(tx storage.Tx) error {
		nodes := t.readLocked(tx, tag)
		for _, n := range nodes {
			if n == node {
				return nil
			}
		}
		nodes = append(nodes, node)
		return t.writeLocked(tx, tag, nodes)
	})
}

func (t *Tags) Remove(tag, node string) error {
	return t.store.Update(func(tx storage.Tx) error {
		nodes := t.readLocked(tx, tag)
		out := nodes[:0]
		for _, n := range nodes {
			if n != node {
				out = append(out, n)
			}
		}
		if len(out) == 0 {
			return tx.Delete(tagKey(tag))
		}
		return t.writeLocked(tx, tag, out)
	})
}

func (t *Tags) Members(tag string) ([]string, error) {
	var nodes []string
	err := t.store.View(func(tx storage.ReadOnlyTx) error {
		nodes = t.readLocked(tx, tag)
		return nil
	})
	return nodes, err
}

func (t *Tags) readLocked(tx storage.ReadOperator, tag string) []string {
	kv, err := tx.Get(tagKey(tag))
	if err != nil {
		return nil
	}
	var nodes []string
	_ = json.Unmarshal(kv.Value, &nodes)
	return nodes
}

func (t *Tags) writeLocked(tx storage.WriteOperator, tag string, nodes []string) error {
	b, err := json.Marshal(nodes)
	if err != nil {
		return err
	}
	return tx.Put(tagKey(tag), b)
}

const tagPrefix = "tags/"

func tagKey(tag string) string { return tagPrefix + tag }
