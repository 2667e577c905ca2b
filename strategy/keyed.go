package strategy

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/softwarelanguageslab/skitter/token"
)

// Keyed is the reference strategy behind spec.md's E3 scenario:
// "records with the same key must always land on the same
// aggregator". Deliver extracts a routing key from the incoming
// record with the operation's key/1 callback, then always forwards
// records sharing a key to the same deployment-lifetime worker,
// creating that worker lazily the first time its key is seen.
//
// Key -> worker assignment uses github.com/cespare/xxhash the same way
// package placement uses it for key -> node assignment (spec.md E3);
// here it only needs to pick a stable bucket among the workers this
// strategy itself has already created, not a node, so it is computed
// locally rather than reusing placement.KeyedNode.
type keyedNode struct {
	workers map[int]WorkerRef // bucket -> worker, populated lazily
	initial any
}

// Keyed is registered once and shared by every keyed node in every
// deployment, so its per-node state (bucket->worker map, initial
// state) is kept in a map keyed by node rather than on the strategy
// itself -- otherwise two unrelated keyed nodes would corrupt each
// other's bucket assignments.
type Keyed struct {
	mu      sync.Mutex
	buckets int
	nodes   map[token.NodeRef]*keyedNode
}

// NewKeyed returns a keyed strategy that spreads keys across buckets
// distinct workers. buckets <= 0 defaults to 1 (every key shares one
// worker, degenerating to Direct's delivery shape but keeping Keyed's
// key-based routing semantics testable with a single bucket).
func NewKeyed(buckets int) *Keyed {
	if buckets <= 0 {
		buckets = 1
	}
	return &Keyed{buckets: buckets, nodes: map[token.NodeRef]*keyedNode{}}
}

func (s *Keyed) Name() string { return "keyed" }

func (s *Keyed) Deploy(ctx Context, rt Runtime, args map[string]any) (any, error) {
	if err := RequireCallback("keyed", ctx.Operation, "key", 1); err != nil {
		return nil, err
	}
	if err := RequireCallback("keyed", ctx.Operation, "react", 1); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nodes[ctx.Node] = &keyedNode{workers: map[int]WorkerRef{}, initial: ctx.Operation.InitialState()}
	s.mu.Unlock()
	return nil, nil
}

func (s *Keyed) Deliver(ctx Context, rt Runtime, record any, inPort int) error {
	keyRes, err := ctx.Operation.Call("key", nil, nil, []any{record})
	if err != nil {
		return err
	}
	bucket := s.bucketFor(keyRes.Value)

	s.mu.Lock()
	kn := s.nodes[ctx.Node]
	w, ok := kn.workers[bucket]
	s.mu.Unlock()
	if !ok {
		var cerr error
		w, cerr = rt.CreateLocal(kn.initial, "aggregator", Deployment)
		if cerr != nil {
			return cerr
		}
		s.mu.Lock()
		// Another delivery may have raced us to create this bucket's
		// worker; keep whichever was stored first so every record for
		// this key converges on one worker (spec.md E3).
		if existing, ok := kn.workers[bucket]; ok {
			w = existing
		} else {
			kn.workers[bucket] = w
		}
		s.mu.Unlock()
	}
	return rt.Send(w, record, ctx.Invocation)
}

func (s *Keyed) Process(ctx Context, message any, workerState any, workerTag string) (ProcessResult, error) {
	res, err := ctx.Operation.Call("react", workerState, nil, []any{message})
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{State: res.State, HasState: true, Emit: res.Emit}, nil
}

func (s *Keyed) bucketFor(key any) int {
	h := xxhash.Sum64String(keyString(key))
	return int(h % uint64(s.buckets))
}

func keyString(key any) string {
	if s, ok := key.(string); ok {
		return s
	}
	return fmt.Sprint(key)
}
