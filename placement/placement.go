// Package placement implements the Placement service from spec.md
// §4.3/§4.6: picking a node for a new worker given a strategy's
// constraints (on/with/avoid), or round-robin across advertised
// worker cores by default.
//
// Keyed routing (spec.md E3: "records with the same key must always
// land on the same aggregator") is implemented with
// github.com/cespare/xxhash for a stable, non-randomized bucket hash,
// since Go's built-in map hashing is seeded per process and unsuitable
// for routing decisions that must agree across nodes and restarts.
package placement

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cespare/xxhash"

	"github.com/softwarelanguageslab/skitter/strategy"
)

// Error is a PlacementError per spec.md §7: constraints cannot be
// satisfied. Recoverable -- the strategy decides retry vs fail.
type Error struct {
	Constraints strategy.Constraints
	Reason      string
}

func (e *Error) Error() string { return "placement: " + e.Reason }

// NodeSource reports which nodes are currently members of the cluster
// and, for the "with"/"avoid" constraints, which node currently hosts
// a given worker.
type NodeSource interface {
	// Cores returns the set of currently connected worker nodes,
	// advertising their capacity as "worker cores" per spec.md §4.3.
	Cores() []string
	// HostOf returns the node a worker is currently placed on.
	HostOf(workerID string) (string, bool)
	// Alive reports whether node is currently a cluster member.
	Alive(node string) bool
}

// Service resolves placement constraints to a single node. It keeps a
// round-robin cursor for the default policy, matching the "round-robin
// across worker cores" rule in spec.md §4.3.
type Service struct {
	nodes  NodeSource
	cursor atomic.Uint64
}

func NewService(nodes NodeSource) *Service {
	return &Service{nodes: nodes}
}

// Place resolves constraints to a node name.
func (s *Service) Place(c strategy.Constraints) (string, error) {
	switch {
	case c.On != "":
		if !s.nodes.Alive(c.On) {
			return "", &Error{Constraints: c, Reason: "node " + c.On + " unreachable"}
		}
		return c.On, nil
	case c.With != "":
		host, ok := s.nodes.HostOf(c.With)
		if !ok {
			return "", &Error{Constraints: c, Reason: "worker " + c.With + " not found"}
		}
		return host, nil
	case c.Avoid != "":
		avoidHost, ok := s.nodes.HostOf(c.Avoid)
		cores := s.nodes.Cores()
		if len(cores) == 0 {
			return "", &Error{Constraints: c, Reason: "no worker cores available"}
		}
		for _, n := range cores {
			if !ok || n != avoidHost {
				return n, nil
			}
		}
		// No alternative: fall back to same node per spec.md §4.3.
		return avoidHost, nil
	default:
		return s.roundRobin()
	}
}

func (s *Service) roundRobin() (string, error) {
	cores := s.nodes.Cores()
	if len(cores) == 0 {
		return "", &Error{Reason: "no worker cores available"}
	}
	i := s.cursor.Add(1) - 1
	return cores[int(i%uint64(len(cores)))], nil
}

// KeyedNode deterministically maps an arbitrary routing key to one of
// the currently connected worker cores, so that every record sharing
// the same key (spec.md E3) always lands on the same node regardless
// of arrival order. The mapping is stable across calls for a fixed set
// of cores, but reshuffles if cores come or go -- callers that need
// stickiness across membership churn should pin with an explicit `on`
// constraint instead.
func KeyedNode(cores []string, key []byte) (string, bool) {
	if len(cores) == 0 {
		return "", false
	}
	h := xxhash.Sum64(key)
	return cores[h%uint64(len(cores))], true
}

// RetryBackoff returns an exponential backoff sequence for retrying a
// PlacementError, reset fresh for each independent retry campaign
// rather than shared across unrelated placement calls -- `Service`
// itself stays stateless between `Place` calls, so the campaign lives
// as long as the single retry loop that owns this value and no
// longer. Gives up after a minute, matching the teacher's own
// `MaxElapsedTime` bound on its reconnect backoffs in
// `services/influxdb/service.go`/`udf.go`.
func RetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	b.Reset()
	return b
}
