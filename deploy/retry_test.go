package deploy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/placement"
	"github.com/softwarelanguageslab/skitter/strategy"
)

// flakyNode reports a node as down for its first few Alive checks, then
// up -- a cluster still converging right after a membership change.
type flakyNode struct {
	name      string
	failUntil int
	calls     int
}

func (f *flakyNode) Cores() []string { return []string{f.name} }
func (f *flakyNode) HostOf(string) (string, bool) { return f.name, true }
func (f *flakyNode) Alive(node string) bool {
	f.calls++
	return f.calls > f.failUntil
}

// TestPlaceWithRetryRecoversFromTransientPlacementError is the
// deploy-side half of placement.RetryBackoff's contract: a
// PlacementError from a node that has not shown up as alive yet is
// retried rather than failing CreateRemote outright, per spec.md §7.
func TestPlaceWithRetryRecoversFromTransientPlacementError(t *testing.T) {
	node := &flakyNode{name: "n2", failUntil: 2}
	rt := &nodeRuntime{deployer: &Deployer{placement: placement.NewService(node)}}

	got, err := rt.placeWithRetry(strategy.Constraints{On: "n2"})
	require.NoError(t, err)
	require.Equal(t, "n2", got)
	require.GreaterOrEqual(t, node.calls, 3)
}

// TestPlaceWithRetryGivesUpEventually covers the give-up path: a
// constraint that never becomes satisfiable returns an error once the
// backoff's MaxElapsedTime has passed instead of retrying forever.
func TestPlaceWithRetryGivesUpEventually(t *testing.T) {
	node := &flakyNode{name: "n2", failUntil: 1 << 30}
	rt := &nodeRuntime{deployer: &Deployer{placement: placement.NewService(node)}}

	b := placement.RetryBackoff()
	b.MaxElapsedTime = 1
	_, err := rt.placeWithRetryUsing(strategy.Constraints{On: "n2"}, b)
	require.Error(t, err)
}
