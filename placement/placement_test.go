package placement_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/placement"
	"github.com/softwarelanguageslab/skitter/strategy"
)

type fakeNodes struct {
	cores []string
	hosts map[string]string
	down  map[string]bool
}

func (f fakeNodes) Cores() []string { return f.cores }
func (f fakeNodes) HostOf(id string) (string, bool) {
	h, ok := f.hosts[id]
	return h, ok
}
func (f fakeNodes) Alive(node string) bool { return !f.down[node] }

func TestPlaceRoundRobin(t *testing.T) {
	nodes := fakeNodes{cores: []string{"a", "b", "c"}}
	svc := placement.NewService(nodes)
	var seen []string
	for i := 0; i < 6; i++ {
		n, err := svc.Place(strategy.Constraints{})
		require.NoError(t, err)
		seen = append(seen, n)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, seen)
}

func TestPlaceOnUnreachable(t *testing.T) {
	nodes := fakeNodes{cores: []string{"a"}, down: map[string]bool{"a": true}}
	svc := placement.NewService(nodes)
	_, err := svc.Place(strategy.Constraints{On: "a"})
	require.Error(t, err)
}

func TestPlaceWithAndAvoid(t *testing.T) {
	nodes := fakeNodes{
		cores: []string{"a", "b"},
		hosts: map[string]string{"w1": "a"},
	}
	svc := placement.NewService(nodes)

	n, err := svc.Place(strategy.Constraints{With: "w1"})
	require.NoError(t, err)
	require.Equal(t, "a", n)

	n, err = svc.Place(strategy.Constraints{Avoid: "w1"})
	require.NoError(t, err)
	require.Equal(t, "b", n)
}

// TestKeyedNodeStable is the E3 property: the same key always lands on
// the same worker core for a fixed set of cores, regardless of how many
// times it is looked up.
func TestKeyedNodeStable(t *testing.T) {
	cores := []string{"a", "b", "c", "d"}
	keys := [][]byte{[]byte("alice"), []byte("bob"), []byte("carol")}
	first := map[string]string{}
	for _, k := range keys {
		n, ok := placement.KeyedNode(cores, k)
		require.True(t, ok)
		first[string(k)] = n
	}
	for trial := 0; trial < 50; trial++ {
		for _, k := range keys {
			n, _ := placement.KeyedNode(cores, k)
			require.Equal(t, first[string(k)], n)
		}
	}
}

func TestKeyedNodeNoCores(t *testing.T) {
	_, ok := placement.KeyedNode(nil, []byte("x"))
	require.False(t, ok)
}
