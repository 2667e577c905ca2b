package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/cluster"
	"github.com/softwarelanguageslab/skitter/storage"
)

func newMaster(t *testing.T, onUp cluster.UpNotifier, onDown cluster.DownNotifier) *cluster.Master {
	registry := cluster.NewRegistry(storage.NewMemStore())
	tags := cluster.NewTags(storage.NewMemStore())
	return cluster.NewMaster(nil, registry, tags, onUp, onDown)
}

func TestConnectVerifyRegisters(t *testing.T) {
	var upNode string
	var upTags []string
	m := newMaster(t, func(node string, tags []string) { upNode, upTags = node, tags }, nil)

	m.Connect("w1")
	st, ok := m.StateOf("w1")
	require.True(t, ok)
	require.Equal(t, cluster.Verifying, st)

	reason := m.Verify("w1", cluster.ModeWorker, []string{"gpu"})
	require.Equal(t, cluster.ReasonNone, reason)

	st, _ = m.StateOf("w1")
	require.Equal(t, cluster.Connected, st)
	require.Equal(t, "w1", upNode)
	require.Equal(t, []string{"gpu"}, upTags)
	require.Contains(t, m.Members(), "w1")
}

func TestVerifyModeMismatchDisconnects(t *testing.T) {
	m := newMaster(t, nil, nil)
	m.Connect("w1")
	reason := m.Verify("w1", cluster.ModeMaster, nil)
	require.Equal(t, cluster.ReasonModeMismatch, reason)
	st, _ := m.StateOf("w1")
	require.Equal(t, cluster.Disconnected, st)
}

// TestDownRemovesFromStoresAndNotifies is groundwork for the E5 node
// loss scenario: once a connected node goes down, it disappears from
// Members and onDown fires so senders start getting NodeDown.
func TestDownRemovesFromStoresAndNotifies(t *testing.T) {
	var downed string
	m := newMaster(t, nil, func(node string) { downed = node })
	m.Connect("w1")
	m.Verify("w1", cluster.ModeWorker, []string{"gpu"})
	require.Contains(t, m.Members(), "w1")

	m.Down("w1")
	require.Equal(t, "w1", downed)
	require.NotContains(t, m.Members(), "w1")
}

func TestDownOnNeverConnectedIsNoop(t *testing.T) {
	var downed string
	m := newMaster(t, nil, func(node string) { downed = node })
	m.Down("ghost")
	require.Empty(t, downed)
}

func TestWorkerViewMasterDownRetainsOnlySelf(t *testing.T) {
	w := cluster.NewWorkerView(nil, "self")
	w.MasterUp(map[string][]string{"peer1": {"gpu"}})
	require.True(t, w.Alive("peer1"))
	require.True(t, w.Alive("self"))

	w.MasterDown()
	require.False(t, w.Alive("peer1"))
	require.True(t, w.Alive("self"))
	require.False(t, w.MasterAlive())
}

func TestTagsAddRemove(t *testing.T) {
	tags := cluster.NewTags(storage.NewMemStore())
	require.NoError(t, tags.Add("gpu", "w1"))
	require.NoError(t, tags.Add("gpu", "w2"))
	members, err := tags.Members("gpu")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"w1", "w2"}, members)

	require.NoError(t, tags.Remove("gpu", "w1"))
	members, err = tags.Members("gpu")
	require.NoError(t, err)
	require.Equal(t, []string{"w2"}, members)
}
