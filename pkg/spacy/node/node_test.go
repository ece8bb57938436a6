package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/spacy/pkg/spacy/config"
	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

func newTestNode(t *testing.T) (*Node, chan event.Event) {
	t.Helper()
	out := make(chan event.Event, 32)
	base := &config.BaseConfiguration{Logger: definition.NewLogger("test")}
	n := New(base, out)
	go n.Run()
	t.Cleanup(n.Stop)
	return n, out
}

func drainUntil(t *testing.T, out chan event.Event, kind event.Kind) event.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-out:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for kind %s", kind)
		}
	}
}

func TestNode_SoloClusterCommitsWithoutPeers(t *testing.T) {
	n, out := newTestNode(t)

	req := event.NewOutcoming(event.DestNode, event.KindUpdateSharedMemory, putInt32(1), []byte("hello"))
	n.Inbound <- req

	drainUntil(t, out, event.KindTransactionSucceeded)

	value, ok := n.Read(1)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), value)
}

func TestNode_PeerTransactionRequiresApproval(t *testing.T) {
	n, out := newTestNode(t)
	peer := definition.NewNodeID()
	n.peers.Add(peer)

	n.Inbound <- event.NewOutcoming(event.DestNode, event.KindUpdateSharedMemory, putInt32(2), []byte("v"))

	broadcast := drainUntil(t, out, event.KindBroadcastEvent)
	inner, _, err := event.Decode(broadcast.DataAt(0))
	require.NoError(t, err)
	require.Equal(t, event.KindRequestTransaction, inner.Kind)

	_, ok := n.Read(2)
	require.False(t, ok, "write must not apply before quorum approval")

	approve := event.New(event.DestNode, event.KindApproveTransaction, peer.Bytes())
	n.Inbound <- approve

	commit := drainUntil(t, out, event.KindBroadcastEvent)
	inner, _, err = event.Decode(commit.DataAt(0))
	require.NoError(t, err)
	require.Equal(t, event.KindCommitTransaction, inner.Kind)
	drainUntil(t, out, event.KindTransactionSucceeded)

	value, ok := n.Read(2)
	require.True(t, ok)
	require.Equal(t, []byte("v"), value)
}

func TestNode_DisconnectOfPendingApproverUnblocksStalledMaster(t *testing.T) {
	n, out := newTestNode(t)
	stayingPeer := definition.NewNodeID()
	droppingPeer := definition.NewNodeID()
	n.peers.Add(stayingPeer)
	n.peers.Add(droppingPeer)

	n.Inbound <- event.NewOutcoming(event.DestNode, event.KindUpdateSharedMemory, putInt32(4), []byte("v"))
	drainUntil(t, out, event.KindBroadcastEvent)

	n.Inbound <- event.New(event.DestNode, event.KindApproveTransaction, stayingPeer.Bytes())

	select {
	case e := <-out:
		t.Fatalf("master must not commit with only 1 of 2 approvals in: %s", e.Kind)
	case <-time.After(150 * time.Millisecond):
	}
	_, ok := n.Read(4)
	require.False(t, ok, "write must not apply before quorum approval")

	n.Inbound <- event.New(event.DestNode, event.KindNodeDisconnected, droppingPeer.Bytes())

	commit := drainUntil(t, out, event.KindBroadcastEvent)
	inner, _, err := event.Decode(commit.DataAt(0))
	require.NoError(t, err)
	require.Equal(t, event.KindCommitTransaction, inner.Kind)
	drainUntil(t, out, event.KindTransactionSucceeded)

	value, ok := n.Read(4)
	require.True(t, ok, "disconnecting the lone outstanding approver must unblock the stalled master")
	require.Equal(t, []byte("v"), value)
	require.Equal(t, 1, n.PeerCount())
	require.False(t, n.peers.Contains(droppingPeer))
}

func TestNode_RejectsApprovalFromNonPeer(t *testing.T) {
	n, out := newTestNode(t)
	peer := definition.NewNodeID()
	n.peers.Add(peer)

	n.Inbound <- event.NewOutcoming(event.DestNode, event.KindUpdateSharedMemory, putInt32(3), []byte("x"))
	drainUntil(t, out, event.KindBroadcastEvent)

	stranger := definition.NewNodeID()
	n.Inbound <- event.New(event.DestNode, event.KindApproveTransaction, stranger.Bytes())

	select {
	case e := <-out:
		t.Fatalf("unexpected event from stranger approval: %s", e.Kind)
	case <-time.After(150 * time.Millisecond):
	}

	_, ok := n.Read(3)
	require.False(t, ok)
}

func TestNode_NodeConnectedTriggersSync(t *testing.T) {
	n, out := newTestNode(t)

	n.Inbound <- event.NewOutcoming(event.DestNode, event.KindUpdateSharedMemory, putInt32(9), []byte("seed"))
	drainUntil(t, out, event.KindTransactionSucceeded)

	joiner := definition.NewNodeID()
	n.Inbound <- event.New(event.DestNode, event.KindNodeConnected, joiner.Bytes())

	require.Eventually(t, func() bool {
		return n.PeerCount() == 1
	}, time.Second, 10*time.Millisecond)

	broadcast := drainUntil(t, out, event.KindBroadcastEvent)
	inner, _, err := event.Decode(broadcast.DataAt(0))
	require.NoError(t, err)
	require.Equal(t, event.KindRequestTransaction, inner.Kind)
	require.Equal(t, putKind(event.TxSyncSharedMemory), inner.DataAt(0))
}

func TestResolveContention_LowerKindWins(t *testing.T) {
	local := definition.NewNodeID()
	remote := definition.NewNodeID()
	remoteWins := resolveContention(event.TxUpdateSharedMemory, event.TxNodeConnected, local, remote, nil, nil)
	require.True(t, remoteWins, "NodeConnected must always beat UpdateSharedMemory")
}

func TestResolveContention_SyncTieBrokenByVersion(t *testing.T) {
	local := definition.NewNodeID()
	remote := definition.NewNodeID()
	localData := buildSyncData(5, map[int32][]byte{})
	higherData := buildSyncData(9, map[int32][]byte{})
	require.True(t, resolveContention(event.TxSyncSharedMemory, event.TxSyncSharedMemory, local, remote, localData, higherData))

	lowerData := buildSyncData(1, map[int32][]byte{})
	require.False(t, resolveContention(event.TxSyncSharedMemory, event.TxSyncSharedMemory, local, remote, localData, lowerData))
}

func TestResolveContention_NodeIDBreaksTie(t *testing.T) {
	lo := definition.NodeIDFromBytes(make([]byte, 16))
	hiBytes := make([]byte, 16)
	hiBytes[0] = 0xff
	hi := definition.NodeIDFromBytes(hiBytes)

	require.True(t, resolveContention(event.TxUpdateSharedMemory, event.TxUpdateSharedMemory, lo, hi, nil, nil))
	require.False(t, resolveContention(event.TxUpdateSharedMemory, event.TxUpdateSharedMemory, hi, lo, nil, nil))
}

func TestSharedMap_ApplyRejectsStaleVersion(t *testing.T) {
	s := NewSharedMap()
	require.True(t, s.Apply(2, 1, []byte("a")))
	require.False(t, s.Apply(1, 1, []byte("b")))
	v, ok := s.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)
}

func TestVersionClock_TickIsMonotonic(t *testing.T) {
	c := &VersionClock{}
	a := c.Tick()
	b := c.Tick()
	require.Greater(t, b, a)
	c.Leap(b + 1000)
	require.Equal(t, b+1000, c.Tock())
}
