// Package node implements the distributed-state component: the replicated
// shared map, the local node identity and peer set, and the transaction
// protocol that orders every update to the shared map (spec.md §4.2).
package node

import (
	"time"

	"github.com/jabolina/spacy/pkg/spacy/config"
	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

// idleTick is how often Wait re-checks the transaction queue when no event
// arrives on the inbound channel (spec.md §5: "channel receive with
// timeout (idle wait)").
const idleTick = 100 * time.Millisecond

// Node is the distributed-state component (spec.md §2). All of its fields
// below are touched only from the goroutine running Run; cross-goroutine
// communication happens exclusively over Inbound/outbound channels.
type Node struct {
	id     definition.NodeID
	peers  *PeerSet
	shared *SharedMap
	clock  *VersionClock
	tx     TransactionState

	logger definition.Logger

	// Inbound receives events addressed to this node by the Router.
	Inbound chan event.Event

	// outbound is where the node emits events for the Router to forward
	// on to Server or PluginMan.
	outbound chan<- event.Event

	stop chan struct{}
	done chan struct{}
}

// New builds a Node with a fresh identity, wired to send outgoing events on
// outbound (normally the Router's single inbound channel).
func New(base *config.BaseConfiguration, outbound chan<- event.Event) *Node {
	return &Node{
		id:       definition.NewNodeID(),
		peers:    NewPeerSet(),
		shared:   NewSharedMap(),
		clock:    &VersionClock{},
		logger:   base.Logger,
		Inbound:  make(chan event.Event, 64),
		outbound: outbound,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns this node's identity.
func (n *Node) ID() definition.NodeID { return n.id }

// PeerCount reports the current quorum denominator.
func (n *Node) PeerCount() int { return n.peers.Len() }

// Read performs a fast, direct lookup into the shared map. Safe to call
// only from the Run goroutine; external callers must go through
// GetFromSharedMemory events like any other component.
func (n *Node) Read(key int32) ([]byte, bool) {
	return n.shared.Get(key)
}

// Version reports the shared map's current version.
func (n *Node) Version() uint64 {
	return n.shared.Version()
}

// Run drives the node's FSM until Stop is called. It owns every piece of
// node state and must run on a single goroutine.
func (n *Node) Run() {
	defer close(n.done)
	n.logger.Debugf("node %s starting", n.id)
	for {
		select {
		case <-n.stop:
			n.logger.Debugf("node %s stopped", n.id)
			return
		case e := <-n.Inbound:
			n.dispatch(e)
		case <-time.After(idleTick):
			n.maybePropose()
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (n *Node) Stop() {
	close(n.stop)
	<-n.done
}

func (n *Node) dispatch(e event.Event) {
	switch e.Dir {
	case event.DirectionIncoming:
		n.handleIncoming(e)
	case event.DirectionOutcoming:
		n.handleOutcoming(e)
	default:
		n.logger.Warnf("node: dropping event with no direction: kind=%s", e.Kind)
	}
	n.maybePropose()
}

func (n *Node) handleIncoming(e event.Event) {
	switch e.Kind {
	case event.KindNodeConnected:
		n.tx.enqueue(TransactionEvent{Kind: event.TxNodeConnected, Data: e.Data})
	case event.KindNodeDisconnected:
		n.disconnectPeer(e.DataAt(0))
	case event.KindRequestTransaction:
		n.handleRequestTransaction(e)
	case event.KindApproveTransaction:
		n.handleApproveTransaction(e)
	case event.KindCommitTransaction:
		n.handleCommitTransaction(e)
	default:
		n.logger.Warnf("node: unknown incoming kind %s", e.Kind)
	}
}

func (n *Node) handleOutcoming(e event.Event) {
	switch e.Kind {
	case event.KindUpdateSharedMemory:
		n.proposeUpdate(e)
	case event.KindGetFromSharedMemory:
		n.respondRead(e)
	default:
		n.logger.Warnf("node: unknown outcoming kind %s", e.Kind)
	}
}

// proposeUpdate enqueues a client-originated write as a pending
// UpdateSharedMemory transaction, stamping the version at enqueue time so
// concurrent proposals can be compared deterministically (spec.md §4.2).
func (n *Node) proposeUpdate(e event.Event) {
	key := int32From(e.DataAt(0))
	value := e.DataAt(1)
	version := n.clock.Tick()
	if n.shared.Version() > version {
		n.clock.Leap(n.shared.Version())
		version = n.clock.Tick()
	}
	n.tx.enqueue(TransactionEvent{
		Kind: event.TxUpdateSharedMemory,
		Data: [][]byte{putUint64(version), putInt32(key), value},
		Meta: e.Meta,
	})
}

func (n *Node) respondRead(e event.Event) {
	key := int32From(e.DataAt(0))
	resp := event.New(event.DestPluginMan, event.KindGetFromSharedMemory)
	if value, ok := n.shared.Get(key); ok {
		resp.Data = [][]byte{value}
	}
	resp.Meta = e.Meta
	n.send(resp)
}

func (n *Node) send(e event.Event) {
	select {
	case n.outbound <- e:
	case <-n.stop:
	}
}

// maybePropose starts mastering the next queued transaction when the node
// is currently idle (spec.md §4.2: "When Wait finds nothing to do, it
// additionally checks ... propose the head transaction").
func (n *Node) maybePropose() {
	if n.tx.InTransaction {
		return
	}
	head, ok := n.tx.popQueued()
	if !ok {
		return
	}
	n.propose(head)
}

func (n *Node) propose(te TransactionEvent) {
	active := te
	n.tx.InTransaction = true
	n.tx.IsMaster = true
	n.tx.Kind = te.Kind
	n.tx.Approvals = 0
	n.tx.Active = &active

	if n.peers.Len() == 0 {
		n.logger.Debugf("node %s committing %s via self-quorum", n.id, te.Kind)
		n.applyCommit(te.Kind, te.Data)
		return
	}

	inner := event.New(event.DestNone, event.KindRequestTransaction,
		append([][]byte{putKind(te.Kind), n.id.Bytes()}, te.Data...)...)
	n.broadcast(inner)
}

func (n *Node) broadcast(inner event.Event) {
	peers := n.peers.List()
	data := [][]byte{event.Encode(inner), putInt32(int32(len(peers)))}
	for _, p := range peers {
		data = append(data, p.Bytes())
	}
	n.send(event.NewOutcoming(event.DestServer, event.KindBroadcastEvent, data...))
}

func (n *Node) handleRequestTransaction(e event.Event) {
	if len(e.Data) < 2 {
		return
	}
	otherKind := kindFrom(e.DataAt(0))
	otherID := definition.NodeIDFromBytes(e.DataAt(1))
	extra := e.Data[2:]

	if !n.peers.Contains(otherID) {
		n.logger.Debugf("node %s ignoring request from non-peer %s", n.id, otherID)
		return
	}

	if !n.tx.InTransaction {
		n.tx.InTransaction = true
		n.tx.IsMaster = false
		n.tx.Kind = otherKind
		n.approve(e.Meta)
		return
	}

	if !n.tx.IsMaster {
		n.tx.Kind = otherKind
		n.approve(e.Meta)
		return
	}

	var localData [][]byte
	if n.tx.Active != nil {
		localData = n.tx.Active.Data
	}
	remoteWins := resolveContention(n.tx.Kind, otherKind, n.id, otherID, localData, extra)
	if !remoteWins {
		// Local proposal is stricter or otherwise wins the tie; stay
		// master and silently ignore the contending request.
		return
	}

	if n.tx.Kind == event.TxUpdateSharedMemory && n.tx.Active != nil {
		n.notifyPluginFailed(n.tx.Active.Meta)
	}
	n.tx.IsMaster = false
	n.tx.Kind = otherKind
	n.tx.Approvals = 0
	n.tx.Active = nil
	n.approve(e.Meta)
}

func (n *Node) approve(meta [][]byte) {
	e := event.NewOutcoming(event.DestServer, event.KindApproveTransaction, n.id.Bytes())
	e.Meta = meta
	n.send(e)
}

func (n *Node) notifyPluginFailed(meta [][]byte) {
	e := event.New(event.DestPluginMan, event.KindTransactionFailed)
	e.Meta = meta
	n.send(e)
}

func (n *Node) handleApproveTransaction(e event.Event) {
	if !n.tx.IsMaster {
		return
	}
	approver := definition.NodeIDFromBytes(e.DataAt(0))
	if !n.peers.Contains(approver) {
		n.logger.Debugf("node %s rejecting approval from non-peer %s", n.id, approver)
		return
	}
	n.tx.Approvals++
	n.maybeCommitMaster()
}

// maybeCommitMaster commits the active master transaction once approvals
// reach the CURRENT peer set size. Called both after a fresh approval
// arrives and after disconnectPeer shrinks the quorum denominator out from
// under a master that was stalled waiting on the peer that just dropped
// (spec.md §4.2 Failure semantics: "a dropped approval stalls the master
// until a peer disconnect removes it from the quorum"; §8 Boundary
// behaviour; Scenario S6).
func (n *Node) maybeCommitMaster() {
	if !n.tx.InTransaction || !n.tx.IsMaster {
		return
	}
	if n.tx.Approvals < n.peers.Len() {
		return
	}

	active := n.tx.Active
	if active == nil {
		return
	}
	commitData := append([][]byte{n.id.Bytes(), putKind(active.Kind)}, active.Data...)
	n.broadcastCommit(commitData)
	n.applyCommit(active.Kind, active.Data)
}

// disconnectPeer removes id from the peer set synchronously, rather than
// only through the TxNodeDisconnected transaction once it is mastered and
// committed: a dropped peer may be exactly the one this node's active
// master transaction is still waiting on an approval from, and that
// approval can now never arrive. Shrinking the quorum denominator
// immediately and rechecking lets a stalled commit proceed right away.
// TxNodeDisconnected is still queued so every remaining peer agrees on the
// same removal once it is mastered in turn.
func (n *Node) disconnectPeer(idBytes []byte) {
	id := definition.NodeIDFromBytes(idBytes)
	n.peers.Remove(id)
	n.tx.enqueue(TransactionEvent{Kind: event.TxNodeDisconnected, Data: [][]byte{idBytes}})
	n.maybeCommitMaster()
}

func (n *Node) broadcastCommit(data [][]byte) {
	if n.peers.Len() == 0 {
		return
	}
	inner := event.New(event.DestNone, event.KindCommitTransaction, data...)
	n.broadcast(inner)
}

func (n *Node) handleCommitTransaction(e event.Event) {
	if len(e.Data) < 2 {
		return
	}
	kind := kindFrom(e.DataAt(1))
	n.applyCommit(kind, e.Data[2:])
}

// applyCommit performs the transaction and, only when this node was the
// proposer, notifies the originating plugin of success before resetting
// the transaction state for the next proposal (spec.md §4.2).
func (n *Node) applyCommit(kind event.TransactionKind, data [][]byte) {
	wasMaster := n.tx.IsMaster
	var meta [][]byte
	if wasMaster && n.tx.Active != nil {
		meta = n.tx.Active.Meta
	}

	n.perform(kind, data)

	if kind == event.TxUpdateSharedMemory && wasMaster {
		e := event.New(event.DestPluginMan, event.KindTransactionSucceeded)
		e.Meta = meta
		n.send(e)
	}

	n.tx.reset()
}

func (n *Node) perform(kind event.TransactionKind, data [][]byte) {
	switch kind {
	case event.TxNodeConnected:
		id := definition.NodeIDFromBytes(firstOf(data))
		if id != n.id {
			n.peers.Add(id)
		}
		version, values := n.shared.Snapshot()
		n.tx.enqueue(TransactionEvent{Kind: event.TxSyncSharedMemory, Data: buildSyncData(version, values)})
	case event.TxNodeDisconnected:
		id := definition.NodeIDFromBytes(firstOf(data))
		n.peers.Remove(id)
	case event.TxSyncSharedMemory:
		version, values := parseSyncData(data)
		if version > n.shared.Version() {
			n.shared.Replace(version, values)
			n.clock.Leap(version)
		}
	case event.TxUpdateSharedMemory:
		if len(data) < 3 {
			return
		}
		version := uint64From(data[0])
		key := int32From(data[1])
		value := data[2]
		if n.shared.Apply(version, key, value) {
			n.clock.Leap(version)
		}
	default:
		n.logger.Warnf("node %s: unknown transaction kind %d", n.id, kind)
	}
}

func firstOf(data [][]byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return data[0]
}
