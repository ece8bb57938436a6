// Package test provides a cluster harness for exercising several Node
// components wired together without a real Server or TCP transport: Cluster
// plays the role a real Server/Router pair would (spec.md §4.1, §4.4),
// decoding each node's BroadcastEvent and routing RequestTransaction/
// CommitTransaction to the peers it names, and ApproveTransaction back to
// whichever peer it was addressed to via the meta tag a real Server would
// have derived from a connection's file descriptor.
//
// Grounded on the teacher's UnityCluster (test/testing.go), which likewise
// wires several in-process core.Peer instances together directly instead of
// through a real transport.
package test

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/spacy/pkg/spacy/config"
	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
	"github.com/jabolina/spacy/pkg/spacy/node"
)

// Alphabet is a ready-made sequence of distinct values for tests that want
// to drive a cluster through many sequential or concurrent writes.
var Alphabet = []string{
	"A", "B", "C", "D", "E", "F", "G", "H", "I", "J",
	"K", "L", "M", "N", "O", "P", "Q", "R", "S", "T",
	"U", "V", "W", "X", "Y", "Z",
}

// Cluster owns a set of independently running Node instances and the
// routing goroutines that stand in for Server/Router.
type Cluster struct {
	T     *testing.T
	Nodes []*node.Node

	out       []chan event.Event
	pluginMan []chan event.Event

	wg sync.WaitGroup
}

// NewCluster builds size nodes, each with a fresh identity and an empty
// peer set, and starts them running. Nodes don't know about each other
// until Connect is called.
func NewCluster(t *testing.T, size int) *Cluster {
	t.Helper()
	c := &Cluster{T: t}
	for i := 0; i < size; i++ {
		out := make(chan event.Event, 256)
		base := &config.BaseConfiguration{Logger: definition.NewLogger(fmt.Sprintf("node-%d", i))}
		n := node.New(base, out)
		c.Nodes = append(c.Nodes, n)
		c.out = append(c.out, out)
		c.pluginMan = append(c.pluginMan, make(chan event.Event, 256))

		c.wg.Add(1)
		go c.route(i, out)
		go n.Run()
	}
	return c
}

// Connect delivers the NodeConnected event a successful handshake would
// have produced in both directions, for every pair, simulating a full-mesh
// discovery sweep.
func (c *Cluster) Connect() {
	for i := 0; i < len(c.Nodes); i++ {
		for j := i + 1; j < len(c.Nodes); j++ {
			c.Nodes[i].Inbound <- event.New(event.DestNode, event.KindNodeConnected, c.Nodes[j].ID().Bytes())
			c.Nodes[j].Inbound <- event.New(event.DestNode, event.KindNodeConnected, c.Nodes[i].ID().Bytes())
		}
	}
}

// WaitConnected blocks until every node reports a full peer set, failing
// the test if that doesn't happen within timeout.
func (c *Cluster) WaitConnected(timeout time.Duration) {
	c.T.Helper()
	deadline := time.Now().Add(timeout)
	for {
		converged := true
		for _, n := range c.Nodes {
			if n.PeerCount() != len(c.Nodes)-1 {
				converged = false
				break
			}
		}
		if converged {
			return
		}
		if time.Now().After(deadline) {
			c.T.Fatalf("cluster did not fully connect within %s", timeout)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Shutdown stops every node, then closes each node's dedicated outbound
// channel so its routing goroutine can return, and waits for all of them
// to drain. Safe only because, unlike in a real process, each node here
// owns an outbound channel no other component writes to.
func (c *Cluster) Shutdown() {
	for _, n := range c.Nodes {
		n.Stop()
	}
	for _, out := range c.out {
		close(out)
	}
	c.wg.Wait()
}

// Write proposes an UpdateSharedMemory transaction from node i and blocks
// until that node's PluginMan-bound outcome (TransactionSucceeded or
// TransactionFailed) arrives.
func (c *Cluster) Write(i int, key int32, value []byte) event.Event {
	c.Nodes[i].Inbound <- event.NewOutcoming(event.DestNode, event.KindUpdateSharedMemory, putInt32(key), value)
	return c.waitPluginMan(i, event.KindTransactionSucceeded, event.KindTransactionFailed)
}

// Value performs a direct, local read against node i's shared map.
func (c *Cluster) Value(i int, key int32) ([]byte, bool) {
	return c.Nodes[i].Read(key)
}

// AllAgree reports whether every node's local shared map holds expected at
// key.
func (c *Cluster) AllAgree(key int32, expected []byte) bool {
	for i := range c.Nodes {
		value, ok := c.Value(i, key)
		if !ok || string(value) != string(expected) {
			return false
		}
	}
	return true
}

func (c *Cluster) waitPluginMan(i int, kinds ...event.Kind) event.Event {
	c.T.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-c.pluginMan[i]:
			for _, k := range kinds {
				if e.Kind == k {
					return e
				}
			}
		case <-deadline:
			c.T.Fatalf("node %d: timed out waiting for one of %v", i, kinds)
			return event.Event{}
		}
	}
}

// route plays the role of this node's slice of Server+Router: it drains
// the node's outbound channel and either hands a PluginMan-bound event to
// the test-visible recorder, or resolves a Server-bound broadcast/approval
// to the right peer's Inbound.
func (c *Cluster) route(idx int, out chan event.Event) {
	defer c.wg.Done()
	for e := range out {
		switch e.Dest {
		case event.DestPluginMan:
			select {
			case c.pluginMan[idx] <- e:
			default:
			}
		case event.DestServer:
			c.routeServerEvent(idx, e)
		}
	}
}

func (c *Cluster) routeServerEvent(idx int, e event.Event) {
	switch e.Kind {
	case event.KindBroadcastEvent:
		c.deliverBroadcast(idx, e)
	case event.KindApproveTransaction:
		c.deliverTagged(e)
	}
}

// deliverBroadcast decodes the inner RequestTransaction/CommitTransaction
// event a node wrapped for Server and hands it to every peer it named,
// tagging it with idx so a subsequent ApproveTransaction can find its way
// back (spec.md §4.1's per-connection fd tag, played here by the sender's
// own cluster index).
func (c *Cluster) deliverBroadcast(idx int, e event.Event) {
	if len(e.Data) < 2 {
		return
	}
	inner, _, err := event.Decode(e.DataAt(0))
	if err != nil {
		return
	}
	n := int(int32From(e.DataAt(1)))
	for i := 0; i < n; i++ {
		pos := 2 + i
		if pos >= len(e.Data) {
			return
		}
		id := definition.NodeIDFromBytes(e.Data[pos])
		target, ok := c.indexOf(id)
		if !ok {
			continue
		}
		deliver := inner.Clone()
		deliver.Dir = event.DirectionIncoming
		deliver.Dest = event.DestNode
		deliver.PushMeta(tagFor(idx))
		c.Nodes[target].Inbound <- deliver
	}
}

func (c *Cluster) deliverTagged(e event.Event) {
	tag, ok := e.PopMeta()
	if !ok {
		return
	}
	target := indexFromTag(tag)
	if target < 0 || target >= len(c.Nodes) {
		return
	}
	deliver := event.Event{Dir: event.DirectionIncoming, Dest: event.DestNode, Kind: e.Kind, Data: e.Data}
	c.Nodes[target].Inbound <- deliver
}

func (c *Cluster) indexOf(id definition.NodeID) (int, bool) {
	for i, n := range c.Nodes {
		if n.ID() == id {
			return i, true
		}
	}
	return 0, false
}

func tagFor(idx int) []byte {
	return definition.FdTag(idx)
}

func indexFromTag(tag []byte) int {
	return definition.FdFromTag(tag)
}

func putInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func int32From(b []byte) int32 {
	if len(b) < 4 {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// PrintStackTrace dumps every goroutine's stack, useful when a cluster
// fails to shut down within its timeout.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Errorf("%s", buf[:n])
}

// WaitThisOrTimeout runs cb on its own goroutine and reports whether it
// finished within duration.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
