package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

func TestRouter_DispatchesByDestination(t *testing.T) {
	node := make(chan event.Event, 4)
	pluginMan := make(chan event.Event, 4)
	srv := make(chan event.Event, 4)

	r := New(definition.NewLogger("test"))
	r.SetTargets(node, pluginMan, srv)
	go r.Run()
	t.Cleanup(r.Stop)

	r.Inbound <- event.New(event.DestNode, event.KindNodeConnected)
	r.Inbound <- event.New(event.DestPluginMan, event.KindRespondClient)
	r.Inbound <- event.New(event.DestServer, event.KindBroadcastEvent)

	select {
	case e := <-node:
		require.Equal(t, event.KindNodeConnected, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("node never received its event")
	}
	select {
	case e := <-pluginMan:
		require.Equal(t, event.KindRespondClient, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("pluginman never received its event")
	}
	select {
	case e := <-srv:
		require.Equal(t, event.KindBroadcastEvent, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("server never received its event")
	}
}

func TestRouter_DropsEventWithNoDestination(t *testing.T) {
	node := make(chan event.Event, 1)
	pluginMan := make(chan event.Event, 1)
	srv := make(chan event.Event, 1)

	r := New(definition.NewLogger("test"))
	r.SetTargets(node, pluginMan, srv)
	go r.Run()
	t.Cleanup(r.Stop)

	r.Inbound <- event.New(event.DestNone, event.KindUnknown)

	select {
	case e := <-node:
		t.Fatalf("unexpected event routed to node: %v", e)
	case e := <-pluginMan:
		t.Fatalf("unexpected event routed to pluginman: %v", e)
	case e := <-srv:
		t.Fatalf("unexpected event routed to server: %v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
