// Package router implements the Router component: a single dispatch loop
// that forwards each event to the inbound channel of the component its
// Destination names, performing no domain logic of its own (spec.md §4.4).
package router

import (
	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

// Router is grounded on the teacher's Unity.poll single-consumer select
// loop, stripped down to pure dispatch: no transaction state, no
// contention resolution, just "receive one event, forward it".
type Router struct {
	logger definition.Logger

	// Inbound is where every other component sends events for dispatch.
	Inbound chan event.Event

	node      chan<- event.Event
	pluginMan chan<- event.Event
	server    chan<- event.Event

	stop chan struct{}
	done chan struct{}
}

// New builds a Router. Its targets are set separately via SetTargets once
// every component exists, since each component in turn needs the Router's
// own Inbound channel as its outbound — the two sides are constructed in
// two passes to break that cycle (see cmd/spacy/main.go).
func New(logger definition.Logger) *Router {
	return &Router{
		logger:  logger,
		Inbound: make(chan event.Event, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetTargets records the three components' inbound channels. Must be
// called once, before Run.
func (r *Router) SetTargets(node, pluginMan, server chan<- event.Event) {
	r.node = node
	r.pluginMan = pluginMan
	r.server = server
}

// Run drains Inbound and dispatches by Destination until Stop is called.
func (r *Router) Run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case e := <-r.Inbound:
			r.dispatch(e)
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (r *Router) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Router) dispatch(e event.Event) {
	var target chan<- event.Event
	switch e.Dest {
	case event.DestNode:
		target = r.node
	case event.DestPluginMan:
		target = r.pluginMan
	case event.DestServer:
		target = r.server
	default:
		r.logger.Warnf("router: event with no destination: kind=%s", e.Kind)
		return
	}

	select {
	case target <- e:
	case <-r.stop:
	}
}
