// Package pluginman implements the plugin supervisor: it owns plugin child
// processes and their callback TCP streams, and translates between
// plugin-facing events and node-internal ones (spec.md §4.3).
package pluginman

import (
	"encoding/binary"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/go-errors/errors"

	"github.com/jabolina/spacy/pkg/spacy/config"
	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

const (
	pollInterval = 20 * time.Millisecond
	readTimeout  = 5 * time.Millisecond
	readChunk    = 4096
)

// Client-visible status codes (spec.md §7).
const (
	statusOK            int32 = 0
	statusNotFound      int32 = -1
	statusAcceptFailed  int32 = -2
	statusNameCollision int32 = -3
)

// PluginMan supervises plugin child processes. Like Node, all of its state
// is touched only from the goroutine running Run.
type PluginMan struct {
	base     *config.BaseConfiguration
	listener *net.TCPListener
	table    *entryTable
	logger   definition.Logger

	// Inbound receives events addressed to this component by the Router.
	Inbound chan event.Event

	outbound chan<- event.Event

	stop chan struct{}
	done chan struct{}
}

// New binds the plugin-callback listener on 127.0.0.1 and returns a
// PluginMan ready to Run.
func New(base *config.BaseConfiguration, outbound chan<- event.Event) (*PluginMan, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", base.PluginCallbackPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pluginman: bind %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("pluginman: expected a TCP listener")
	}
	return &PluginMan{
		base:     base,
		listener: tcpLn,
		table:    newEntryTable(),
		logger:   base.Logger,
		Inbound:  make(chan event.Event, 64),
		outbound: outbound,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run services the inbound channel and polls plugin streams until Stop is
// called (spec.md §4.3 step()).
func (p *PluginMan) Run() {
	defer close(p.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case e := <-p.Inbound:
			p.dispatch(e)
		case <-ticker.C:
			p.pollPlugins()
		}
	}
}

// Stop signals Run to return, closes the listener and every plugin stream,
// and kills every child process still running.
func (p *PluginMan) Stop() {
	close(p.stop)
	<-p.done
	p.listener.Close()
	for _, entry := range p.table.entries() {
		p.teardown(entry)
	}
}

func (p *PluginMan) send(e event.Event) {
	select {
	case p.outbound <- e:
	case <-p.stop:
	}
}

func (p *PluginMan) dispatch(e event.Event) {
	switch e.Kind {
	case event.KindNewPlugin:
		p.handleNewPlugin(e)
	case event.KindRemovePlugin:
		p.handleRemovePlugin(e)
	case event.KindGetPluginList:
		p.handleGetPluginList(e)
	case event.KindNewPluginEvent:
		p.handleNewPluginEvent(e)
	case event.KindGetFromSharedMemory, event.KindTransactionSucceeded, event.KindTransactionFailed:
		p.forwardToPlugin(e)
	default:
		p.logger.Warnf("pluginman: unknown incoming kind %s", e.Kind)
	}
}

// handleNewPlugin spawns a child process and waits, with a bound, for it to
// connect back (spec.md §4.3, REDESIGN FLAGS §9: no unbounded accept).
func (p *PluginMan) handleNewPlugin(e event.Event) {
	source := string(e.DataAt(0))
	name := string(e.DataAt(1))

	status := statusOK
	if _, taken := p.table.byNameLookup(name); taken {
		status = statusNameCollision
	} else if entry, err := p.spawn(name, source); err != nil {
		p.logger.Warnf("pluginman: spawning plugin %q: %v", name, err)
		status = statusAcceptFailed
	} else {
		p.table.add(entry)
	}

	p.respondClient(e.Meta, putStatus(status))
}

func (p *PluginMan) spawn(name, source string) (*PluginEntry, error) {
	child := exec.Command("python3", "-c", source)
	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("start child: %w", err)
	}

	timeout := time.Duration(p.base.AcceptTimeoutMillis) * time.Millisecond
	conn, err := p.acceptWithTimeout(timeout)
	if err != nil {
		_ = child.Process.Kill()
		return nil, fmt.Errorf("accept callback: %w", err)
	}

	fd, err := definition.ConnFd(conn)
	if err != nil {
		conn.Close()
		_ = child.Process.Kill()
		return nil, fmt.Errorf("resolve callback fd: %w", err)
	}

	return &PluginEntry{Name: name, Fd: fd, Stream: conn, Child: child}, nil
}

func (p *PluginMan) acceptWithTimeout(timeout time.Duration) (net.Conn, error) {
	if err := p.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	conn, err := p.listener.Accept()
	p.listener.SetDeadline(time.Time{})
	return conn, err
}

func (p *PluginMan) handleRemovePlugin(e event.Event) {
	name := string(e.DataAt(0))
	status := statusOK
	if entry, ok := p.table.byNameLookup(name); ok {
		p.teardown(entry)
	} else {
		status = statusNotFound
	}
	p.respondClient(e.Meta, putStatus(status))
}

func (p *PluginMan) handleGetPluginList(e event.Event) {
	names := strings.Join(p.table.names(), "%")
	p.respondClient(e.Meta, putStatus(statusOK), []byte(names))
}

func (p *PluginMan) handleNewPluginEvent(e event.Event) {
	name := string(e.DataAt(0))
	entry, ok := p.table.byNameLookup(name)
	if !ok {
		p.respondClient(e.Meta, putStatus(statusNotFound))
		return
	}

	inner, _, err := event.Decode(e.DataAt(1))
	if err != nil {
		p.logger.Warnf("pluginman: malformed event for plugin %q: %v", name, err)
		return
	}
	inner.Dir = event.DirectionIncoming

	entry.pushPending(e.Meta)
	if _, err := entry.Stream.Write(event.Encode(inner)); err != nil {
		p.logger.Warnf("pluginman: write to plugin %q failed: %v", name, err)
	}
}

// forwardToPlugin delivers a node-originated response to the plugin that
// requested it, located by the fd stamped in meta[0] (spec.md §4.3: "write
// the event to the plugin's stream (no meta on the outbound plugin wire)").
func (p *PluginMan) forwardToPlugin(e event.Event) {
	fdBytes, ok := e.PopMeta()
	if !ok {
		return
	}
	entry, ok := p.table.byFdLookup(definition.FdFromTag(fdBytes))
	if !ok {
		return
	}
	wire := event.Event{Dir: event.DirectionIncoming, Dest: event.DestPluginMan, Kind: e.Kind, Data: e.Data}
	if _, err := entry.Stream.Write(event.Encode(wire)); err != nil {
		p.logger.Warnf("pluginman: write to plugin %q failed: %v", entry.Name, err)
	}
}

func (p *PluginMan) respondClient(meta [][]byte, data ...[]byte) {
	resp := event.NewOutcoming(event.DestServer, event.KindRespondClient, data...)
	resp.Meta = meta
	p.send(resp)
}

// pollPlugins reads every readable plugin stream once (spec.md §4.3 step
// (b)); each complete event is forwarded according to its kind.
func (p *PluginMan) pollPlugins() {
	entries := p.table.entries()
	if len(entries) == 0 {
		return
	}
	conns := make([]net.Conn, 0, len(entries))
	byConn := make(map[net.Conn]*PluginEntry, len(entries))
	for _, e := range entries {
		conns = append(conns, e.Stream)
		byConn[e.Stream] = e
	}

	ready, err := definition.ReadyForRead(conns, readTimeout)
	if err != nil {
		p.logger.Warnf("pluginman: readiness poll: %v", err)
		return
	}
	for _, c := range ready {
		p.readPlugin(byConn[c])
	}
}

func (p *PluginMan) readPlugin(entry *PluginEntry) {
	buf := make([]byte, readChunk)
	n, err := entry.Stream.Read(buf)
	if n > 0 {
		entry.buf = append(entry.buf, buf[:n]...)
		events, rest, decErr := event.DecodeStream(entry.buf)
		entry.buf = rest
		if decErr != nil {
			wrapped := errors.Wrap(decErr, 1)
			p.logger.Warnf("pluginman: decoding stream for %q: %v", entry.Name, wrapped)
			p.logger.Debugf("pluginman: %s", wrapped.ErrorStack())
		}
		for _, e := range events {
			e.PushMeta(definition.FdTag(entry.Fd))
			p.dispatchOutcoming(entry, e)
		}
	}
	if err != nil {
		p.logger.Debugf("pluginman: plugin %q disconnected: %v", entry.Name, err)
		p.teardown(entry)
	}
}

// dispatchOutcoming handles an event a plugin wrote to PluginMan, already
// tagged with its own fd (spec.md §4.3 "Outcoming dispatch").
func (p *PluginMan) dispatchOutcoming(entry *PluginEntry, e event.Event) {
	switch e.Kind {
	case event.KindUpdateSharedMemory, event.KindGetFromSharedMemory:
		e.Dir = event.DirectionOutcoming
		e.Dest = event.DestNode
		p.send(e)
	case event.KindRespondClient:
		clientMeta, ok := entry.popPending()
		if !ok {
			p.logger.Warnf("pluginman: %q emitted RespondClient with no pending client", entry.Name)
			return
		}
		resp := event.NewOutcoming(event.DestServer, event.KindRespondClient, e.Data...)
		resp.Meta = clientMeta
		p.send(resp)
	default:
		p.logger.Warnf("pluginman: unknown outcoming kind from plugin %q: %s", entry.Name, e.Kind)
	}
}

func (p *PluginMan) teardown(entry *PluginEntry) {
	p.table.remove(entry)
	_ = entry.Stream.Close()
	if entry.Child != nil && entry.Child.Process != nil {
		_ = entry.Child.Process.Kill()
	}
}

func putStatus(status int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(status))
	return b
}
