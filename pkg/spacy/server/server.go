// Package server implements the Server component: the sole owner of this
// node's network sockets (spec.md §4.1). It discovers peers by scanning
// local /24 ranges, accepts client and peer connections, and is the only
// component that reads or writes client and peer sockets. The loopback
// plugin-callback listener and plugin streams belong to PluginMan.
package server

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/go-errors/errors"

	"github.com/jabolina/spacy/internal/netutil"
	"github.com/jabolina/spacy/pkg/spacy/config"
	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

const (
	pollInterval     = 5 * time.Millisecond
	readTimeout      = 5 * time.Millisecond
	handshakeTimeout = 500 * time.Millisecond
	readChunk        = 4096
)

type controlKind int

const (
	ctrlNewClient controlKind = iota
	ctrlNewPeer
	ctrlDisconnect
)

// controlMsg hands a just-classified connection (or a disconnect) from a
// handshake or scanner goroutine back to the single goroutine that owns
// Server's connection tables. It plays the role spec.md §3's NewFd/OldFd/
// NewStream internal control events play, widened to carry a net.Conn
// since Event.Data cannot (spec.md's Event is a pure byte-vector wire
// type).
type controlMsg struct {
	kind   controlKind
	conn   net.Conn
	peerID definition.NodeID
	fd     int
	isPeer bool
}

// Server is the transport component. All fields below are touched only
// from the goroutine running Run.
type Server struct {
	base   *config.BaseConfiguration
	id     definition.NodeID
	logger definition.Logger

	listeners []*net.TCPListener

	peerIPs *peerIPIndex

	clients map[int]*streamConn
	peers   map[int]*streamConn
	peerIDs map[definition.NodeID]int

	accepted chan net.Conn
	control  chan controlMsg

	Inbound chan event.Event

	outbound chan<- event.Event

	stop     chan struct{}
	done     chan struct{}
	scanDone chan struct{}
}

// New binds a listener on every local non-loopback IPv4 address at the
// node port, skipping and logging any bind failure (spec.md §4.1).
func New(base *config.BaseConfiguration, id definition.NodeID, outbound chan<- event.Event) (*Server, error) {
	locals, err := netutil.LocalIPv4s()
	if err != nil {
		return nil, fmt.Errorf("server: enumerating local addresses: %w", err)
	}

	s := &Server{
		base:     base,
		id:       id,
		logger:   base.Logger,
		peerIPs:  newPeerIPIndex(),
		clients:  make(map[int]*streamConn),
		peers:    make(map[int]*streamConn),
		peerIDs:  make(map[definition.NodeID]int),
		accepted: make(chan net.Conn, 16),
		control:  make(chan controlMsg, 16),
		Inbound:  make(chan event.Event, 64),
		outbound: outbound,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		scanDone: make(chan struct{}),
	}

	for _, ip := range locals {
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: base.NodePort})
		if err != nil {
			s.logger.Warnf("server: bind %s:%d failed: %v", ip, base.NodePort, err)
			continue
		}
		s.listeners = append(s.listeners, ln)
	}
	return s, nil
}

// Run accepts connections, scans for peers, polls open streams, and
// services outgoing events until Stop is called.
func (s *Server) Run() {
	defer close(s.done)

	for _, ln := range s.listeners {
		go s.acceptLoop(ln)
	}
	go s.scanLoop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case conn := <-s.accepted:
			go s.handshakeAccept(conn)
		case msg := <-s.control:
			s.handleControl(msg)
		case e := <-s.Inbound:
			s.handleOutcoming(e)
		case <-ticker.C:
			s.pollStreams()
		}
	}
}

// Stop signals every goroutine to return and closes every socket Server
// owns.
func (s *Server) Stop() {
	close(s.stop)
	<-s.done
	<-s.scanDone
	for _, ln := range s.listeners {
		ln.Close()
	}
	for _, c := range s.clients {
		c.conn.Close()
	}
	for _, c := range s.peers {
		c.conn.Close()
	}
}

func (s *Server) send(e event.Event) {
	select {
	case s.outbound <- e:
	case <-s.stop:
	}
}

func (s *Server) acceptLoop(ln *net.TCPListener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.logger.Warnf("server: accept on %s failed: %v", ln.Addr(), err)
			continue
		}
		select {
		case s.accepted <- conn:
		case <-s.stop:
			conn.Close()
			return
		}
	}
}

// handshakeAccept reads the one handshake event a newly accepted
// connection must send and classifies the connection (spec.md §4.1
// "Handshake on accept").
func (s *Server) handshakeAccept(conn net.Conn) {
	e, err := readOneEvent(conn, handshakeTimeout)
	if err != nil {
		s.logger.Debugf("server: handshake read failed: %v", err)
		conn.Close()
		return
	}

	switch e.Kind {
	case event.KindMarkMeClient:
		select {
		case s.control <- controlMsg{kind: ctrlNewClient, conn: conn}:
		case <-s.stop:
			conn.Close()
		}
	case event.KindMarkMeNode:
		other := definition.NodeIDFromBytes(e.DataAt(0))
		reply := event.New(event.DestNone, event.KindMarkMeNode, s.id.Bytes())
		if _, err := conn.Write(event.Encode(reply)); err != nil {
			conn.Close()
			return
		}
		select {
		case s.control <- controlMsg{kind: ctrlNewPeer, conn: conn, peerID: other}:
		case <-s.stop:
			conn.Close()
		}
	default:
		s.logger.Warnf("server: unexpected handshake kind %s", e.Kind)
		conn.Close()
	}
}

func (s *Server) handleControl(msg controlMsg) {
	switch msg.kind {
	case ctrlNewClient:
		fd, err := definition.ConnFd(msg.conn)
		if err != nil {
			s.logger.Warnf("server: resolving client fd: %v", err)
			msg.conn.Close()
			return
		}
		s.clients[fd] = &streamConn{fd: fd, conn: msg.conn}

	case ctrlNewPeer:
		if _, exists := s.peerIDs[msg.peerID]; exists {
			// Idempotent duplicate MarkMeNode handshake (REDESIGN FLAGS §9):
			// the scanner and the remote's own scanner can both dial at
			// once. Keep the first stream, discard the duplicate.
			msg.conn.Close()
			return
		}
		fd, err := definition.ConnFd(msg.conn)
		if err != nil {
			s.logger.Warnf("server: resolving peer fd: %v", err)
			msg.conn.Close()
			return
		}
		s.peers[fd] = &streamConn{fd: fd, conn: msg.conn}
		s.peerIDs[msg.peerID] = fd
		if ip := remoteIP(msg.conn); ip != nil {
			s.peerIPs.Add(ip)
		}
		s.send(event.New(event.DestNode, event.KindNodeConnected, msg.peerID.Bytes()))

	case ctrlDisconnect:
		if msg.isPeer {
			s.disconnectPeer(msg.fd)
		} else {
			delete(s.clients, msg.fd)
		}
	}
}

func (s *Server) disconnectPeer(fd int) {
	sc, ok := s.peers[fd]
	if !ok {
		return
	}
	delete(s.peers, fd)
	for id, peerFd := range s.peerIDs {
		if peerFd == fd {
			delete(s.peerIDs, id)
			if ip := remoteIP(sc.conn); ip != nil {
				s.peerIPs.Remove(ip)
			}
			s.send(event.New(event.DestNode, event.KindNodeDisconnected, id.Bytes()))
			break
		}
	}
}

// pollStreams reads every readable client/peer stream once (spec.md §4.1
// "Readiness poll").
func (s *Server) pollStreams() {
	conns := make([]net.Conn, 0, len(s.clients)+len(s.peers))
	byConn := make(map[net.Conn]*streamConn, len(s.clients)+len(s.peers))
	isPeerConn := make(map[net.Conn]bool, len(s.peers))

	for _, sc := range s.clients {
		conns = append(conns, sc.conn)
		byConn[sc.conn] = sc
	}
	for _, sc := range s.peers {
		conns = append(conns, sc.conn)
		byConn[sc.conn] = sc
		isPeerConn[sc.conn] = true
	}

	ready, err := definition.ReadyForRead(conns, readTimeout)
	if err != nil {
		s.logger.Warnf("server: readiness poll: %v", err)
		return
	}
	for _, c := range ready {
		s.readStream(byConn[c], isPeerConn[c])
	}
}

func (s *Server) readStream(sc *streamConn, isPeer bool) {
	tmp := make([]byte, readChunk)
	n, err := sc.conn.Read(tmp)
	if n > 0 {
		sc.buf = append(sc.buf, tmp[:n]...)
		events, rest, decErr := event.DecodeStream(sc.buf)
		sc.buf = rest
		if decErr != nil {
			wrapped := errors.Wrap(decErr, 1)
			s.logger.Warnf("server: decoding stream on fd %d: %v", sc.fd, wrapped)
			s.logger.Debugf("server: %s", wrapped.ErrorStack())
		}
		for _, e := range events {
			e.Dir = event.DirectionIncoming
			if isPeer {
				e.Dest = event.DestNode
			} else {
				e.Dest = event.DestPluginMan
			}
			e.PushMeta(definition.FdTag(sc.fd))
			s.send(e)
		}
	}
	if err != nil {
		s.handleControl(controlMsg{kind: ctrlDisconnect, fd: sc.fd, isPeer: isPeer})
	}
}

// handleOutcoming dispatches events addressed to Server by Node or
// PluginMan (spec.md §4.1 "Outgoing event handling").
func (s *Server) handleOutcoming(e event.Event) {
	switch e.Kind {
	case event.KindBroadcastEvent:
		s.broadcast(e)
	case event.KindApproveTransaction:
		s.forwardToPeer(e)
	case event.KindRespondClient:
		s.forwardToClient(e)
	default:
		s.logger.Warnf("server: unknown outcoming kind %s", e.Kind)
	}
}

func (s *Server) broadcast(e event.Event) {
	if len(e.Data) < 2 {
		return
	}
	payload := e.DataAt(0)
	n := int(int32From(e.DataAt(1)))
	for i := 0; i < n; i++ {
		idx := 2 + i
		if idx >= len(e.Data) {
			return
		}
		id := definition.NodeIDFromBytes(e.Data[idx])
		fd, ok := s.peerIDs[id]
		if !ok {
			continue
		}
		sc, ok := s.peers[fd]
		if !ok {
			continue
		}
		if _, err := sc.conn.Write(payload); err != nil {
			s.logger.Warnf("server: broadcast write to peer %s failed: %v", id, err)
		}
	}
}

func (s *Server) forwardToPeer(e event.Event) {
	fdBytes, ok := e.PopMeta()
	if !ok {
		return
	}
	sc, ok := s.peers[definition.FdFromTag(fdBytes)]
	if !ok {
		return
	}
	wire := event.Event{Dir: event.DirectionIncoming, Dest: event.DestNode, Kind: e.Kind, Data: e.Data}
	if _, err := sc.conn.Write(event.Encode(wire)); err != nil {
		s.logger.Warnf("server: write to peer failed: %v", err)
	}
}

func (s *Server) forwardToClient(e event.Event) {
	fdBytes, ok := e.PopMeta()
	if !ok {
		return
	}
	sc, ok := s.clients[definition.FdFromTag(fdBytes)]
	if !ok {
		// Client disconnected before the response arrived; dropped
		// silently (spec.md §4.1).
		return
	}
	wire := event.Event{Dir: event.DirectionIncoming, Dest: event.DestPluginMan, Kind: e.Kind, Data: e.Data}
	if _, err := sc.conn.Write(event.Encode(wire)); err != nil {
		s.logger.Warnf("server: write to client failed: %v", err)
	}
}

func remoteIP(conn net.Conn) net.IP {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return tcpAddr.IP
}

func int32From(b []byte) int32 {
	if len(b) < 4 {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// readOneEvent blocks, bounded by timeout, until a single complete event
// has been read from conn.
func readOneEvent(conn net.Conn, timeout time.Duration) (event.Event, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return event.Event{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf []byte
	tmp := make([]byte, 512)
	for {
		e, _, err := event.Decode(buf)
		if err == nil {
			return e, nil
		}
		if err != event.ErrShortBuffer {
			return event.Event{}, err
		}
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			return event.Event{}, rerr
		}
	}
}
