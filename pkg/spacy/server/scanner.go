package server

import (
	"fmt"
	"net"
	"time"

	"github.com/jabolina/spacy/internal/netutil"
	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

// scanInterval is how often the scanner restarts a full sweep of every
// local /24 (spec.md §4.1 "Scanner ... loops forever").
const scanInterval = 2 * time.Second

// connectTimeout bounds a single candidate dial (spec.md §4.1: "short
// timeout (100 ms)").
const connectTimeout = 100 * time.Millisecond

// scanLoop sweeps every local network's /24 looking for other nodes,
// handing each successful handshake to the main loop over s.control so
// connection tables stay single-writer.
func (s *Server) scanLoop() {
	defer close(s.scanDone)
	for {
		locals, err := netutil.LocalIPv4s()
		if err != nil {
			s.logger.Warnf("server: scanner could not list local addresses: %v", err)
		}
		for _, local := range locals {
			s.sweep(local, locals)
		}

		select {
		case <-s.stop:
			return
		case <-time.After(scanInterval):
		}
	}
}

func (s *Server) sweep(local net.IP, locals []net.IP) {
	for _, candidate := range netutil.SweepRange(local) {
		select {
		case <-s.stop:
			return
		default:
		}

		if netutil.IsSelf(candidate, locals) || s.peerIPs.Contains(candidate) {
			continue
		}
		s.dial(candidate)
	}
}

func (s *Server) dial(ip net.IP) {
	addr := fmt.Sprintf("%s:%d", ip.String(), s.base.NodePort)
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return
	}

	hello := event.New(event.DestNone, event.KindMarkMeNode, s.id.Bytes())
	if _, err := conn.Write(event.Encode(hello)); err != nil {
		conn.Close()
		return
	}

	reply, err := readOneEvent(conn, connectTimeout)
	if err != nil || reply.Kind != event.KindMarkMeNode {
		conn.Close()
		return
	}

	peerID := definition.NodeIDFromBytes(reply.DataAt(0))
	s.peerIPs.Add(ip)

	select {
	case s.control <- controlMsg{kind: ctrlNewPeer, conn: conn, peerID: peerID}:
	case <-s.stop:
		conn.Close()
	}
}
