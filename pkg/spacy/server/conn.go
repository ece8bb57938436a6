package server

import (
	"net"
	"sync"
)

// streamConn pairs an accepted connection with its raw fd and the partial
// tail left over from the last read (spec.md §4.1 "per-stream read
// handling").
type streamConn struct {
	fd   int
	conn net.Conn
	buf  []byte
}

// peerIPIndex is the guarded peer-IP lookup the scanner consults before
// dialing a candidate address, and the main loop updates on a successful
// handshake (REDESIGN FLAGS §9: "guarded peer-IP index with a narrow API",
// since it is the one piece of Server state touched from both the scanner
// goroutine and the main loop goroutine).
type peerIPIndex struct {
	mu      sync.Mutex
	known   map[string]struct{}
}

func newPeerIPIndex() *peerIPIndex {
	return &peerIPIndex{known: make(map[string]struct{})}
}

func (idx *peerIPIndex) Contains(ip net.IP) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.known[ip.String()]
	return ok
}

func (idx *peerIPIndex) Add(ip net.IP) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.known[ip.String()] = struct{}{}
}

func (idx *peerIPIndex) Remove(ip net.IP) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.known, ip.String())
}
