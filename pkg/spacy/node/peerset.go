package node

import "github.com/jabolina/spacy/pkg/spacy/definition"

// PeerSet is the set of currently reachable peer identities (spec.md §3).
// Its size is the sole quorum denominator for any transaction (REDESIGN
// FLAGS §9: no separate UpdateNodeCount counter).
type PeerSet struct {
	members map[definition.NodeID]struct{}
}

// NewPeerSet returns an empty peer set.
func NewPeerSet() *PeerSet {
	return &PeerSet{members: make(map[definition.NodeID]struct{})}
}

// Add records id as reachable.
func (p *PeerSet) Add(id definition.NodeID) {
	p.members[id] = struct{}{}
}

// Remove forgets id.
func (p *PeerSet) Remove(id definition.NodeID) {
	delete(p.members, id)
}

// Contains reports whether id is a currently known peer.
func (p *PeerSet) Contains(id definition.NodeID) bool {
	_, ok := p.members[id]
	return ok
}

// Len is the quorum denominator.
func (p *PeerSet) Len() int {
	return len(p.members)
}

// List returns every known peer identity.
func (p *PeerSet) List() []definition.NodeID {
	out := make([]definition.NodeID, 0, len(p.members))
	for id := range p.members {
		out = append(out, id)
	}
	return out
}
