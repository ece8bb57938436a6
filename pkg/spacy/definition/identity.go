package definition

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// NodeID is a 128-bit total order used for conflict resolution between
// nodes (spec.md §3). Its lifetime is the process lifetime.
type NodeID [16]byte

// NewNodeID generates a fresh identity seeded from a nanosecond wall-clock
// reading, mixed through a random UUID so two nodes started in the same
// nanosecond still diverge.
func NewNodeID() NodeID {
	var id NodeID
	seed := uuid.New()
	copy(id[:], seed[:])

	var now [8]byte
	binary.BigEndian.PutUint64(now[:], uint64(time.Now().UnixNano()))
	for i := 0; i < 8; i++ {
		id[i] ^= now[i]
	}
	return id
}

// Bytes returns the identity as a plain byte slice, suitable for use as an
// Event data element or a map key's string form.
func (n NodeID) Bytes() []byte {
	out := make([]byte, 16)
	copy(out, n[:])
	return out
}

// NodeIDFromBytes reconstructs an identity previously produced by Bytes.
func NodeIDFromBytes(b []byte) NodeID {
	var id NodeID
	copy(id[:], b)
	return id
}

// Greater reports whether n has higher priority than other under the
// cluster's total order (spec.md §4.2: "higher node_id wins").
func (n NodeID) Greater(other NodeID) bool {
	for i := range n {
		if n[i] != other[i] {
			return n[i] > other[i]
		}
	}
	return false
}

func (n NodeID) String() string {
	return uuid.UUID(n).String()
}
