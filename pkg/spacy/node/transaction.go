package node

import (
	"encoding/binary"

	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

// TransactionEvent is a single proposal waiting its turn in the node's own
// transaction queue (spec.md §3 TransactionState.queue). Meta only carries
// a payload for TxUpdateSharedMemory, the plugin fd chain needed to notify
// the client once the write is either committed or lost to contention.
type TransactionEvent struct {
	Kind event.TransactionKind
	Data [][]byte
	Meta [][]byte
}

// TransactionState is the per-node transaction bookkeeping of spec.md §3.
// At most one transaction executes at a time; queue holds locally
// originated proposals waiting to be mastered.
type TransactionState struct {
	InTransaction bool
	IsMaster      bool
	Kind          event.TransactionKind
	Approvals     int
	Active        *TransactionEvent
	Queue         []TransactionEvent
}

func (t *TransactionState) enqueue(te TransactionEvent) {
	t.Queue = append(t.Queue, te)
}

func (t *TransactionState) popQueued() (TransactionEvent, bool) {
	if len(t.Queue) == 0 {
		return TransactionEvent{}, false
	}
	head := t.Queue[0]
	t.Queue = t.Queue[1:]
	return head, true
}

func (t *TransactionState) reset() {
	t.InTransaction = false
	t.IsMaster = false
	t.Approvals = 0
	t.Active = nil
}

func putUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func uint64From(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
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

func putKind(k event.TransactionKind) []byte {
	return putInt32(int32(k))
}

func kindFrom(b []byte) event.TransactionKind {
	return event.TransactionKind(int32From(b))
}

// buildSyncData flattens a shared-map snapshot into the (version, k1, v1,
// k2, v2, ...) wire shape spec.md §4.2 names for SyncSharedMemory.
func buildSyncData(version uint64, values map[int32][]byte) [][]byte {
	out := [][]byte{putUint64(version)}
	for k, v := range values {
		out = append(out, putInt32(k), v)
	}
	return out
}

// parseSyncData is the inverse of buildSyncData.
func parseSyncData(data [][]byte) (uint64, map[int32][]byte) {
	if len(data) == 0 {
		return 0, nil
	}
	version := uint64From(data[0])
	values := make(map[int32][]byte)
	for i := 1; i+1 < len(data); i += 2 {
		values[int32From(data[i])] = data[i+1]
	}
	return version, values
}

// resolveContention decides whether the remote proposal beats the locally
// mastered one, per spec.md §4.2's contention table: the proposal with the
// strictly lower transaction kind always wins; kind ties are broken by
// comparing shared-map versions for SyncSharedMemory (higher version wins,
// then higher node id), and by node id alone for every other kind
// (including UpdateSharedMemory, where the loser's plugin is notified by
// the caller).
func resolveContention(localKind, otherKind event.TransactionKind, localID, otherID definition.NodeID, localData, otherData [][]byte) bool {
	if otherKind != localKind {
		return otherKind < localKind
	}
	if localKind == event.TxSyncSharedMemory {
		localVersion, _ := parseSyncData(localData)
		otherVersion, _ := parseSyncData(otherData)
		if localVersion != otherVersion {
			return otherVersion > localVersion
		}
	}
	return otherID.Greater(localID)
}
