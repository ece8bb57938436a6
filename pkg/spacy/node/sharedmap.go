package node

// SharedMap is the replicated i32 -> bytes map (spec.md §3). It is owned
// exclusively by the Node's single goroutine, so it carries no internal
// locking of its own.
type SharedMap struct {
	values  map[int32][]byte
	version uint64
}

// NewSharedMap returns an empty map at version 0.
func NewSharedMap() *SharedMap {
	return &SharedMap{values: make(map[int32][]byte)}
}

// Get returns the value for key and whether it was present.
func (s *SharedMap) Get(key int32) ([]byte, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Version returns the map's current version.
func (s *SharedMap) Version() uint64 {
	return s.version
}

// Apply applies a single (version, key, value) update if version exceeds
// the current one (spec.md §3 invariant: "a received update is applied
// only if its version exceeds the local version"). Returns whether the
// update was applied.
func (s *SharedMap) Apply(version uint64, key int32, value []byte) bool {
	if version <= s.version {
		return false
	}
	s.values[key] = value
	s.version = version
	return true
}

// Replace swaps the entire map contents, used when committing a
// SyncSharedMemory transaction. Replace itself does no version check; its
// caller (Node.perform) only calls it when the incoming version exceeds
// the current one.
func (s *SharedMap) Replace(version uint64, values map[int32][]byte) {
	s.version = version
	s.values = values
}

// Snapshot returns the current version and a deep copy of every key and
// value; buildSyncData flattens the pair into the (version, k1, v1, k2,
// v2, ...) shape a SyncSharedMemory transaction carries on the wire.
func (s *SharedMap) Snapshot() (uint64, map[int32][]byte) {
	out := make(map[int32][]byte, len(s.values))
	for k, v := range s.values {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return s.version, out
}
