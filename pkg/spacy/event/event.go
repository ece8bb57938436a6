package event

// Direction tags who is meant to act on an event. Its absence is legal only
// for internal control events that never reach a component's inbound queue
// (spec.md §3).
type Direction int32

const (
	// DirectionNone marks an event with no direction set.
	DirectionNone Direction = iota
	DirectionIncoming
	DirectionOutcoming
)

// Destination is used by the Router to pick an inbound channel.
type Destination int32

const (
	DestNone Destination = iota
	DestNode
	DestPluginMan
	DestServer
)

// Event is the sole currency exchanged between components and, stripped of
// its meta, on the wire (spec.md §3).
type Event struct {
	Dir  Direction
	Dest Destination
	Kind Kind

	// Data holds ordered positional arguments, opaque to the router.
	Data [][]byte

	// Meta is a node-local LIFO annotation stack. It is never serialized:
	// each hop may push exactly one element before forwarding, and the
	// reverse path must pop in the same order it was pushed.
	Meta [][]byte
}

// New builds an incoming event addressed to dest, the common shape for
// events produced by a component for another component to handle.
func New(dest Destination, kind Kind, data ...[]byte) Event {
	return Event{
		Dir:  DirectionIncoming,
		Dest: dest,
		Kind: kind,
		Data: data,
	}
}

// NewOutcoming builds an event that the receiver should emit on behalf of
// its sender (e.g. BroadcastEvent, RespondClient, ApproveTransaction).
func NewOutcoming(dest Destination, kind Kind, data ...[]byte) Event {
	return Event{
		Dir:  DirectionOutcoming,
		Dest: dest,
		Kind: kind,
		Data: data,
	}
}

// PushMeta prepends a single annotation onto the meta stack. Each hop that
// forwards an event toward its eventual handler calls this exactly once.
func (e *Event) PushMeta(tag []byte) {
	e.Meta = append([][]byte{tag}, e.Meta...)
}

// PopMeta removes and returns the top of the meta stack. ok is false if the
// stack was empty.
func (e *Event) PopMeta() (tag []byte, ok bool) {
	if len(e.Meta) == 0 {
		return nil, false
	}
	tag = e.Meta[0]
	e.Meta = e.Meta[1:]
	return tag, true
}

// DataAt returns the data element at i, or nil if i is out of range.
func (e Event) DataAt(i int) []byte {
	if i < 0 || i >= len(e.Data) {
		return nil
	}
	return e.Data[i]
}

// Clone returns a shallow copy of the event with independent Data/Meta
// slices, so a hop can mutate its own copy without racing the sender.
func (e Event) Clone() Event {
	data := make([][]byte, len(e.Data))
	copy(data, e.Data)
	meta := make([][]byte, len(e.Meta))
	copy(meta, e.Meta)
	return Event{Dir: e.Dir, Dest: e.Dest, Kind: e.Kind, Data: data, Meta: meta}
}
