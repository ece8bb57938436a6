package event

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire encoding of an Event: a 4-byte length prefix followed by a body of
// [dir byte][dest byte][kind int32][data count int32]{[len int32][bytes]}...
//
// Meta is never part of the wire body (spec.md §3): it is a node-local
// annotation and each endpoint reconstructs its own meta as the event
// passes through its components.
var order = binary.BigEndian

// Encode serializes a single event into a length-prefixed wire record.
func Encode(e Event) []byte {
	var body bytes.Buffer
	body.WriteByte(byte(e.Dir))
	body.WriteByte(byte(e.Dest))

	var kindBuf [4]byte
	order.PutUint32(kindBuf[:], uint32(e.Kind))
	body.Write(kindBuf[:])

	var countBuf [4]byte
	order.PutUint32(countBuf[:], uint32(len(e.Data)))
	body.Write(countBuf[:])

	for _, d := range e.Data {
		var lenBuf [4]byte
		order.PutUint32(lenBuf[:], uint32(len(d)))
		body.Write(lenBuf[:])
		body.Write(d)
	}

	out := make([]byte, 4+body.Len())
	order.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out
}

// ErrShortBuffer is returned by Decode when buf does not yet hold a
// complete record; the caller should retain buf and append more bytes.
var ErrShortBuffer = fmt.Errorf("event: buffer holds a partial record")

// Decode parses a single length-prefixed event from the head of buf. It
// returns the parsed event, the number of bytes consumed, and an error.
// ErrShortBuffer means buf is a valid but incomplete prefix: the caller
// should retain it and retry once more bytes arrive.
func Decode(buf []byte) (Event, int, error) {
	if len(buf) < 4 {
		return Event{}, 0, ErrShortBuffer
	}
	length := int(order.Uint32(buf[:4]))
	total := 4 + length
	if len(buf) < total {
		return Event{}, 0, ErrShortBuffer
	}

	body := buf[4:total]
	if len(body) < 2+4+4 {
		return Event{}, 0, fmt.Errorf("event: truncated body")
	}

	e := Event{
		Dir:  Direction(body[0]),
		Dest: Destination(body[1]),
	}
	pos := 2
	e.Kind = Kind(order.Uint32(body[pos : pos+4]))
	pos += 4
	count := int(order.Uint32(body[pos : pos+4]))
	pos += 4

	for i := 0; i < count; i++ {
		if pos+4 > len(body) {
			return Event{}, 0, fmt.Errorf("event: truncated data length")
		}
		dlen := int(order.Uint32(body[pos : pos+4]))
		pos += 4
		if pos+dlen > len(body) {
			return Event{}, 0, fmt.Errorf("event: truncated data")
		}
		value := make([]byte, dlen)
		copy(value, body[pos:pos+dlen])
		e.Data = append(e.Data, value)
		pos += dlen
	}

	return e, total, nil
}

// DecodeStream decodes as many complete events as are present at the head
// of buf, returning them in order along with the remaining, possibly
// partial, tail that should be retained for the next read (spec.md §6:
// "a reader decodes events greedily until the buffer has a partial tail").
func DecodeStream(buf []byte) ([]Event, []byte, error) {
	var events []Event
	for {
		e, n, err := Decode(buf)
		if err == ErrShortBuffer {
			return events, buf, nil
		}
		if err != nil {
			return events, buf, err
		}
		events = append(events, e)
		buf = buf[n:]
	}
}
