package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	e := New(DestNode, KindUpdateSharedMemory, []byte{0, 0, 0, 7}, []byte("v"))
	buf := Encode(e)

	decoded, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, e.Dir, decoded.Dir)
	require.Equal(t, e.Dest, decoded.Dest)
	require.Equal(t, e.Kind, decoded.Kind)
	require.Equal(t, e.Data, decoded.Data)
	require.Empty(t, decoded.Meta, "meta must never be carried on the wire")
}

func TestDecode_ShortBufferIsRetained(t *testing.T) {
	e := New(DestServer, KindBroadcastEvent, []byte("payload"))
	buf := Encode(e)

	_, _, err := Decode(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeStream_GreedyWithPartialTail(t *testing.T) {
	first := Encode(New(DestNode, KindGetFromSharedMemory, []byte{1}))
	second := Encode(New(DestPluginMan, KindRespondClient, []byte{0, 0, 0, 0}))
	partial := Encode(New(DestServer, KindNodeConnected))[:3]

	stream := append(append(append([]byte{}, first...), second...), partial...)

	events, tail, err := DecodeStream(stream)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, KindGetFromSharedMemory, events[0].Kind)
	require.Equal(t, KindRespondClient, events[1].Kind)
	require.Equal(t, partial, tail)
}

func TestMetaStack_LIFO(t *testing.T) {
	e := New(DestServer, KindRespondClient)
	e.PushMeta([]byte("client-fd"))
	e.PushMeta([]byte("plugin-fd"))

	top, ok := e.PopMeta()
	require.True(t, ok)
	require.Equal(t, []byte("plugin-fd"), top)

	top, ok = e.PopMeta()
	require.True(t, ok)
	require.Equal(t, []byte("client-fd"), top)

	_, ok = e.PopMeta()
	require.False(t, ok)
}
