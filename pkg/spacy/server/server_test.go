package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/spacy/pkg/spacy/config"
	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

func newTestServer(t *testing.T) (*Server, chan event.Event) {
	t.Helper()
	out := make(chan event.Event, 32)
	base := &config.BaseConfiguration{
		Logger:   definition.NewLogger("test"),
		NodePort: 0,
	}
	s, err := New(base, definition.NewNodeID(), out)
	require.NoError(t, err)
	go s.Run()
	t.Cleanup(s.Stop)
	return s, out
}

// loopbackPair returns two ends of a live TCP connection, standing in for
// a conn the Server's listener would have accepted.
func loopbackPair(t *testing.T) (accepted net.Conn, remote net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	remoteCh := make(chan net.Conn, 1)
	go func() {
		c, _ := net.Dial("tcp", ln.Addr().String())
		remoteCh <- c
	}()
	accepted, err = ln.Accept()
	require.NoError(t, err)
	remote = <-remoteCh
	require.NotNil(t, remote)
	return accepted, remote
}

func TestServer_ClientHandshakeRegistersAndRoutesRespondClient(t *testing.T) {
	s, _ := newTestServer(t)
	accepted, remote := loopbackPair(t)
	t.Cleanup(func() { remote.Close() })

	hello := event.New(event.DestNone, event.KindMarkMeClient)
	_, err := remote.Write(event.Encode(hello))
	require.NoError(t, err)

	s.accepted <- accepted

	var fd int
	require.Eventually(t, func() bool {
		for clientFd := range s.clients {
			fd = clientFd
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond)

	resp := event.NewOutcoming(event.DestServer, event.KindRespondClient, []byte{0, 0, 0, 0})
	resp.Meta = [][]byte{definition.FdTag(fd)}
	s.Inbound <- resp

	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := remote.Read(buf)
	require.NoError(t, err)

	got, _, err := event.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, event.KindRespondClient, got.Kind)
}

func TestServer_PeerHandshakeRegistersAndNotifiesNode(t *testing.T) {
	s, out := newTestServer(t)
	accepted, remote := loopbackPair(t)
	t.Cleanup(func() { remote.Close() })

	peerID := definition.NewNodeID()
	hello := event.New(event.DestNone, event.KindMarkMeNode, peerID.Bytes())
	_, err := remote.Write(event.Encode(hello))
	require.NoError(t, err)

	s.accepted <- accepted

	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := remote.Read(buf)
	require.NoError(t, err)
	reply, _, err := event.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, event.KindMarkMeNode, reply.Kind)

	select {
	case e := <-out:
		require.Equal(t, event.KindNodeConnected, e.Kind)
		require.Equal(t, peerID.Bytes(), e.DataAt(0))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NodeConnected")
	}

	require.Eventually(t, func() bool {
		_, ok := s.peerIDs[peerID]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestServer_DuplicateMarkMeNodeIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	peerID := definition.NewNodeID()

	first, firstRemote := loopbackPair(t)
	t.Cleanup(func() { firstRemote.Close() })
	_, err := firstRemote.Write(event.Encode(event.New(event.DestNone, event.KindMarkMeNode, peerID.Bytes())))
	require.NoError(t, err)
	s.accepted <- first

	require.Eventually(t, func() bool {
		_, ok := s.peerIDs[peerID]
		return ok
	}, time.Second, 10*time.Millisecond)

	second, secondRemote := loopbackPair(t)
	t.Cleanup(func() { secondRemote.Close() })
	_, err = secondRemote.Write(event.Encode(event.New(event.DestNone, event.KindMarkMeNode, peerID.Bytes())))
	require.NoError(t, err)
	s.accepted <- second

	require.Eventually(t, func() bool {
		secondRemote.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		buf := make([]byte, 16)
		_, err := secondRemote.Read(buf)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "duplicate handshake connection should be closed")

	require.Equal(t, 1, len(s.peers))
}
