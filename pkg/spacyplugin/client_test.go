package spacyplugin

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/spacy/pkg/spacy/event"
)

func TestClient_UpdateSharedMemoryWritesFramedEvent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverSide := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverSide <- c
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	client, err := Dial(port)
	require.NoError(t, err)
	defer client.Close()

	conn := <-serverSide
	defer conn.Close()

	require.NoError(t, client.UpdateSharedMemory(7, []byte("hello")))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	got, _, err := event.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, event.KindUpdateSharedMemory, got.Kind)
	require.Equal(t, []byte("hello"), got.DataAt(1))
}

func TestClient_StepQueuesIncomingEvents(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverSide := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverSide <- c
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	client, err := Dial(port)
	require.NoError(t, err)
	defer client.Close()

	conn := <-serverSide
	defer conn.Close()

	notice := event.New(event.DestNone, event.KindTransactionSucceeded)
	_, err = conn.Write(event.Encode(notice))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		require.NoError(t, client.Step(50*time.Millisecond))
		_, ok := client.GetEvent()
		return ok
	}, time.Second, 10*time.Millisecond)
}
