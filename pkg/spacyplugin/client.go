// Package spacyplugin is the library a plugin child process links against
// to talk to its PluginMan (spec.md §4.5). It is a reference client: the
// wire contract is the only thing the rest of the system depends on, not
// this particular implementation.
package spacyplugin

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/jabolina/spacy/pkg/spacy/definition"
	"github.com/jabolina/spacy/pkg/spacy/event"
)

const readChunk = 4096

// Client is a single plugin's connection to its node's PluginMan.
type Client struct {
	conn  net.Conn
	queue []event.Event
	buf   []byte
}

// Dial opens the callback stream a freshly spawned plugin must establish
// (spec.md §4.5 step 1).
func Dial(port int) (*Client, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("spacyplugin: dial callback port: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts down the callback stream.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Step performs one readiness-poll iteration: if the stream has data ready
// within timeout, every complete event found is appended to the local
// queue GetEvent pops from (spec.md §4.5 step 2).
func (c *Client) Step(timeout time.Duration) error {
	ready, err := definition.ReadyForRead([]net.Conn{c.conn}, timeout)
	if err != nil {
		return fmt.Errorf("spacyplugin: readiness poll: %w", err)
	}
	if len(ready) == 0 {
		return nil
	}

	tmp := make([]byte, readChunk)
	n, readErr := c.conn.Read(tmp)
	if n > 0 {
		c.buf = append(c.buf, tmp[:n]...)
		events, rest, decErr := event.DecodeStream(c.buf)
		c.buf = rest
		c.queue = append(c.queue, events...)
		if decErr != nil {
			return fmt.Errorf("spacyplugin: decoding stream: %w", decErr)
		}
	}
	if readErr != nil {
		return fmt.Errorf("spacyplugin: callback stream closed: %w", readErr)
	}
	return nil
}

// GetEvent pops the oldest queued event, if any.
func (c *Client) GetEvent() (event.Event, bool) {
	if len(c.queue) == 0 {
		return event.Event{}, false
	}
	e := c.queue[0]
	c.queue = c.queue[1:]
	return e, true
}

// UpdateSharedMemory proposes writing value at key into the cluster's
// shared map. Fire-and-forget: the eventual TransactionSucceeded or
// TransactionFailed arrives through Step/GetEvent like any other event.
func (c *Client) UpdateSharedMemory(key int32, value []byte) error {
	return c.write(event.NewOutcoming(event.DestNone, event.KindUpdateSharedMemory, putInt32(key), value))
}

// GetFromSharedMemory requests the current value at key. The response
// arrives as a KindGetFromSharedMemory event through Step/GetEvent.
func (c *Client) GetFromSharedMemory(key int32) error {
	return c.write(event.NewOutcoming(event.DestNone, event.KindGetFromSharedMemory, putInt32(key)))
}

// RespondClient sends data back to whichever client triggered the plugin
// event currently being handled.
func (c *Client) RespondClient(data ...[]byte) error {
	return c.write(event.NewOutcoming(event.DestNone, event.KindRespondClient, data...))
}

func (c *Client) write(e event.Event) error {
	_, err := c.conn.Write(event.Encode(e))
	return err
}

func putInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}
