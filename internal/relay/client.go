package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Message is one websocket frame. Type uses the RFC 6455 opcodes (1 text, 2 binary).
type Message struct {
	Type int
	Data []byte
}

// Client is one downstream connection registered with the relay. The transport layer reads
// Send until Done is closed, then drains what is left and closes the socket.
type Client struct {
	ID string

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(queue int) *Client {
	return &Client{
		ID:   uuid.New().String(),
		send: make(chan Message, queue),
		done: make(chan struct{}),
	}
}

func (c *Client) Send() <-chan Message {
	return c.send
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// enqueue never blocks. It reports false when the queue is full or the client is closed.
func (c *Client) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Closed reports whether the relay has let go of this client.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
