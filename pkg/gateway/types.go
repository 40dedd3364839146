package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType groups events on the feed
type StreamType string

const (
	StreamTypeTool         StreamType = "tool"
	StreamTypeConversation StreamType = "conversation"
	StreamTypeLifecycle    StreamType = "lifecycle"
)

// EventMessage is one frame of the /events feed
type EventMessage struct {
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Data      interface{} `json:"data"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
}

// clientQueueSize bounds the frames waiting for one subscriber
const clientQueueSize = 64

// Client is one /events subscriber. Frames are queued and written by the
// client's own write pump so a slow subscriber never stalls publishers.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	send     chan []byte
	quit     chan struct{}
	exited   chan struct{}
	quitOnce sync.Once
	dropped  atomic.Int64
}

func newClient(id string, conn *websocket.Conn, ip string) *Client {
	return &Client{
		ID:          id,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   ip,
		send:        make(chan []byte, clientQueueSize),
		quit:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

// Enqueue queues a text frame without blocking. It reports false when the
// queue is full or the client is closing.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped counts frames discarded because the queue was full
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Close asks the write pump to flush queued frames and close the connection
func (c *Client) Close() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// Done is closed once the write pump has exited
func (c *Client) Done() <-chan struct{} {
	return c.exited
}

func (c *Client) writePump() {
	defer close(c.exited)
	defer c.Conn.Close()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		case <-c.quit:
			for {
				select {
				case data := <-c.send:
					if err := c.write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// ClientInfo describes a connected subscriber
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	IPAddress   string    `json:"ip_address"`
}
