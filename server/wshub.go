package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/gesturenode/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

const (
	wsSendQueueSize = 64
	wsWriteTimeout  = 5 * time.Second
)

// Message that we send to websocket clients for every emitted packet
type wsDetectionMessage struct {
	Type       string         `json:"type"`      // Always "detection"
	Timestamp  int64          `json:"timestamp"` // Microseconds
	Detections []nn.Detection `json:"detections"`
}

type wsClient struct {
	conn      *websocket.Conn
	sendQueue chan []byte
	dropped   atomic.Int64
}

// wsHub fans out the runner's output packets to websocket clients.
// OnEvent is called on the frame pipeline, so it never blocks. If a client's
// queue is full, the message is dropped for that client only.
type wsHub struct {
	log     logs.Log
	lock    sync.Mutex
	clients map[*wsClient]bool
	closed  bool
}

func newWSHub(log logs.Log) *wsHub {
	return &wsHub{
		log:     log,
		clients: map[*wsClient]bool{},
	}
}

func (h *wsHub) OnEvent(p graph.OutputPacket) {
	detections, ok := p.Packet.Payload.([]nn.Detection)
	if !ok {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.clients) == 0 {
		return
	}
	msg, err := json.Marshal(&wsDetectionMessage{
		Type:       "detection",
		Timestamp:  int64(p.Packet.Timestamp),
		Detections: detections,
	})
	if err != nil {
		h.log.Errorf("Failed to marshal websocket message: %v", err)
		return
	}
	for c := range h.clients {
		select {
		case c.sendQueue <- msg:
		default:
			c.dropped.Add(1)
		}
	}
}

func (h *wsHub) NumClients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Serve runs the client until the connection fails, or the hub is closed
func (h *wsHub) Serve(conn *websocket.Conn) {
	c := &wsClient{
		conn:      conn,
		sendQueue: make(chan []byte, wsSendQueueSize),
	}
	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.lock.Unlock()
	h.log.Infof("Websocket client %v connected", conn.RemoteAddr())

	go h.reader(c)
	h.writer(c)

	if n := c.dropped.Load(); n != 0 {
		h.log.Infof("Websocket client %v disconnected, after %v dropped messages", conn.RemoteAddr(), n)
	} else {
		h.log.Infof("Websocket client %v disconnected", conn.RemoteAddr())
	}
}

// We don't expect anything from the client, but we must read in order to
// notice when the connection is closed.
func (h *wsHub) reader(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *wsHub) writer(c *wsClient) {
	for msg := range c.sendQueue {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Infof("Error writing to websocket %v: %v", c.conn.RemoteAddr(), err)
			h.remove(c)
			break
		}
	}
	c.conn.Close()
}

// Remove the client, and end its writer
func (h *wsHub) remove(c *wsClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.sendQueue)
	}
}

// Close disconnects all clients
func (h *wsHub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.sendQueue)
	}
}
