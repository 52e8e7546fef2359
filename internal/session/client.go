package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitmesh/orbitmesh/internal/store"
)

const (
	readDeadline  = heartbeatInterval * time.Duration(missedHeartbeatLimit+1)
	writeDeadline = 10 * time.Second
)

// Client is one agent's live websocket connection, generalizing the
// donor's AgentClient from a single untyped Send channel into a
// bounded, backpressure-aware Frame queue plus heartbeat liveness
// tracking (spec §4.5).
type Client struct {
	agentID      string
	agentName    string
	capabilities []string
	tags         []string

	conn *websocket.Conn
	hub  *Hub

	send chan Frame

	sendSeq uint64
	recvSeq uint64

	mu          sync.Mutex
	missedBeats int

	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(hub *Hub, conn *websocket.Conn, hello HelloPayload, agentID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		agentID:      agentID,
		agentName:    hello.AgentName,
		capabilities: hello.Capabilities,
		tags:         hello.Tags,
		conn:         conn,
		hub:          hub,
		send:         make(chan Frame, outboundQueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// enqueue attempts a non-blocking send; the false return implements
// the per-agent backpressure signal DispatchJob relies on to fail
// fast (spec §4.5 "bounded per-agent outbound queue").
func (c *Client) enqueue(f Frame) bool {
	f.Seq = atomic.AddUint64(&c.sendSeq, 1)
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// run starts the read and write pumps and blocks until the connection
// ends, mirroring the donor's ReadPump/Hub.Unregister teardown shape.
func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		c.cancel()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("session: agent %s websocket error: %v", c.agentID, err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("session: agent %s sent malformed frame: %v", c.agentID, err)
			continue
		}
		atomic.StoreUint64(&c.recvSeq, f.Seq)
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f Frame) {
	switch f.Kind {
	case KindHeartbeat:
		c.mu.Lock()
		c.missedBeats = 0
		c.mu.Unlock()
		var hb HeartbeatPayload
		if err := json.Unmarshal(f.Payload, &hb); err == nil {
			c.hub.updateLoad(c.agentID, hb)
		}

	case KindResume:
		var rp ResumePayload
		if err := json.Unmarshal(f.Payload, &rp); err == nil {
			c.hub.reconcile(c.ctx, c, rp)
		}

	case KindJobAck:
		var p JobAckPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil {
			c.hub.markJobStatus(c.ctx, p.JobID, store.JobRunning, nil, "")
		}

	case KindJobProgress:
		var p JobProgressPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil {
			c.hub.reportProgress(c.ctx, p.JobID, p.Detail)
		}

	case KindJobSucceeded:
		var p JobTerminalPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil {
			c.hub.markJobStatus(c.ctx, p.JobID, store.JobSucceeded, p.Result, "")
		}

	case KindJobFailed:
		var p JobTerminalPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil {
			c.hub.markJobStatus(c.ctx, p.JobID, store.JobFailed, p.Result, p.Error)
		}

	case KindJobTimedOut:
		var p JobTerminalPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil {
			c.hub.markJobStatus(c.ctx, p.JobID, store.JobTimedOut, p.Result, p.Error)
		}

	case KindJobCancelled:
		var p JobTerminalPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil {
			c.hub.markJobStatus(c.ctx, p.JobID, store.JobCancelled, p.Result, p.Error)
		}

	case KindGoodbye:
		c.cancel()

	default:
		log.Printf("session: agent %s sent unhandled frame kind %q", c.agentID, f.Kind)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			raw, err := json.Marshal(f)
			if err != nil {
				log.Printf("session: agent %s frame marshal error: %v", c.agentID, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			c.missedBeats++
			missed := c.missedBeats
			c.mu.Unlock()
			if missed > missedHeartbeatLimit {
				c.hub.markOffline(c.agentID)
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
