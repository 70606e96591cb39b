package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/switchboard/internal/reliability"
	"github.com/antoniostano/switchboard/internal/session"
)

const (
	reconnectBaseDelay = 5 * time.Second
	reconnectMaxDelay  = 300 * time.Second
	heartbeatInterval  = 30 * time.Second
	writeTimeout       = 3 * time.Second
)

// Frame is one inbound event on the backend push stream.
type Frame struct {
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata"`
}

// SessionLookup is the bridge's non-owning view of the session registry.
// A lookup miss means the session is gone and the event is discarded.
type SessionLookup interface {
	Get(sessionID string) (*session.Session, error)
}

// Conn is the long-lived push-stream connection for one session. It dials
// the backend's stream endpoint, forwards classified events into the
// session's inbound queue, and reconnects with capped exponential backoff.
type Conn struct {
	sessionID string
	endpoint  string
	lookup    SessionLookup
	dialer    websocket.Dialer

	mu                  sync.Mutex
	ws                  *websocket.Conn
	stop                chan struct{}
	connected           bool
	consecutiveFailures int
	lastAttempt         time.Time

	onEvent func(kind string) // metrics hook, may be nil
}

func newConn(sessionID, endpoint string, lookup SessionLookup, onEvent func(string)) *Conn {
	return &Conn{
		sessionID: sessionID,
		endpoint:  endpoint,
		lookup:    lookup,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		onEvent: onEvent,
	}
}

// Connected reports the current link state.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// EnsureConnected connects if the link is down, rate-limited by
// exponential backoff between attempts. The first attempt after a clean
// connection carries no delay. Returns the resulting link state.
func (c *Conn) EnsureConnected(ctx context.Context) bool {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return true
	}
	if c.consecutiveFailures > 0 {
		wait := reliability.ExponentialBackoff(c.consecutiveFailures-1, reconnectBaseDelay, reconnectMaxDelay)
		if time.Since(c.lastAttempt) < wait {
			c.mu.Unlock()
			return false
		}
	}
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Conn) connect(ctx context.Context) bool {
	ws, res, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		if res != nil {
			log.Printf("stream: dial %s failed (%s): %v", c.endpoint, res.Status, err)
		} else {
			log.Printf("stream: dial %s failed: %v", c.endpoint, err)
		}
		c.mu.Lock()
		c.connected = false
		c.consecutiveFailures++
		c.mu.Unlock()
		c.emit("connect_failed")
		return false
	}

	stop := make(chan struct{})
	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.ws = ws
	c.stop = stop
	c.connected = true
	c.consecutiveFailures = 0
	c.mu.Unlock()
	c.emit("connected")

	go c.readLoop(ws, stop)
	go c.heartbeat(ws, stop)
	return true
}

func (c *Conn) readLoop(ws *websocket.Conn, stop chan struct{}) {
	defer c.markDisconnected(ws, stop)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Printf("stream: read error for session %s: %v", c.sessionID, err)
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("stream: frame parse error for session %s: %v", c.sessionID, err)
			continue
		}
		c.deliver(frame)
	}
}

// deliver classifies the frame and enqueues it without blocking. The
// session may already be gone; that is not an error here.
func (c *Conn) deliver(frame Frame) {
	var msg session.Message
	switch frame.Type {
	case "message":
		msg = session.Message{Kind: session.MessageText, Text: frame.Message}
	case "eos":
		msg = session.Message{Kind: session.MessageEndOfStream}
	case "timeout":
		msg = session.Message{Kind: session.MessageEndOfConversation}
	default:
		log.Printf("stream: unknown frame type %q for session %s", frame.Type, c.sessionID)
		return
	}

	s, err := c.lookup.Get(c.sessionID)
	if err != nil {
		return
	}
	if !s.Inbound.TryPush(msg) {
		log.Printf("stream: inbound queue full for session %s, dropping %s", c.sessionID, msg.Kind)
		c.emit("dropped")
		return
	}
	c.emit("delivered")
}

func (c *Conn) heartbeat(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("stream: heartbeat failed for session %s: %v", c.sessionID, err)
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Conn) markDisconnected(ws *websocket.Conn, stop chan struct{}) {
	_ = ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.connected = false
		close(stop)
		c.stop = nil
		c.ws = nil
	}
	c.mu.Unlock()
	c.emit("disconnected")
}

// Close tears the connection down for good; the owning manager removes
// the Conn from its map right after.
func (c *Conn) Close() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.connected = false
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Conn) emit(kind string) {
	if c.onEvent != nil {
		c.onEvent(kind)
	}
}
