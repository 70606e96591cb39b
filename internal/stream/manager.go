package stream

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// Manager owns one Conn per session. Connections are created lazily on
// first need and torn down when the owning session is destroyed; a
// background checker revives any that dropped.
type Manager struct {
	wsBaseURL string
	lookup    SessionLookup
	onEvent   func(kind string)

	// dialCtx outlives any single webhook request; connections the
	// manager owns must not die with the request that triggered them.
	dialCtx context.Context

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewManager(wsBaseURL string, lookup SessionLookup, onEvent func(string)) *Manager {
	return &Manager{
		wsBaseURL: wsBaseURL,
		lookup:    lookup,
		onEvent:   onEvent,
		dialCtx:   context.Background(),
		conns:     make(map[string]*Conn),
	}
}

// GetOrCreate returns the session's connection, creating and starting it
// on first call. Creation is double-checked under the write lock so
// concurrent webhook handlers cannot race two connections into existence
// for the same session. The initial dial runs on the manager's context.
func (m *Manager) GetOrCreate(sessionID, streamKey string) *Conn {
	m.mu.RLock()
	c, ok := m.conns[sessionID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	if c, ok := m.conns[sessionID]; ok {
		m.mu.Unlock()
		return c
	}
	c = newConn(sessionID, m.endpointFor(streamKey), m.lookup, m.onEvent)
	m.conns[sessionID] = c
	m.mu.Unlock()

	go c.EnsureConnected(m.dialCtx)
	return c
}

func (m *Manager) endpointFor(streamKey string) string {
	return m.wsBaseURL + "?session_id=" + url.QueryEscape(streamKey)
}

// Remove drops and closes the session's connection, if any.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	delete(m.conns, sessionID)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Count returns the number of tracked connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CheckConnections walks every tracked connection and nudges the
// disconnected ones through EnsureConnected (which applies backoff).
func (m *Manager) CheckConnections(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if !c.Connected() {
			c.EnsureConnected(ctx)
		}
	}
}

// StartChecker runs CheckConnections on a fixed interval until ctx is done.
func (m *Manager) StartChecker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckConnections(ctx)
			}
		}
	}()
}
