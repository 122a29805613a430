package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/inboxd/idgen"
)

// conn is one live SSE connection.
type conn struct {
	id      string
	itemID  string
	userID  string
	created time.Time

	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool
	done   chan struct{}
}

// send writes one SSE frame. Safe for concurrent use; returns an error once
// the connection is closed or the underlying writer fails.
func (c *conn) send(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("progress: connection %s closed", c.id)
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	c.flush()
	return nil
}

// close marks the connection finished and releases its waiter. Idempotent.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Manager is the in-memory registry of live SSE connections, keyed by item
// id. It is process-local: in a multi-instance deployment clients must be
// routed to the instance running their item's pipeline.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]map[string]*conn // itemID -> connID -> conn

	logger *slog.Logger
	newID  idgen.Generator
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets a custom logger for the manager.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithConnIDGenerator sets a custom ID generator for connection IDs.
func WithConnIDGenerator(gen idgen.Generator) ManagerOption {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates an empty connection registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		conns:  make(map[string]map[string]*conn),
		logger: slog.Default(),
		newID:  idgen.Prefixed("con_", idgen.NanoID(16)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe registers w as a live SSE stream for itemID, writes the SSE
// response headers and the initial "connected" event, and returns the
// connection id plus a channel that is closed when the server side finishes
// the stream (terminal event, sweep, item deletion or shutdown). The caller
// owns client-side disconnects: wait on the request context and call
// Unsubscribe when it fires.
func (m *Manager) Subscribe(itemID, userID string, w http.ResponseWriter) (string, <-chan struct{}, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return "", nil, fmt.Errorf("progress: response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := &conn{
		id:      m.newID(),
		itemID:  itemID,
		userID:  userID,
		created: time.Now().UTC(),
		w:       w,
		flush:   flusher.Flush,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.conns[itemID] == nil {
		m.conns[itemID] = make(map[string]*conn)
	}
	m.conns[itemID][c.id] = c
	m.mu.Unlock()

	ev := NewEvent(EventConnected, itemID, map[string]any{"connectionId": c.id})
	if err := c.send(ev); err != nil {
		m.drop(c)
		return "", nil, fmt.Errorf("progress: initial event: %w", err)
	}

	m.logger.Debug("sse subscribed", "item", itemID, "conn", c.id, "user", userID)
	return c.id, c.done, nil
}

// Send delivers an event to a single connection. Used by the HTTP layer to
// push the item snapshot to a new subscriber without broadcasting it.
func (m *Manager) Send(itemID, connID string, ev Event) error {
	m.mu.RLock()
	c := m.conns[itemID][connID]
	m.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("progress: connection %s not found for item %s", connID, itemID)
	}
	if err := c.send(ev); err != nil {
		m.drop(c)
		return err
	}
	return nil
}

// Publish fans ev out to every live connection for itemID. Delivery is
// independent per connection: a failing write deregisters that connection
// only and never affects the others. Publish never returns an error; with
// zero subscribers it is a no-op. If ev.Type is terminal, every connection
// for the item is closed after delivery.
func (m *Manager) Publish(itemID string, ev Event) {
	m.mu.RLock()
	targets := make([]*conn, 0, len(m.conns[itemID]))
	for _, c := range m.conns[itemID] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(ev); err != nil {
			m.logger.Debug("sse write failed, dropping connection",
				"item", itemID, "conn", c.id, "error", err)
			m.drop(c)
		}
	}

	if ev.Type.Terminal() {
		m.CloseItem(itemID)
	}
}

// Unsubscribe deregisters and closes one connection. Safe to call for
// connections already dropped by a failed write or a terminal event.
func (m *Manager) Unsubscribe(itemID, connID string) {
	m.mu.RLock()
	c := m.conns[itemID][connID]
	m.mu.RUnlock()
	if c != nil {
		m.drop(c)
	}
}

// CloseItem closes and deregisters every connection for itemID.
func (m *Manager) CloseItem(itemID string) {
	m.mu.Lock()
	conns := m.conns[itemID]
	delete(m.conns, itemID)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Sweep closes connections older than maxAge regardless of activity and
// returns how many were dropped. Run it periodically to bound resource
// usage from clients that never disconnect cleanly.
func (m *Manager) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.RLock()
	var stale []*conn
	for _, byID := range m.conns {
		for _, c := range byID {
			if c.created.Before(cutoff) {
				stale = append(stale, c)
			}
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		m.drop(c)
	}
	if len(stale) > 0 {
		m.logger.Info("sse sweep dropped stale connections", "count", len(stale))
	}
	return len(stale)
}

// Close shuts the manager down, closing every live connection.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.conns
	m.conns = make(map[string]map[string]*conn)
	m.mu.Unlock()

	for _, byID := range all {
		for _, c := range byID {
			c.close()
		}
	}
}

// ConnCount returns the number of live connections for itemID.
func (m *Manager) ConnCount(itemID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns[itemID])
}

// drop removes c from the registry and closes it.
func (m *Manager) drop(c *conn) {
	m.mu.Lock()
	if byID := m.conns[c.itemID]; byID != nil {
		delete(byID, c.id)
		if len(byID) == 0 {
			delete(m.conns, c.itemID)
		}
	}
	m.mu.Unlock()
	c.close()
}
