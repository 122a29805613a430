package progress

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// sseRecorder wraps httptest.ResponseRecorder so writes can be forced to
// fail, simulating a client that went away.
type sseRecorder struct {
	*httptest.ResponseRecorder
	fail bool
}

func (r *sseRecorder) Write(b []byte) (int, error) {
	if r.fail {
		return 0, io.ErrClosedPipe
	}
	return r.ResponseRecorder.Write(b)
}

func newRecorder() *sseRecorder {
	return &sseRecorder{ResponseRecorder: httptest.NewRecorder()}
}

// frames parses the recorded SSE stream into (event type, decoded payload)
// pairs.
func frames(t *testing.T, r *sseRecorder) []struct {
	Type string
	Body map[string]any
} {
	t.Helper()
	var out []struct {
		Type string
		Body map[string]any
	}
	for _, block := range strings.Split(r.Body.String(), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var typ string
		var body map[string]any
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &body); err != nil {
					t.Fatalf("bad data line %q: %v", line, err)
				}
			}
		}
		out = append(out, struct {
			Type string
			Body map[string]any
		}{typ, body})
	}
	return out
}

func TestSubscribeSendsConnected(t *testing.T) {
	m := NewManager()
	rec := newRecorder()

	connID, done, err := m.Subscribe("itm_1", "user-1", rec)
	if err != nil {
		t.Fatal(err)
	}
	if connID == "" {
		t.Error("empty connection id")
	}
	select {
	case <-done:
		t.Error("done closed immediately")
	default:
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	evs := frames(t, rec)
	if len(evs) != 1 || evs[0].Type != string(EventConnected) {
		t.Fatalf("events = %+v, want one connected", evs)
	}
	if evs[0].Body["itemId"] != "itm_1" {
		t.Errorf("itemId = %v", evs[0].Body["itemId"])
	}
}

func TestPublishFansOutIndependently(t *testing.T) {
	m := NewManager()
	good := newRecorder()
	bad := newRecorder()

	if _, _, err := m.Subscribe("itm_1", "u", good); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Subscribe("itm_1", "u", bad); err != nil {
		t.Fatal(err)
	}
	bad.fail = true

	m.Publish("itm_1", NewEvent(EventRoutingStart, "itm_1", map[string]any{"ruleCount": 2}))

	evs := frames(t, good)
	if len(evs) != 2 || evs[1].Type != string(EventRoutingStart) {
		t.Fatalf("good conn events = %+v", evs)
	}
	// The failing connection was dropped, the good one survives.
	if n := m.ConnCount("itm_1"); n != 1 {
		t.Errorf("conn count = %d, want 1", n)
	}

	m.Publish("itm_1", NewEvent(EventRoutingRuleMatch, "itm_1", nil))
	evs = frames(t, good)
	if len(evs) != 3 {
		t.Errorf("good conn did not receive follow-up: %+v", evs)
	}
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	m := NewManager()
	m.Publish("itm_none", NewEvent(EventRoutingStart, "itm_none", nil))
	if n := m.ConnCount("itm_none"); n != 0 {
		t.Errorf("conn count = %d", n)
	}
}

func TestTerminalEventClosesConnections(t *testing.T) {
	m := NewManager()
	rec := newRecorder()
	_, done, err := m.Subscribe("itm_1", "u", rec)
	if err != nil {
		t.Fatal(err)
	}

	m.Publish("itm_1", NewEvent(EventRoutingComplete, "itm_1", map[string]any{"summary": "done"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after terminal event")
	}
	if n := m.ConnCount("itm_1"); n != 0 {
		t.Errorf("conn count = %d, want 0", n)
	}

	// Delivery happened before the close.
	evs := frames(t, rec)
	if evs[len(evs)-1].Type != string(EventRoutingComplete) {
		t.Errorf("last event = %q", evs[len(evs)-1].Type)
	}
}

func TestNoReplayAfterTerminal(t *testing.T) {
	m := NewManager()
	first := newRecorder()
	if _, _, err := m.Subscribe("itm_1", "u", first); err != nil {
		t.Fatal(err)
	}
	m.Publish("itm_1", NewEvent(EventRoutingComplete, "itm_1", nil))

	late := newRecorder()
	if _, _, err := m.Subscribe("itm_1", "u", late); err != nil {
		t.Fatal(err)
	}
	evs := frames(t, late)
	if len(evs) != 1 || evs[0].Type != string(EventConnected) {
		t.Errorf("late subscriber events = %+v, want only connected", evs)
	}
}

func TestSendTargetsSingleConnection(t *testing.T) {
	m := NewManager()
	a := newRecorder()
	b := newRecorder()
	connA, _, err := m.Subscribe("itm_1", "u", a)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Subscribe("itm_1", "u", b); err != nil {
		t.Fatal(err)
	}

	if err := m.Send("itm_1", connA, NewEvent(EventSnapshot, "itm_1", map[string]any{"status": "processing"})); err != nil {
		t.Fatal(err)
	}

	if evs := frames(t, a); len(evs) != 2 || evs[1].Type != string(EventSnapshot) {
		t.Errorf("conn A events = %+v", evs)
	}
	if evs := frames(t, b); len(evs) != 1 {
		t.Errorf("conn B saw the snapshot: %+v", evs)
	}

	if err := m.Send("itm_1", "con_missing", NewEvent(EventSnapshot, "itm_1", nil)); err == nil {
		t.Error("expected error for unknown connection")
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager()
	rec := newRecorder()
	connID, done, err := m.Subscribe("itm_1", "u", rec)
	if err != nil {
		t.Fatal(err)
	}

	m.Unsubscribe("itm_1", connID)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after unsubscribe")
	}
	if n := m.ConnCount("itm_1"); n != 0 {
		t.Errorf("conn count = %d", n)
	}

	// Idempotent.
	m.Unsubscribe("itm_1", connID)
}

func TestSweepDropsOldConnections(t *testing.T) {
	m := NewManager()
	oldRec := newRecorder()
	newRec := newRecorder()

	if _, _, err := m.Subscribe("itm_old", "u", oldRec); err != nil {
		t.Fatal(err)
	}
	// Backdate the first connection.
	m.mu.Lock()
	for _, byID := range m.conns {
		for _, c := range byID {
			c.created = c.created.Add(-time.Hour)
		}
	}
	m.mu.Unlock()

	if _, _, err := m.Subscribe("itm_new", "u", newRec); err != nil {
		t.Fatal(err)
	}

	dropped := m.Sweep(30 * time.Minute)
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if m.ConnCount("itm_old") != 0 {
		t.Error("old connection survived sweep")
	}
	if m.ConnCount("itm_new") != 1 {
		t.Error("new connection did not survive sweep")
	}
}

func TestClose(t *testing.T) {
	m := NewManager()
	rec := newRecorder()
	_, done, err := m.Subscribe("itm_1", "u", rec)
	if err != nil {
		t.Fatal(err)
	}
	m.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed on shutdown")
	}
}
