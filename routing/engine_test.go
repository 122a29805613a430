package routing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hazyhaar/inboxd/inbox"
	"github.com/hazyhaar/inboxd/progress"
	_ "modernc.org/sqlite"
)

func classifiedItem(userID string) *inbox.Item {
	c := 0.9
	return &inbox.Item{
		ID:              "itm_1",
		UserID:          userID,
		OriginalContent: "Invoice from ACME, amount due EUR 99",
		ContentType:     inbox.ContentText,
		Category:        "invoice",
		Confidence:      &c,
		Summary:         "ACME invoice over EUR 99",
		SuggestedTitle:  "ACME invoice",
	}
}

// progressLog collects emitted event types.
type progressLog struct {
	mu    sync.Mutex
	types []progress.EventType
}

func (p *progressLog) record(ev progress.Event) {
	p.mu.Lock()
	p.types = append(p.types, ev.Type)
	p.mu.Unlock()
}

func (p *progressLog) count(typ progress.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestDispatchWebhookSigned(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const secret = "hook-secret"
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature-256")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := s.Create(ctx, NewRuleInput{
		UserID: "user-1", Name: "archive", Active: true,
		Match:        MatchSpec{Categories: []string{"invoice"}},
		TargetType:   "webhook",
		TargetConfig: json.RawMessage(fmt.Sprintf(`{"url":%q,"secret":%q}`, srv.URL, secret)),
	}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	log := &progressLog{}
	results, err := e.Dispatch(ctx, classifiedItem("user-1"), log.record)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Status != inbox.ResultSuccess {
		t.Errorf("status = %q: %s", results[0].Status, results[0].Error)
	}
	if results[0].TargetID != "webhook:"+srv.URL {
		t.Errorf("targetId = %q", results[0].TargetID)
	}
	if results[0].RuleName != "archive" {
		t.Errorf("ruleName = %q", results[0].RuleName)
	}

	// Signature covers the exact body.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["event"] != "item.distributed" || payload["itemId"] != "itm_1" {
		t.Errorf("payload = %v", payload)
	}

	if log.count(progress.EventRoutingRuleMatch) != 1 ||
		log.count(progress.EventRoutingToolCallStart) != 1 ||
		log.count(progress.EventRoutingToolCallSuccess) != 1 {
		t.Errorf("events = %v", log.types)
	}
}

func TestDispatchMixedOutcomes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	for i, url := range []string{ok.URL, broken.URL} {
		if _, err := s.Create(ctx, NewRuleInput{
			UserID: "user-1", Name: fmt.Sprintf("rule-%d", i), Active: true,
			Priority:     10 - i,
			TargetType:   "webhook",
			TargetConfig: json.RawMessage(fmt.Sprintf(`{"url":%q}`, url)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	e := NewEngine(s)
	log := &progressLog{}
	results, err := e.Dispatch(ctx, classifiedItem("user-1"), log.record)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Status != inbox.ResultSuccess || results[1].Status != inbox.ResultFailed {
		t.Errorf("statuses = %q, %q", results[0].Status, results[1].Status)
	}
	if results[1].Error == "" {
		t.Error("failed result carries no error")
	}
	if log.count(progress.EventRoutingToolCallError) != 1 {
		t.Errorf("events = %v", log.types)
	}
}

func TestDispatchNoMatchReturnsEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, NewRuleInput{
		UserID: "user-1", Name: "receipts only", Active: true,
		Match:        MatchSpec{Categories: []string{"receipt"}},
		TargetType:   "webhook",
		TargetConfig: json.RawMessage(`{"url":"https://example.com"}`),
	}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	log := &progressLog{}
	results, err := e.Dispatch(ctx, classifiedItem("user-1"), log.record)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none", results)
	}
	if len(log.types) != 0 {
		t.Errorf("events = %v, want none", log.types)
	}
}

func TestDispatchUnknownTargetType(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r, err := s.Create(ctx, NewRuleInput{
		UserID: "user-1", Name: "exotic", Active: true,
		TargetType:   "carrier-pigeon",
		TargetConfig: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	log := &progressLog{}
	results, err := e.Dispatch(ctx, classifiedItem("user-1"), log.record)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != inbox.ResultFailed {
		t.Fatalf("results = %+v", results)
	}
	if results[0].TargetID != "carrier-pigeon:"+r.ID {
		t.Errorf("targetId = %q", results[0].TargetID)
	}
}

func TestDispatchSlackTarget(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var gotChannel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotChannel = r.FormValue("channel")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"channel":"C042","ts":"1"}`)
	}))
	defer srv.Close()

	if _, err := s.Create(ctx, NewRuleInput{
		UserID: "user-1", Name: "notify", Active: true,
		TargetType: "slack",
		TargetConfig: json.RawMessage(fmt.Sprintf(
			`{"token":"xoxb-test","channel":"C042","api_url":%q}`, srv.URL+"/api/")),
	}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	results, err := e.Dispatch(ctx, classifiedItem("user-1"), func(progress.Event) {})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != inbox.ResultSuccess {
		t.Fatalf("results = %+v", results)
	}
	if results[0].TargetID != "slack:C042" {
		t.Errorf("targetId = %q", results[0].TargetID)
	}
	if gotChannel != "C042" {
		t.Errorf("posted channel = %q", gotChannel)
	}
}

func TestDispatchTelegramTarget(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := s.Create(ctx, NewRuleInput{
		UserID: "user-1", Name: "tg", Active: true,
		TargetType: "telegram",
		TargetConfig: json.RawMessage(fmt.Sprintf(
			`{"bot_token":"123:abc","chat_id":"42","api_base":%q}`, srv.URL)),
	}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	results, err := e.Dispatch(ctx, classifiedItem("user-1"), func(progress.Event) {})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != inbox.ResultSuccess {
		t.Fatalf("results = %+v", results)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "42" || gotBody["text"] == "" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestDispatchBadTargetConfig(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, NewRuleInput{
		UserID: "user-1", Name: "broken", Active: true,
		TargetType:   "webhook",
		TargetConfig: json.RawMessage(`{}`), // missing url
	}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	results, err := e.Dispatch(ctx, classifiedItem("user-1"), func(progress.Event) {})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != inbox.ResultFailed {
		t.Fatalf("results = %+v", results)
	}
}
