package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"traced/internal/broadcast"
	"traced/internal/cache"
	"traced/internal/storage"
	"traced/internal/trace"
)

func newTestServer(t *testing.T) (*httptest.Server, *cache.Cache, *storage.Store) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "server_test.db")
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c := cache.New()
	b := broadcast.New(16)
	t.Cleanup(b.Close)

	srv := New(Config{
		Store:       store,
		Cache:       c,
		ListCache:   cache.NewExpiring[string, []trace.Summary](30 * time.Second),
		Broadcaster: b,
		Logger:      zerolog.Nop(),
	})
	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("GET /healthz", srv.Health)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, c, store
}

const ingestBody = `{
	"trace": {"trace_id": "t1", "model": "m1", "owner_key": "k1", "final_text": "hi"},
	"events": [
		{"event_type": "ForwardPass", "step": 0, "sequence_order": 0},
		{"event_type": "Sampled", "step": 0, "sequence_order": 1, "sampled_token": 42, "token_text": "hi"}
	],
	"mod_calls": [
		{"event_sequence_order": 1, "mod_name": "shaper", "event_type": "Sampled", "step": 0}
	],
	"mod_logs": [
		{"mod_call_sequence": 0, "mod_name": "shaper", "log_message": "done"}
	],
	"actions": [
		{"mod_call_sequence": 0, "action_type": "Noop", "action_order": 0}
	]
}`

func postIngest(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/ingest", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post ingest: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIngestAndGetTrace(t *testing.T) {
	ts, c, _ := newTestServer(t)

	resp := postIngest(t, ts, ingestBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	// Ingest writes through to the cache.
	if _, ok := c.Get("t1"); !ok {
		t.Fatal("expected trace cached after ingest")
	}

	getResp, err := http.Get(ts.URL + "/api/traces/t1")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}

	var h trace.HydratedTrace
	if err := json.NewDecoder(getResp.Body).Decode(&h); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if h.TraceID != "t1" || len(h.Events) != 2 || len(h.Steps) != 1 {
		t.Fatalf("unexpected trace: id=%q events=%d steps=%d", h.TraceID, len(h.Events), len(h.Steps))
	}
}

func TestGetTraceFallsBackToStore(t *testing.T) {
	ts, c, _ := newTestServer(t)

	postIngest(t, ts, ingestBody)
	c.Clear()

	resp, err := http.Get(ts.URL + "/api/traces/t1")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from store fallback, got %d", resp.StatusCode)
	}

	// The miss re-populates the cache.
	if _, ok := c.Get("t1"); !ok {
		t.Fatal("expected cache repopulated after store read")
	}
}

func TestGetTraceNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/traces/missing")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	var apiErr APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.ErrorCode != "not_found" {
		t.Fatalf("expected not_found code, got %q", apiErr.ErrorCode)
	}
}

func TestIngestRejectsInvalidJSON(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postIngest(t, ts, "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	ts, _, _ := newTestServer(t)

	bad := strings.Replace(ingestBody, `"event_sequence_order": 1`, `"event_sequence_order": 9`, 1)
	resp := postIngest(t, ts, bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range reference, got %d", resp.StatusCode)
	}

	// Nothing persisted.
	getResp, err := http.Get(ts.URL + "/api/traces/t1")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after rejected ingest, got %d", getResp.StatusCode)
	}
}

func TestListTraces(t *testing.T) {
	ts, _, _ := newTestServer(t)

	postIngest(t, ts, ingestBody)
	postIngest(t, ts, strings.ReplaceAll(ingestBody, "t1", "t2"))

	resp, err := http.Get(ts.URL + "/api/traces?limit=1000&offset=0")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Traces []trace.Summary `json:"traces"`
		Limit  int             `json:"limit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(body.Traces) != 2 {
		t.Fatalf("expected 2 traces, got %d", len(body.Traces))
	}
	// Out-of-range limits clamp instead of erroring.
	if body.Limit != maxListLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxListLimit, body.Limit)
	}
}

func TestDeleteTrace(t *testing.T) {
	ts, c, _ := newTestServer(t)

	postIngest(t, ts, ingestBody)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/traces/t1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, ok := c.Get("t1"); ok {
		t.Fatal("expected cache invalidated on delete")
	}
}

func TestCacheStats(t *testing.T) {
	ts, _, _ := newTestServer(t)

	postIngest(t, ts, ingestBody)

	resp, err := http.Get(ts.URL + "/api/cache/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if body["entry_count"].(float64) != 1 {
		t.Fatalf("expected 1 cached entry, got %v", body["entry_count"])
	}
	if body["current_bytes"].(float64) <= 0 {
		t.Fatalf("expected positive current_bytes, got %v", body["current_bytes"])
	}
	if _, ok := body["hit_rate_percent"]; !ok {
		t.Fatalf("missing hit_rate_percent: %v", body)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", body["status"])
	}
}
