package live

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"traced/internal/broadcast"
	"traced/internal/trace"
)

func strp(s string) *string { return &s }

func testScope(apiKey string) (Scope, bool) {
	switch apiKey {
	case "admin":
		return Scope{Admin: true}, true
	case "":
		return Scope{}, false
	default:
		return Scope{OwnerKey: apiKey}, true
	}
}

func startStream(t *testing.T) (*broadcast.Broadcaster, *httptest.Server) {
	t.Helper()
	b := broadcast.New(16)
	h := NewHandler(b, testScope, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		b.Close()
	})
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server, apiKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?api_key=" + apiKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f map[string]any
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func waitForSubscriber(t *testing.T, b *broadcast.Broadcaster) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamRejectsBadAPIKey(t *testing.T) {
	_, srv := startStream(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestStreamDeliversNewTrace(t *testing.T) {
	b, srv := startStream(t)
	conn := dial(t, srv, "admin")
	waitForSubscriber(t, b)

	b.Publish(trace.Summary{TraceID: "t1", CreatedAt: time.Now().UTC(), OwnerKey: strp("k1")})

	f := readFrame(t, conn)
	if f["type"] != "new_log" {
		t.Fatalf("expected new_log frame, got %v", f["type"])
	}
	data := f["data"].(map[string]any)
	if data["trace_id"] != "t1" {
		t.Fatalf("expected trace t1, got %v", data["trace_id"])
	}
	// Admins see the owner key.
	if data["owner_key"] != "k1" {
		t.Fatalf("expected owner key visible to admin, got %v", data["owner_key"])
	}
}

func TestStreamFiltersByOwnerKey(t *testing.T) {
	b, srv := startStream(t)
	conn := dial(t, srv, "k1")
	waitForSubscriber(t, b)

	b.Publish(trace.Summary{TraceID: "other", CreatedAt: time.Now().UTC(), OwnerKey: strp("k2")})
	b.Publish(trace.Summary{TraceID: "mine", CreatedAt: time.Now().UTC(), OwnerKey: strp("k1")})

	f := readFrame(t, conn)
	data := f["data"].(map[string]any)
	if data["trace_id"] != "mine" {
		t.Fatalf("expected only own trace, got %v", data["trace_id"])
	}
	// The owner key is stripped for non-admin viewers.
	if data["owner_key"] != nil {
		t.Fatalf("expected owner key nulled, got %v", data["owner_key"])
	}
}

func TestStreamWithholdsOwnerlessFromScopedViewers(t *testing.T) {
	b, srv := startStream(t)
	conn := dial(t, srv, "k1")
	waitForSubscriber(t, b)

	b.Publish(trace.Summary{TraceID: "anon", CreatedAt: time.Now().UTC(), FinalText: strp("confidential")})
	b.Publish(trace.Summary{TraceID: "mine", CreatedAt: time.Now().UTC(), OwnerKey: strp("k1")})

	// The ownerless trace is admin-only; the first frame k1 sees must be its
	// own trace.
	f := readFrame(t, conn)
	data := f["data"].(map[string]any)
	if data["trace_id"] != "mine" {
		t.Fatalf("expected ownerless trace withheld, got %v", data["trace_id"])
	}
}

func TestStreamDeliversOwnerlessToAdmin(t *testing.T) {
	b, srv := startStream(t)
	conn := dial(t, srv, "admin")
	waitForSubscriber(t, b)

	b.Publish(trace.Summary{TraceID: "anon", CreatedAt: time.Now().UTC()})

	f := readFrame(t, conn)
	data := f["data"].(map[string]any)
	if data["trace_id"] != "anon" {
		t.Fatalf("expected ownerless trace delivered to admin, got %v", data["trace_id"])
	}
}
