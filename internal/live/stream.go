package live

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"traced/internal/broadcast"
	"traced/internal/metrics"
	"traced/internal/trace"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Scope is what a viewer is allowed to see on the live stream.
type Scope struct {
	Admin    bool
	OwnerKey string
}

// ScopeFunc resolves an api key to a viewing scope. A false return rejects
// the connection.
type ScopeFunc func(apiKey string) (Scope, bool)

// Handler upgrades /api/traces/stream requests to websockets and relays
// change notices, filtered to the viewer's scope.
type Handler struct {
	broadcaster *broadcast.Broadcaster
	scope       ScopeFunc
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

func NewHandler(b *broadcast.Broadcaster, scope ScopeFunc, log zerolog.Logger) *Handler {
	return &Handler{
		broadcaster: b,
		scope:       scope,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type frame struct {
	Type   string         `json:"type"`
	Data   *trace.Summary `json:"data,omitempty"`
	Missed *uint64        `json:"missed,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.scope(r.URL.Query().Get("api_key"))
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     http.StatusUnauthorized,
			"error_code": "unauthorized",
			"message":    "invalid api key",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.broadcaster.Subscribe()
	defer sub.Close()

	m := metrics.Global()
	m.StreamClients.Inc()
	defer m.StreamClients.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: consumes pongs and close frames, cancels the writer
	// when the peer goes away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	msgs := make(chan broadcast.Message)
	go func() {
		defer cancel()
		for {
			msg, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-msgs:
			f, deliver := h.frameFor(sc, msg)
			if !deliver {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	}
}

// frameFor applies scope filtering: admins see everything, scoped viewers
// see only traces owned by their key. Ownerless traces stay admin-only, and
// non-admins never see the owner key.
func (h *Handler) frameFor(sc Scope, msg broadcast.Message) (frame, bool) {
	if msg.Kind == broadcast.KindLagged {
		missed := msg.Missed
		return frame{Type: string(broadcast.KindLagged), Missed: &missed}, true
	}

	sum := msg.Summary
	if !sc.Admin {
		if sum.OwnerKey == nil || *sum.OwnerKey != sc.OwnerKey {
			return frame{}, false
		}
		sum.OwnerKey = nil
	}
	return frame{Type: string(broadcast.KindNewTrace), Data: &sum}, true
}
