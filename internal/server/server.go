package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"traced/internal/broadcast"
	"traced/internal/cache"
	"traced/internal/limit"
	"traced/internal/metrics"
	"traced/internal/storage"
	"traced/internal/trace"
)

// maxIngestBody caps a single trace payload at 100 MiB.
const maxIngestBody = 100 << 20

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type Config struct {
	Store       *storage.Store
	Cache       *cache.Cache
	ListCache   *cache.ExpiringCache[string, []trace.Summary]
	Broadcaster *broadcast.Broadcaster
	Limiter     *limit.KeyLimiter // nil disables rate limiting
	Stream      http.Handler
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Server{cfg: cfg}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/traces", s.handleListTraces)
	mux.HandleFunc("GET /api/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("DELETE /api/traces/{id}", s.handleDeleteTrace)
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	if s.cfg.Stream != nil {
		mux.Handle("GET /api/traces/stream", s.cfg.Stream)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)

	var payload trace.IngestPayload
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&payload); err != nil {
		s.cfg.Metrics.IngestFailures.Inc()
		writeError(w, badRequest("invalid JSON payload: "+err.Error()))
		return
	}

	if err := payload.Validate(); err != nil {
		s.cfg.Metrics.IngestFailures.Inc()
		writeError(w, badRequest(err.Error()))
		return
	}

	if s.cfg.Limiter != nil && payload.Trace.OwnerKey != nil {
		allowed, used, resetAt, err := s.cfg.Limiter.Allow(r.Context(), *payload.Trace.OwnerKey, time.Now())
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msg("rate limit check failed")
		} else if !allowed {
			s.cfg.Metrics.IngestRateLimited.Inc()
			writeError(w, rateLimited(fmt.Sprintf(
				"ingest limit reached (%d this hour), resets at %s", used, resetAt.Format(time.RFC3339))))
			return
		}
	}

	eventIDs, modCallIDs, err := s.cfg.Store.IngestTrace(r.Context(), &payload)
	if err != nil {
		s.cfg.Metrics.IngestFailures.Inc()
		s.cfg.Logger.Error().Err(err).Str("trace_id", payload.Trace.TraceID).Msg("ingest failed")
		writeError(w, internal("failed to store trace"))
		return
	}

	// Write-through: assemble the response from the payload we just committed
	// so the first read never touches the database.
	h := trace.HydrateFromPayload(&payload, eventIDs, modCallIDs)
	s.cfg.Cache.Insert(h.TraceID, h)
	if s.cfg.ListCache != nil {
		s.cfg.ListCache.Clear()
	}
	if s.cfg.Broadcaster != nil {
		dropped := s.cfg.Broadcaster.Publish(h.Summary())
		s.cfg.Metrics.BroadcastPublished.Inc()
		if dropped > 0 {
			s.cfg.Metrics.BroadcastDropped.Add(float64(dropped))
		}
	}
	s.cfg.Metrics.TracesIngested.Inc()

	s.cfg.Logger.Info().
		Str("trace_id", h.TraceID).
		Int("events", len(h.Events)).
		Int("mod_calls", len(h.ModCalls)).
		Msg("trace ingested")
	writeJSON(w, http.StatusCreated, map[string]string{"trace_id": h.TraceID})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("id")

	if h, ok := s.cfg.Cache.Get(traceID); ok {
		s.cfg.Metrics.CacheHits.Inc()
		writeJSON(w, http.StatusOK, h)
		return
	}
	s.cfg.Metrics.CacheMisses.Inc()

	h, err := s.cfg.Store.FetchHydrated(r.Context(), traceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, notFound("trace not found"))
			return
		}
		s.cfg.Logger.Error().Err(err).Str("trace_id", traceID).Msg("fetch failed")
		writeError(w, internal("failed to load trace"))
		return
	}

	s.cfg.Cache.Insert(traceID, h)
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	listLimit := parseIntParam(r, "limit", defaultListLimit)
	if listLimit < 1 {
		listLimit = 1
	}
	if listLimit > maxListLimit {
		listLimit = maxListLimit
	}
	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	key := strconv.Itoa(listLimit) + ":" + strconv.Itoa(offset)
	if s.cfg.ListCache != nil {
		if sums, ok := s.cfg.ListCache.Get(key); ok {
			writeListing(w, sums, listLimit, offset)
			return
		}
	}

	sums, err := s.cfg.Store.ListSummaries(r.Context(), listLimit, offset)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("list traces failed")
		writeError(w, internal("failed to list traces"))
		return
	}
	if s.cfg.ListCache != nil {
		s.cfg.ListCache.Insert(key, sums)
	}
	writeListing(w, sums, listLimit, offset)
}

func writeListing(w http.ResponseWriter, sums []trace.Summary, limit, offset int) {
	if sums == nil {
		sums = []trace.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"traces": sums,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleDeleteTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("id")

	if err := s.cfg.Store.DeleteTrace(r.Context(), traceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, notFound("trace not found"))
			return
		}
		s.cfg.Logger.Error().Err(err).Str("trace_id", traceID).Msg("delete failed")
		writeError(w, internal("failed to delete trace"))
		return
	}

	s.cfg.Cache.Invalidate(traceID)
	if s.cfg.ListCache != nil {
		s.cfg.ListCache.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.cfg.Cache.Stats()
	body := map[string]any{
		"entry_count":          stats.EntryCount,
		"current_bytes":        stats.CurrentBytes,
		"max_bytes":            stats.MaxBytes,
		"hits":                 stats.Hits,
		"misses":               stats.Misses,
		"hit_rate_percent":     stats.HitRatePercent(),
		"memory_usage_percent": stats.MemoryUsagePercent(),
	}
	if s.cfg.ListCache != nil {
		body["list_cache"] = s.cfg.ListCache.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Health reports liveness plus cache occupancy. Database failures degrade the
// status without taking the endpoint down.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	stats := s.cfg.Cache.Stats()
	writeJSON(w, httpStatus, map[string]any{
		"status":              status,
		"cached_traces":       stats.EntryCount,
		"cache_current_bytes": stats.CurrentBytes,
		"cache_max_bytes":     stats.MaxBytes,
	})
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
