// Package api serves the auditchain HTTP API.
//
//   - Ingest:     POST /api/records         append a record, trigger a block attempt
//   - Blocks:     GET  /api/blocks?org=1    recent blocks of an organization
//   - Verify:     GET  /api/verify?org=1    recompute the organization's block chain
//   - Z-Scan:     POST /api/zscan/run       run a scan now
//                 GET  /api/zscan/history   stored scan reports
//                 GET  /api/zscan/stats     scan statistics
//   - WebSocket:  GET  /ws                  subscriber session (setFilters, join)
//   - Metrics:    GET  /metrics
//   - Health:     GET  /health
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auditchain/auditchain/internal/fanout"
	"github.com/auditchain/auditchain/internal/ledger"
	"github.com/auditchain/auditchain/internal/store"
	"github.com/auditchain/auditchain/internal/zscan"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Store    *store.Store
	Notifier *fanout.Notifier
	Registry *fanout.Registry
	Scanner  *zscan.Scanner
	// ZScanConfig returns the active scan configuration. Requests may
	// override individual fields.
	ZScanConfig func() zscan.Config
	Gatherer    prometheus.Gatherer
}

// Server routes API requests.
type Server struct {
	store       *store.Store
	notifier    *fanout.Notifier
	registry    *fanout.Registry
	scanner     *zscan.Scanner
	zscanConfig func() zscan.Config
	gatherer    prometheus.Gatherer
}

// New creates a server with the given dependencies.
func New(opts Options) *Server {
	s := &Server{
		store:       opts.Store,
		notifier:    opts.Notifier,
		registry:    opts.Registry,
		scanner:     opts.Scanner,
		zscanConfig: opts.ZScanConfig,
		gatherer:    opts.Gatherer,
	}
	if s.zscanConfig == nil {
		s.zscanConfig = zscan.DefaultConfig
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/records", s.handleRecords)
	mux.HandleFunc("/api/blocks", s.handleBlocks)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/zscan/run", s.handleZScanRun)
	mux.HandleFunc("/api/zscan/history", s.handleZScanHistory)
	mux.HandleFunc("/api/zscan/stats", s.handleZScanStats)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

// --- REST API Handlers ---

type ingestResponse struct {
	Record    ledger.Record `json:"record"`
	Outcome   string        `json:"outcome"`
	BlockHash string        `json:"blockHash,omitempty"`
}

// handleRecords ingests a record or lists an organization's records.
// POST /api/records  { "action": "...", "organizationId": 1, ... }
// GET  /api/records?org=1
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var rec ledger.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if rec.Action == "" {
			http.Error(w, "action field required", http.StatusBadRequest)
			return
		}
		if rec.OrganizationID <= 0 {
			http.Error(w, "organizationId field required", http.StatusBadRequest)
			return
		}
		// Server-assigned fields are never taken from the client.
		rec.ID, rec.LamportClock, rec.BlockHash = 0, 0, ""
		rec.CreatedAt = rec.CreatedAt.UTC()

		if err := s.store.InsertRecord(r.Context(), &rec); err != nil {
			slog.Error("record ingest failed", "org", rec.OrganizationID, "error", err)
			http.Error(w, "record ingest failed", http.StatusInternalServerError)
			return
		}

		res := s.notifier.Notify(r.Context(), rec)
		resp := ingestResponse{Record: rec, Outcome: res.Outcome.String()}
		if res.Block != nil {
			resp.BlockHash = res.Block.Hash
		}
		writeJSON(w, http.StatusCreated, resp)

	case http.MethodGet:
		org, ok := orgParam(w, r)
		if !ok {
			return
		}
		records, err := s.store.Records(r.Context(), org)
		if err != nil {
			slog.Error("records query failed", "org", org, "error", err)
			http.Error(w, "records query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleBlocks returns the newest blocks of an organization.
// GET /api/blocks?org=1&limit=50
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	org, ok := orgParam(w, r)
	if !ok {
		return
	}

	blocks, err := s.store.RecentBlocks(r.Context(), org, limitParam(r, 50))
	if err != nil {
		slog.Error("blocks query failed", "org", org, "error", err)
		http.Error(w, "blocks query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

// handleVerify recomputes every block of an organization.
// GET /api/verify?org=1
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	org, ok := orgParam(w, r)
	if !ok {
		return
	}

	result, err := VerifyOrganization(r.Context(), s.store, org)
	if err != nil {
		slog.Error("chain verification failed", "org", org, "error", err)
		http.Error(w, "chain verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type scanRequest struct {
	ScopeID int64           `json:"scopeId"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// handleZScanRun runs a scan. Fields given in "config" override the
// active configuration for this run only.
// POST /api/zscan/run  { "scopeId": 1, "config": { "latencyThresholdSeconds": 30 } }
func (s *Server) handleZScanRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	cfg := s.zscanConfig()
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			http.Error(w, "invalid config object", http.StatusBadRequest)
			return
		}
	}

	rep, err := s.scanner.Run(r.Context(), req.ScopeID, cfg)
	if err != nil {
		var cfgErr *zscan.ConfigError
		if errors.As(err, &cfgErr) {
			http.Error(w, cfgErr.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("z-scan failed", "scope", req.ScopeID, "error", err)
		http.Error(w, "z-scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleZScanHistory returns stored scan reports, newest first.
// GET /api/zscan/history?scope=1&limit=50
func (s *Server) handleZScanHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}

	history, err := s.scanner.History(r.Context(), scope, limitParam(r, 50))
	if err != nil {
		slog.Error("z-scan history query failed", "scope", scope, "error", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleZScanStats returns scan statistics for a scope.
// GET /api/zscan/stats?scope=1
func (s *Server) handleZScanStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}

	stats, err := s.scanner.Stats(r.Context(), scope)
	if err != nil {
		slog.Error("z-scan stats query failed", "scope", scope, "error", err)
		http.Error(w, "stats query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleHealth reports whether the store is reachable.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"driver":      s.store.Driver(),
		"subscribers": s.registry.Len(),
	})
}

// VerifyOrganization loads an organization's blocks with their records
// and checks the chain.
func VerifyOrganization(ctx context.Context, st *store.Store, org int64) (ledger.VerifyResult, error) {
	blocks, err := st.Blocks(ctx, org)
	if err != nil {
		return ledger.VerifyResult{}, err
	}
	byBlock := make(map[string][]ledger.Record, len(blocks))
	for _, b := range blocks {
		recs, err := st.RecordsByBlock(ctx, b.Hash)
		if err != nil {
			return ledger.VerifyResult{}, fmt.Errorf("loading records of block %s: %w", b.Hash, err)
		}
		byBlock[b.Hash] = recs
	}
	return ledger.VerifyChain(blocks, byBlock), nil
}

// --- Helpers ---

func orgParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	org, err := strconv.ParseInt(r.URL.Query().Get("org"), 10, 64)
	if err != nil || org <= 0 {
		http.Error(w, "org query parameter required", http.StatusBadRequest)
		return 0, false
	}
	return org, true
}

// scopeParam parses ?scope=, defaulting to the system scope 0.
func scopeParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := r.URL.Query().Get("scope")
	if v == "" {
		return 0, true
	}
	scope, err := strconv.ParseInt(v, 10, 64)
	if err != nil || scope < 0 {
		http.Error(w, "invalid scope parameter", http.StatusBadRequest)
		return 0, false
	}
	return scope, true
}

func limitParam(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
