// Package api exposes the consolidation flow over HTTP for the external
// signer. The trader is authenticated upstream and identified by the
// X-Trader-Address header.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dustsweep/internal/consolidation"
	"dustsweep/internal/domain"
	"dustsweep/internal/faults"
	"dustsweep/internal/observability"
)

// TraderHeader carries the authenticated trader address.
const TraderHeader = "X-Trader-Address"

const (
	maxBodyBytes = 1 << 20
	maxHistory   = 100
)

// Service is the consolidation flow served by the API.
type Service interface {
	Orchestrate(ctx context.Context, req consolidation.Request) (*consolidation.Prepared, error)
	Finalize(ctx context.Context, id string, trader common.Address, signed *domain.UserOperation) (*domain.ConsolidationRecord, error)
	Get(ctx context.Context, id string, trader common.Address) (*domain.ConsolidationRecord, error)
	History(ctx context.Context, trader common.Address, limit int) ([]*domain.ConsolidationRecord, error)
}

// Server is the HTTP API.
type Server struct {
	svc      Service
	hub      *Hub
	gatherer prometheus.Gatherer
	metrics  *observability.Metrics
	logger   *zap.Logger
	ready    func(ctx context.Context) error
}

// Option configures Server.
type Option func(*Server)

// WithHub enables the status stream endpoint.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetrics records request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithReadiness makes /healthz fail while check fails.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// NewServer creates the API over svc.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /v1/consolidations", s.orchestrate)
	s.handle(mux, "GET /v1/consolidations", s.history)
	s.handle(mux, "GET /v1/consolidations/{id}", s.get)
	s.handle(mux, "POST /v1/consolidations/{id}/finalize", s.finalize)
	if s.hub != nil {
		s.handle(mux, "GET /v1/consolidations/{id}/stream", s.stream)
	}
	s.handle(mux, "GET /healthz", s.healthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", observability.Handler(s.gatherer))
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.RecordHTTP(pattern, rec.status, time.Since(start))
	})
}

type orchestrateBody struct {
	ScanID      string   `json:"scanId"`
	InputTokens []string `json:"inputTokens"`
	OutputToken string   `json:"outputToken"`
	Slippage    float64  `json:"slippage"`
}

func (b orchestrateBody) request(trader common.Address) (consolidation.Request, error) {
	out, err := domain.ParseAddress(b.OutputToken)
	if err != nil {
		return consolidation.Request{}, faults.Validation("outputToken", "%v", err)
	}
	req := consolidation.Request{
		ScanID:      b.ScanID,
		InputTokens: make([]common.Address, 0, len(b.InputTokens)),
		OutputToken: out,
		Slippage:    b.Slippage,
		Trader:      trader,
	}
	for _, raw := range b.InputTokens {
		addr, err := domain.ParseAddress(raw)
		if err != nil {
			return consolidation.Request{}, faults.Validation("inputTokens", "%v", err)
		}
		req.InputTokens = append(req.InputTokens, addr)
	}
	return req, nil
}

func (s *Server) orchestrate(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.trader(w, r)
	if !ok {
		return
	}
	var body orchestrateBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.request(trader)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prepared, err := s.svc.Orchestrate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, prepared)
}

type finalizeBody struct {
	UserOperation *domain.UserOperation `json:"userOperation"`
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.trader(w, r)
	if !ok {
		return
	}
	var body finalizeBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.svc.Finalize(r.Context(), r.PathValue("id"), trader, body.UserOperation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.trader(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.Get(r.Context(), r.PathValue("id"), trader)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.trader(w, r)
	if !ok {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistory {
			s.writeError(w, r, faults.Validation("limit", "must be an integer in [1, %d]", maxHistory))
			return
		}
		limit = n
	}
	recs, err := s.svc.History(r.Context(), trader, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*domain.ConsolidationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consolidations": recs})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// trader reads the authenticated trader or answers 401.
func (s *Server) trader(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, err := domain.ParseAddress(r.Header.Get(TraderHeader))
	if err != nil || addr == (common.Address{}) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid " + TraderHeader})
		return common.Address{}, false
	}
	return addr, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return faults.Validation("body", "%v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
