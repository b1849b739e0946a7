package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpOracle/internal/observability"
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/query"
)

// HTTPServer serves the read API as HTTP/JSON plus health and metrics
// endpoints. Writes go through NATS only; this surface is read-only.
type HTTPServer struct {
	httpServer    *http.Server
	queryService  *query.QueryService
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	log           zerolog.Logger
}

func NewHTTPServer(
	addr string,
	qs *query.QueryService,
	hc *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *HTTPServer {
	s := &HTTPServer{
		queryService:  qs,
		healthChecker: hc,
		metrics:       metrics,
		log:           log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/balance/", s.instrument("balance", s.handleBalance))
	mux.HandleFunc("/v1/position/", s.instrument("position", s.handlePosition))
	mux.HandleFunc("/v1/positions/", s.instrument("positions", s.handleAccountPositions))
	mux.HandleFunc("/v1/price/", s.instrument("price", s.handlePrice))
	mux.HandleFunc("/v1/prices/", s.instrument("price_history", s.handlePriceHistory))
	mux.HandleFunc("/v1/risk-params", s.instrument("risk_params", s.handleRiskParams))
	mux.HandleFunc("/v1/admin/integrity", s.instrument("integrity", s.handleIntegrity))
	mux.HandleFunc("/healthz", hc.LivenessHandler)
	mux.HandleFunc("/readyz", hc.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// GET /v1/balance/{account}
func (s *HTTPServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := uuidPathArg(w, r, "/v1/balance/")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.queryService.GetBalance(account))
}

// GET /v1/position/{id}
func (s *HTTPServer) handlePosition(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/position/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	resp, err := s.queryService.GetPosition(id)
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/positions/{account}
func (s *HTTPServer) handleAccountPositions(w http.ResponseWriter, r *http.Request) {
	account, ok := uuidPathArg(w, r, "/v1/positions/")
	if !ok {
		return
	}

	positions, err := s.queryService.GetAccountPositions(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GET /v1/price/{feed}
func (s *HTTPServer) handlePrice(w http.ResponseWriter, r *http.Request) {
	feed := strings.TrimPrefix(r.URL.Path, "/v1/price/")
	if feed == "" {
		writeError(w, http.StatusBadRequest, "missing feed")
		return
	}

	resp, err := s.queryService.GetValidPrice(feed)
	if err != nil {
		// Gate failures are client-visible conditions, not server faults
		switch {
		case errors.Is(err, oracle.ErrInvalidPrice):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrInsufficientSources):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/prices/{feed}?limit=N
func (s *HTTPServer) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	feed := strings.TrimPrefix(r.URL.Path, "/v1/prices/")
	if feed == "" {
		writeError(w, http.StatusBadRequest, "missing feed")
		return
	}

	limit := 100
	if ls := r.URL.Query().Get("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	ticks, err := s.queryService.GetPriceHistory(r.Context(), feed, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ticks)
}

// GET /v1/risk-params
func (s *HTTPServer) handleRiskParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queryService.GetRiskParams())
}

// GET /v1/admin/integrity
func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func uuidPathArg(w http.ResponseWriter, r *http.Request, prefix string) (uuid.UUID, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
