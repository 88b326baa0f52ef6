// Package httpapi exposes an Offloader over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ineyio/offload"
	"github.com/ineyio/offload/ledger"
)

const maxBodyBytes = 4 << 20

// Dispatcher is the subset of *offload.Offloader the server needs.
type Dispatcher interface {
	Ready() error
	Query(ctx context.Context, req offload.QueryRequest) (offload.QueryResponse, error)
	Batch(ctx context.Context, req offload.BatchRequest) (offload.BatchResponse, error)
}

// UsageReader exposes ledger state for the usage endpoint.
type UsageReader interface {
	Snapshot(ctx context.Context) (ledger.State, error)
	Remaining(ctx context.Context) (int64, error)
	Limit() int64
}

// Server holds the HTTP handlers.
type Server struct {
	offloader Dispatcher
	usage     UsageReader
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

// NewServer creates a Server. gatherer may be nil to disable /metrics.
func NewServer(o Dispatcher, usage UsageReader, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{offloader: o, usage: usage, gatherer: gatherer, logger: logger}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(jsonRecoverer(s.logger))
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Post("/batch", s.handleBatch)
		r.Get("/usage", s.handleUsage)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// envelope is the response shape for every endpoint. OK is the failure flag
// callers branch on; Error.Code is stable, Error.Message is for humans.
type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Remaining *int64 `json:"remaining,omitempty"`
	Shortfall *int64 `json:"shortfall,omitempty"`
}

type usageResponse struct {
	Limit            int64        `json:"limit"`
	PromptsRemaining int64        `json:"prompts_remaining"`
	Ledger           ledger.State `json:"ledger"`
}

type healthResponse struct {
	GatewayReady bool   `json:"gateway_ready"`
	Detail       string `json:"detail,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{GatewayReady: true}
	if err := s.offloader.Ready(); err != nil {
		resp = healthResponse{GatewayReady: false, Detail: err.Error()}
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: resp})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req offload.QueryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.offloader.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: resp})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req offload.BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.offloader.Batch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: resp})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	st, err := s.usage.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	remaining, err := s.usage.Remaining(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: usageResponse{
		Limit:            s.usage.Limit(),
		PromptsRemaining: remaining,
		Ledger:           st,
	}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", offload.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := offload.ErrorCode(err)
	body := &errorBody{Code: code, Message: err.Error()}

	var qe *offload.QuotaError
	if errors.As(err, &qe) {
		remaining, shortfall := qe.Remaining, qe.Shortfall()
		body.Remaining = &remaining
		body.Shortfall = &shortfall
	}

	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeJSON(w, status, envelope{OK: false, Error: body})
}

func statusFor(code string) int {
	switch code {
	case offload.CodeInvalidRequest:
		return http.StatusBadRequest
	case offload.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case offload.CodeNotInitialized:
		return http.StatusServiceUnavailable
	case offload.CodeRateLimited, offload.CodeAuthFailed, offload.CodeProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					writeJSON(w, http.StatusInternalServerError, envelope{
						OK:    false,
						Error: &errorBody{Code: offload.CodeInternal, Message: "internal error"},
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger emits one log line per request and propagates X-Request-ID.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
