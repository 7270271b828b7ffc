// Package server exposes the escrow operations over HTTP. Handlers decode the
// request, call the coordinator and map the failure kind onto a status code.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	coreerrors "escrowlink/core/errors"
	"escrowlink/native/fees"
	"escrowlink/services/escrowd/coordinator"
)

const maxBodyBytes = 1 << 20

// Service is the operation surface served over HTTP.
type Service interface {
	CheckBalance(ctx context.Context, req coordinator.BalanceRequest) (fees.Report, error)
	GenerateDeployment(ctx context.Context, req coordinator.DeploymentRequest) (*coordinator.DeploymentPlan, error)
	SubmitDeployment(ctx context.Context, req coordinator.SubmitDeploymentRequest) (*coordinator.DeploymentResult, error)
	GenerateFunding(ctx context.Context, req coordinator.CreatorRequest) (*coordinator.FundingResult, error)
	SubmitFunding(ctx context.Context, req coordinator.SubmitRequest) (*coordinator.SubmitResult, error)
	GenerateClaim(ctx context.Context, req coordinator.ClaimRequest) (*coordinator.GroupResult, error)
	SubmitClaim(ctx context.Context, req coordinator.SubmitClaimRequest) (*coordinator.SubmitResult, error)
	GenerateReclaim(ctx context.Context, req coordinator.CreatorRequest) (*coordinator.GroupResult, error)
	SubmitReclaim(ctx context.Context, req coordinator.SubmitRequest) (*coordinator.SubmitResult, error)
	GenerateCleanup(ctx context.Context, req coordinator.CreatorRequest) (*coordinator.GroupResult, error)
	SubmitCleanup(ctx context.Context, req coordinator.SubmitRequest) (*coordinator.SubmitResult, error)
	Lookup(ctx context.Context, token string) (*coordinator.EscrowView, error)
}

// Config captures the dependencies of the HTTP server.
type Config struct {
	Service Service
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	Auth           AuthConfig
	Logger         *slog.Logger
}

// Server serves the escrow API.
type Server struct {
	svc      Service
	gatherer prometheus.Gatherer
	timeout  time.Duration
	verifier *jwtVerifier
	logger   *slog.Logger
	router   http.Handler
}

func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: service required")
	}
	s := &Server{
		svc:      cfg.Service,
		gatherer: cfg.Gatherer,
		timeout:  cfg.RequestTimeout,
		verifier: newJWTVerifier(cfg.Auth),
		logger:   cfg.Logger,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "escrowd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/escrows", func(api chi.Router) {
		if s.verifier != nil {
			api.Use(s.authenticate)
		}
		api.Use(chimw.Timeout(s.timeout))
		api.Post("/balance-check", s.handleCheckBalance)
		api.Post("/deployments", s.handleGenerateDeployment)
		api.Post("/deployments/submit", s.handleSubmitDeployment)
		api.Post("/claims", s.handleGenerateClaim)
		api.Post("/claims/submit", s.handleSubmitClaim)
		api.Post("/lookup", s.handleLookup)

		api.Route("/{appId}", func(app chi.Router) {
			app.Post("/funding", appCall(s, s.svc.GenerateFunding))
			app.Post("/funding/submit", appCall(s, s.svc.SubmitFunding))
			app.Post("/reclaim", appCall(s, s.svc.GenerateReclaim))
			app.Post("/reclaim/submit", appCall(s, s.svc.SubmitReclaim))
			app.Post("/cleanup", appCall(s, s.svc.GenerateCleanup))
			app.Post("/cleanup/submit", appCall(s, s.svc.SubmitCleanup))
		})
	})
	return r
}

func (s *Server) handleCheckBalance(w http.ResponseWriter, r *http.Request) {
	var req coordinator.BalanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	report, err := s.svc.CheckBalance(r.Context(), req)
	s.respond(w, r, http.StatusOK, report, err)
}

func (s *Server) handleGenerateDeployment(w http.ResponseWriter, r *http.Request) {
	var req coordinator.DeploymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	plan, err := s.svc.GenerateDeployment(r.Context(), req)
	s.respond(w, r, http.StatusOK, plan, err)
}

func (s *Server) handleSubmitDeployment(w http.ResponseWriter, r *http.Request) {
	var req coordinator.SubmitDeploymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.svc.SubmitDeployment(r.Context(), req)
	s.respond(w, r, http.StatusCreated, result, err)
}

func (s *Server) handleGenerateClaim(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.svc.GenerateClaim(r.Context(), req)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req coordinator.SubmitClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.svc.SubmitClaim(r.Context(), req)
	s.respond(w, r, http.StatusOK, result, err)
}

// handleLookup takes the claim token in the body so it never appears in
// access logs.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.svc.Lookup(r.Context(), req.Token)
	s.respond(w, r, http.StatusOK, view, err)
}

// appRequest is a request addressed to the escrow named in the URL.
type appRequest interface {
	coordinator.CreatorRequest | coordinator.SubmitRequest
}

func appCall[Req appRequest, Resp any](s *Server, call func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID, ok := s.appID(w, r)
		if !ok {
			return
		}
		var req Req
		if !s.decode(w, r, &req) {
			return
		}
		switch typed := any(&req).(type) {
		case *coordinator.CreatorRequest:
			typed.AppID = appID
		case *coordinator.SubmitRequest:
			typed.AppID = appID
		}
		result, err := call(r.Context(), req)
		s.respond(w, r, http.StatusOK, result, err)
	}
}

func (s *Server) appID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "appId")
	appID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || appID == 0 {
		s.writeError(w, r, coreerrors.Validation("invalid appId %q", raw))
		return 0, false
	}
	return appID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, coreerrors.Wrap(coreerrors.KindValidation, err, "invalid request body"))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, body)
}

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Shortfall uint64 `json:"shortfall,omitempty"`
	TxID      string `json:"txId,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// StatusFor maps a failure kind onto an HTTP status code.
func StatusFor(kind coreerrors.Kind) int {
	switch kind {
	case coreerrors.KindValidation:
		return http.StatusBadRequest
	case coreerrors.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case coreerrors.KindLedgerRejection:
		return http.StatusUnprocessableEntity
	case coreerrors.KindStateConflict:
		return http.StatusConflict
	case coreerrors.KindTransient:
		return http.StatusServiceUnavailable
	case coreerrors.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := coreerrors.KindOf(err)
	body := errorBody{
		Kind:      kind.String(),
		Message:   err.Error(),
		TxID:      coreerrors.TxIDOf(err),
		Retryable: kind.Retryable(),
		RequestID: chimw.GetReqID(r.Context()),
	}
	if shortfall, ok := coreerrors.ShortfallOf(err); ok {
		body.Shortfall = shortfall
	}
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("requestId", body.RequestID),
			slog.String("subject", SubjectFromContext(r.Context())),
			slog.String("error", err.Error()))
		body.Message = "internal error"
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestID propagates X-Request-Id, minting a UUID when the caller sent none.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(chimw.RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(chimw.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("requestId", chimw.GetReqID(r.Context())))
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
