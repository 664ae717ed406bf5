// Package http exposes the governance and market data surface over a JSON
// API. Every response uses the same envelope: {"ok":true,"data":...} or
// {"ok":false,"error":{"code","message","data"}}.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"tradegate/internal/app"
	"tradegate/internal/apperr"
	"tradegate/internal/policy"
)

// Server is the HTTP front end over an app graph.
type Server struct {
	app    *app.App
	router *mux.Router
	srv    *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(a *app.App) *Server {
	s := &Server{app: a, router: mux.NewRouter()}
	s.routes()

	cfg := a.Config.Server
	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware, s.recoverMiddleware, s.timeoutMiddleware, s.logMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.app.Metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	v1.HandleFunc("/executions", s.handleListPending).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	v1.HandleFunc("/consent/{tier}", s.handleGetConsent).Methods(http.MethodGet)
	v1.HandleFunc("/consent/{tier}", s.handleAcceptConsent).Methods(http.MethodPost)

	v1.HandleFunc("/policy/overrides", s.handleGetOverrides).Methods(http.MethodGet)
	v1.HandleFunc("/policy/overrides", s.handleSetOverrides).Methods(http.MethodPut)
	v1.HandleFunc("/policy/profile", s.handleApplyProfile).Methods(http.MethodPost)

	v1.HandleFunc("/approval/mode", s.handleSetMode).Methods(http.MethodPut)

	v1.HandleFunc("/marketdata/ticker/{symbol}", s.handleTicker).Methods(http.MethodGet)
	v1.HandleFunc("/marketdata/status", s.handleMarketDataStatus).Methods(http.MethodGet)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type ctxKey int

const requestIDKey ctxKey = 0

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
				writeError(w, apperr.New(apperr.CodeInternalError, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds handler work via the request context. Venue calls
// and idempotency waits inherit the deadline.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

type envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *errorBody  `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, err *apperr.Error) {
	writeJSON(w, statusFor(err.Code), envelope{OK: false, Error: &errorBody{
		Code:    err.Code,
		Message: err.Message,
		Data:    err.Data,
	}})
}

// statusFor maps error codes onto HTTP status classes. Policy denials are 403,
// structural problems 400, throttling 429, and venue trouble 502.
func statusFor(code string) int {
	switch code {
	case apperr.CodeConsentRequired, apperr.CodeAdvancedConsentRequired:
		return http.StatusForbidden
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeExecutionNotFound:
		return http.StatusNotFound
	case apperr.CodeExecutionAlreadyFinalized, apperr.CodeExecutionExpired:
		return http.StatusConflict
	case apperr.CodeInvalidConfirmToken:
		return http.StatusForbidden
	case apperr.CodeVenueUnavailable:
		return http.StatusBadGateway
	case apperr.CodeMarketDataNotAcceptable:
		return http.StatusServiceUnavailable
	case apperr.CodeExecutionFailed, apperr.CodeInternalError:
		return http.StatusInternalServerError
	case apperr.CodeInvalidRequest, apperr.CodeInvalidOverrideKeys,
		policy.ReasonInvalidSide, policy.ReasonInvalidOrderType,
		policy.ReasonInvalidAmount, policy.ReasonInvalidPrice:
		return http.StatusBadRequest
	default:
		// Allowlist and limit denials.
		return http.StatusForbidden
	}
}
