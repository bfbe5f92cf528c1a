package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ILLUVRSE/docflow/internal/admin"
	"github.com/ILLUVRSE/docflow/internal/auth"
	"github.com/ILLUVRSE/docflow/internal/engine"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/lock"
	"github.com/ILLUVRSE/docflow/internal/models"
	"github.com/ILLUVRSE/docflow/internal/roles"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	engine   *engine.Engine
	roles    *roles.Registry
	admin    *admin.Control
	db       Pinger
	resolver auth.Resolver
	limiter  *principalLimiter
}

func New(e *engine.Engine, reg *roles.Registry, ctl *admin.Control, db Pinger, resolver auth.Resolver, opts Options) *Server {
	return &Server{
		engine:   e,
		roles:    reg,
		admin:    ctl,
		db:       db,
		resolver: resolver,
		limiter:  newPrincipalLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.resolver))
		r.Use(s.limiter.Middleware)

		r.Post("/requests", s.handleCreate)
		r.Route("/requests/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/status", s.handleStatus)
			r.Get("/steps", s.handleSteps)
			r.Get("/events", s.handleEvents)
			r.Post("/decision", s.handleDecide)
			r.Post("/cancel", s.handleCancel)
			r.Post("/expire", s.handleExpire)
		})
		r.Get("/principals/{principal}/requests", s.handlePrincipalRequests)
		r.Get("/documents/{documentId}/requests", s.handleDocumentRequests)
		r.Get("/roles/{principal}", s.handleRolesOf)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/roles", s.handleGrantRole)
			r.Delete("/roles", s.handleRevokeRole)
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
			r.Put("/document-manager", s.handleSetDocumentManager)
			r.Get("/state", s.handleAdminState)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if paused, err := s.admin.Paused(ctx); err == nil {
		status["paused"] = paused
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func principal(r *http.Request) models.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// decodeBody decodes and validates a JSON request body, writing the 400 itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// writeError maps engine error kinds to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code string
	switch errs.KindOf(err) {
	case errs.ErrValidation:
		status, code = http.StatusBadRequest, "validation_error"
	case errs.ErrAuthorization:
		status, code = http.StatusForbidden, "forbidden"
	case errs.ErrNotFound:
		status, code = http.StatusNotFound, "not_found"
	case errs.ErrState:
		status, code = http.StatusConflict, "state_conflict"
	case errs.ErrExpired:
		status, code = http.StatusGone, "expired"
	case errs.ErrPaused:
		status, code = http.StatusServiceUnavailable, "paused"
	default:
		if errors.Is(err, lock.ErrTimeout) {
			respondError(w, http.StatusServiceUnavailable, "busy", "request is busy, retry later")
			return
		}
		log.Printf("[httpserver] %s %s: %v", r.Method, r.URL.Path, err)
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	respondError(w, status, code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
