// Package admin serves the operator HTTP API of the central system.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/internal/logging"
	"github.com/gogogo1024/ocppgate/internal/metrics"
	"github.com/gogogo1024/ocppgate/internal/store"
	"github.com/gogogo1024/ocppgate/routing"
)

const requestTimeout = 5 * time.Second

// RouteDescriber lists the routes every charge point connection gets.
type RouteDescriber interface {
	Describe() ([]routing.RouteInfo, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Service represents the admin service
type Service struct {
	store   store.Store
	routes  RouteDescriber
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewService(st store.Store, routes RouteDescriber, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{store: st, routes: routes, metrics: m, log: logging.OrNop(log)}
}

// Response wrapper
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// httpError carries the status a handler failure is reported with.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &httpError{status: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, msg string, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(Response{Code: code, Message: msg, Data: data})
}

func (s *Service) Healthz(w http.ResponseWriter, r *http.Request) error {
	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return &httpError{status: http.StatusServiceUnavailable, err: fmt.Errorf("store unavailable: %w", err)}
		}
	}
	return s.respondJSON(w, http.StatusOK, "ok", nil)
}

func (s *Service) ListRoutes(w http.ResponseWriter, r *http.Request) error {
	if s.routes == nil {
		return s.respondJSON(w, http.StatusOK, "success", []routing.RouteInfo{})
	}
	infos, err := s.routes.Describe()
	if err != nil {
		return err
	}
	return s.respondJSON(w, http.StatusOK, "success", infos)
}

func (s *Service) ListStations(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stations, err := s.store.ListStations(ctx)
	if err != nil {
		return err
	}
	if stations == nil {
		stations = []store.Station{}
	}
	return s.respondJSON(w, http.StatusOK, "success", map[string]interface{}{
		"data":  stations,
		"total": len(stations),
	})
}

func (s *Service) GetStation(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	st, err := s.store.Station(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return s.respondJSON(w, http.StatusOK, "success", st)
}

type CreateIDTagReq struct {
	IDTag     string     `json:"idTag"`
	Status    string     `json:"status,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	ParentTag string     `json:"parentIdTag,omitempty"`
}

func (s *Service) CreateIDTag(w http.ResponseWriter, r *http.Request) error {
	var req CreateIDTagReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return badRequest("decode request: %v", err)
	}
	req.IDTag = strings.TrimSpace(req.IDTag)
	if req.IDTag == "" {
		return badRequest("idTag is required")
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	tag := store.IDTag{Tag: req.IDTag, Status: req.Status, ExpiresAt: req.ExpiresAt, ParentTag: req.ParentTag}
	if err := s.store.AddIDTag(ctx, tag); err != nil {
		return err
	}
	s.log.Info("id tag added", zap.String("id_tag", req.IDTag), zap.String("status", req.Status))

	got, err := s.store.Authorize(ctx, req.IDTag, time.Now())
	if err != nil {
		return err
	}
	return s.respondJSON(w, http.StatusCreated, "created", got)
}

// statusOf maps a handler error to its HTTP status.
func statusOf(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.status
	case errors.Is(err, store.ErrStationNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
