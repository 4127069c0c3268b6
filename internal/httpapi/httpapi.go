// Package httpapi provides the chi-based HTTP API for efimeral.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/jxucoder/efimeral/pkg/eventbus"
	"github.com/jxucoder/efimeral/pkg/model"
)

// LeaseService is the subset of the controller the API calls into.
type LeaseService interface {
	Launch(ctx context.Context, imageTag string) (*model.Lease, error)
	Stop(ctx context.Context, id string) (model.ReclaimResult, error)
	Status(id string) (model.LeaseSummary, error)
	List() []model.LeaseSummary
	Events(id string, afterID int64) ([]*model.Event, error)
	Bus() eventbus.Bus
}

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = 5

// Server holds the HTTP handlers.
type Server struct {
	leases  LeaseService
	metrics http.Handler
	boxes   http.Handler
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithBoxes mounts the public box proxy at /boxes/*.
func WithBoxes(h http.Handler) Option {
	return func(s *Server) { s.boxes = h }
}

// New creates a new Server.
func New(leases LeaseService, opts ...Option) *Server {
	s := &Server{leases: leases}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/leases", s.handleLaunch)
		r.Get("/leases", s.handleList)
		r.Get("/leases/{id}", s.handleStatus)
		r.Post("/leases/{id}/stop", s.handleStop)
		r.Delete("/leases/{id}", s.handleStop)
		r.Get("/leases/{id}/events", s.handleEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.boxes != nil {
		r.Handle("/boxes/*", s.boxes)
	}
	return r
}

// --- Request/Response types ---

type launchRequest struct {
	ImageTag string `json:"image_tag"`
}

type launchResponse struct {
	LeaseID     string    `json:"lease_id"`
	RouteTarget string    `json:"route_target"`
	URL         string    `json:"url"`
	Deadline    time.Time `json:"deadline"`
}

type stopResponse struct {
	LeaseID string `json:"lease_id"`
	Result  string `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	// An empty body launches the default image.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	lease, err := s.leases.Launch(r.Context(), req.ImageTag)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, launchResponse{
		LeaseID:     lease.ID,
		RouteTarget: lease.Route.Address,
		URL:         lease.Route.URL,
		Deadline:    lease.Deadline,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	leases := s.leases.List()
	if leases == nil {
		leases = []model.LeaseSummary{}
	}
	writeJSON(w, http.StatusOK, leases)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.leases.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.leases.Stop(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{LeaseID: id, Result: res.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.leases.Status(id); err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var lastID int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastID, _ = strconv.ParseInt(v, 10, 64)
	}

	// Subscribe before replaying history so nothing published in between
	// is lost; replayed IDs are skipped on the live channel.
	bus := s.leases.Bus()
	ch := bus.Subscribe(id)
	defer bus.Unsubscribe(id, ch)

	history, err := s.leases.Events(id, lastID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, e := range history {
		writeSSE(w, e)
		lastID = e.ID
		if e.Type == model.EventReclaimed {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()
	if r.URL.Query().Get("follow") == "false" {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.ID <= lastID {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
			lastID = event.ID
			if event.Type == model.EventReclaimed {
				return
			}
		}
	}
}

// --- Helpers ---

func writeServiceError(w http.ResponseWriter, err error) {
	status := model.HTTPStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event *model.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, string(data))
}
