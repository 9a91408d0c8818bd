// Package api exposes the connector's management surface (spec §6): a
// small HTTP API over the bridge for status, metrics, and source
// lifecycle, routed with go-chi/chi the way a teacher service fronts its
// internals with a lightweight mux instead of a framework.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/otbridge/connector/internal/bridge"
	"github.com/otbridge/connector/internal/log"
	"github.com/otbridge/connector/internal/metrics"
	"github.com/otbridge/connector/internal/protocol"
	"github.com/otbridge/connector/internal/types"
	"github.com/otbridge/connector/internal/wot"
)

// Server wraps an http.Server bound to the bridge's management routes.
type Server struct {
	httpServer *http.Server
	br         *bridge.Bridge
}

// New builds the router and binds it to addr. It does not start serving
// until Start is called.
func New(addr string, br *bridge.Bridge) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	s := &Server{br: br}

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/metrics", s.handleMetrics)
	r.Post("/api/sources", s.handleAddSource)
	r.Post("/api/sources/from-td", s.handleAddSourceFromTD)
	r.Post("/api/sources/{name}/start", s.handleStartSource)
	r.Post("/api/sources/{name}/stop", s.handleStopSource)
	r.Delete("/api/sources/{name}", s.handleRemoveSource)
	r.Post("/api/sink/test_auth", s.handleTestAuth)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the process is told to stop; ErrServerClosed after a
// graceful Stop is not an error to the caller.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type sourceStatus struct {
	Name           string `json:"name"`
	Protocol       string `json:"protocol"`
	Enabled        bool   `json:"enabled"`
	State          string `json:"state"`
	Kind           string `json:"kind,omitempty"`
	Cause          string `json:"cause,omitempty"`
	RecordsEmitted uint64 `json:"records_emitted"`
	ReconnectCount uint64 `json:"reconnect_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sources := s.br.ListSources()
	statuses := s.br.Status()

	out := make([]sourceStatus, 0, len(sources))
	for _, src := range sources {
		st, ok := statuses[src.Name]
		if !ok {
			st = bridge.SourceStatus{Health: protocol.Health{State: protocol.StateStopped}}
		}
		out = append(out, sourceStatus{
			Name:           src.Name,
			Protocol:       string(src.Protocol),
			Enabled:        src.Enabled,
			State:          string(st.State),
			Kind:           st.Kind,
			Cause:          st.Cause,
			RecordsEmitted: st.Stats.RecordsEmitted,
			ReconnectCount: st.Stats.ReconnectCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources":         out,
		"sink_breaker":    s.br.SinkBreakerState().String(),
		"events_ingested": s.br.EventsIngested(),
		"events_sent":     s.br.EventsSent(),
		"queue_depth":     s.br.QueueDepth(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var src types.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.br.AddSource(src); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

type fromTDRequest struct {
	Name string `json:"name"`
	URL  string `json:"thing_description_url"`
}

func (s *Server) handleAddSourceFromTD(w http.ResponseWriter, r *http.Request) {
	var req fromTDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	doc, err := wot.Fetch(r.Context(), req.URL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	tdCfg, err := wot.Parse(doc)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	src := wot.SourceFromThingConfig(req.Name, tdCfg)
	if err := s.br.AddSource(src); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleStartSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	src, ok := s.findSource(name)
	if !ok {
		writeError(w, http.StatusNotFound, errSourceNotFound(name))
		return
	}
	if err := s.br.StartSource(src); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.br.StopSource(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.br.RemoveSource(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestAuth exercises the sink's OAuth2 client-credentials exchange
// without sending a batch, so an operator can validate sink config before
// enabling sources (spec §6).
func (s *Server) handleTestAuth(w http.ResponseWriter, r *http.Request) {
	if err := s.br.TestSinkAuth(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) findSource(name string) (types.Source, bool) {
	for _, src := range s.br.ListSources() {
		if src.Name == name {
			return src, true
		}
	}
	return types.Source{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type sourceNotFoundError struct{ name string }

func (e sourceNotFoundError) Error() string { return "source not found: " + e.name }

func errSourceNotFound(name string) error { return sourceNotFoundError{name: name} }
