package harness

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/peterbarnett03/influxdb3-plugins/internal/influxhttp"
	"github.com/peterbarnett03/influxdb3-plugins/internal/runfeed"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// Server is the harness's HTTP surface: engine request routes, a line
// protocol ingest endpoint that feeds write triggers, and the run feed.
type Server struct {
	runner *Runner
	client *influxhttp.Client
	feed   *runfeed.Hub
	token  string
	log    *slog.Logger
	router chi.Router
}

func NewServer(cfg HTTPConfig, runner *Runner, client *influxhttp.Client, feed *runfeed.Hub, log *slog.Logger) *Server {
	s := &Server{
		runner: runner,
		client: client,
		feed:   feed,
		token:  cfg.AuthToken(),
		log:    log,
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Group(func(gr chi.Router) {
		gr.Use(s.bearerAuth)
		gr.HandleFunc("/api/v3/engine/*", s.handleEngine)
		gr.Post("/api/v3/write_lp", s.handleWrite)
		gr.Get("/ws/runs", feed.ServeHTTP)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// bearerAuth rejects requests without the configured bearer token. An empty
// token disables the check.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.token {
				jsonError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEngine routes /api/v3/engine/{path} to the request trigger bound to
// that path.
func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(chi.URLParam(r, "*"), "/")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	req := &pluginapi.Request{
		QueryParams: r.URL.Query(),
		Headers:     r.Header,
		Body:        body,
	}

	resp, ok := s.runner.HandleEngine(r.Context(), path, req)
	if !ok {
		jsonError(w, http.StatusNotFound, "no trigger bound to path "+path)
		return
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, resp.Body)
}

// handleWrite ingests line protocol: the write is forwarded to the server
// first, then the parsed batches are dispatched to write triggers.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	db := r.URL.Query().Get("db")
	if db == "" {
		jsonError(w, http.StatusBadRequest, "db query parameter is required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	batches, err := parseLineBatches(body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(batches) == 0 {
		jsonError(w, http.StatusBadRequest, "no points in request body")
		return
	}

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if err := s.client.WriteLP(r.Context(), db, lines); err != nil {
		s.log.Error("forwarding write failed", "database", db, "err", err)
		jsonError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.runner.DispatchWrites(r.Context(), db, batches)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
