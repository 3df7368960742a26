// Package server exposes a scripting host over HTTP: its layers and state,
// event emission, console logs, a websocket stream of commits, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/joeycumines/openoverlay/internal/scripting"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultEmitTimeout = 5 * time.Second
	defaultLogLimit    = 100
	maxEventBody       = 1 << 20
)

// Host is the part of *scripting.Host the server reads.
type Host interface {
	Layers() []layer.Layer
	State() scripting.HostState
	Executing() bool
	LastError() error
	Session() *scripting.Session
}

// Options configures a Server.
type Options struct {
	Host   Host
	Logger *slog.Logger
	// Registry receives the server's collectors and backs /metrics. When nil
	// the default prometheus registry is used.
	Registry *prometheus.Registry
	// EmitTimeout bounds POST /api/events calls.
	EmitTimeout time.Duration
}

// Server is the HTTP surface of one host.
type Server struct {
	host        Host
	logger      *slog.Logger
	hub         *hub
	gatherer    prometheus.Gatherer
	emitTimeout time.Duration
	router      chi.Router
}

// New builds a Server. Publish must be wired to the host's commits.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EmitTimeout <= 0 {
		opts.EmitTimeout = defaultEmitTimeout
	}
	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if opts.Registry != nil {
		reg, gatherer = opts.Registry, opts.Registry
	}
	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "overlay",
		Name:      "websocket_clients",
		Help:      "Connected websocket clients.",
	})
	if err := reg.Register(clients); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			opts.Logger.Warn("registering websocket gauge", "error", err)
		} else if g, ok := are.ExistingCollector.(prometheus.Gauge); ok {
			clients = g
		}
	}

	s := &Server{
		host:        opts.Host,
		logger:      opts.Logger,
		hub:         newHub(opts.Logger, clients),
		gatherer:    gatherer,
		emitTimeout: opts.EmitTimeout,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/layers", s.handleLayers)
		r.Get("/state", s.handleState)
		r.Post("/events/{name}", s.handleEvent)
		r.Get("/logs", s.handleLogs)
	})
	r.Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int { return s.hub.count() }

// Publish broadcasts a commit to every websocket client. It is suitable as a
// HostConfig.OnUpdated callback.
func (s *Server) Publish(c scripting.Commit) {
	data, err := json.Marshal(commitMessage{Type: "commit", Commit: c})
	if err != nil {
		s.logger.Error("encoding commit", "session", c.SessionID, "error", err)
		return
	}
	s.hub.broadcast(data)
}

// Close disconnects every websocket client. Later connections are refused.
func (s *Server) Close() error {
	s.hub.close()
	return nil
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
// ready, if non-nil, receives the bound address.
func (s *Server) Serve(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if ready != nil {
		ready(ln.Addr())
	}
	s.logger.Info("serving overlay", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		_ = s.Close()
		return err
	case <-ctx.Done():
	}

	_ = s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type commitMessage struct {
	Type string `json:"type"`
	scripting.Commit
}

type helloMessage struct {
	Type   string        `json:"type"`
	Client string        `json:"client"`
	State  string        `json:"state"`
	Layers []layer.Layer `json:"layers"`
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	State         string `json:"state"`
	Executing     bool   `json:"executing"`
	SessionID     int64  `json:"sessionId,omitempty"`
	Seq           int64  `json:"seq,omitempty"`
	PendingTimers int    `json:"pendingTimers"`
	LiveUnits     int    `json:"liveUnits"`
	Clients       int    `json:"clients"`
	LastError     string `json:"lastError,omitempty"`
}

// EventResponse is the body of POST /api/events/{name}.
type EventResponse struct {
	Event    string `json:"event"`
	Handlers int    `json:"handlers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleLayers(w http.ResponseWriter, _ *http.Request) {
	layers := s.host.Layers()
	if layers == nil {
		layers = []layer.Layer{}
	}
	s.writeJSON(w, http.StatusOK, layers)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	resp := StateResponse{
		State:     s.host.State().String(),
		Executing: s.host.Executing(),
		Clients:   s.hub.count(),
	}
	if err := s.host.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	if sess := s.host.Session(); sess != nil {
		resp.SessionID = sess.ID()
		resp.PendingTimers = sess.PendingTimers()
		resp.LiveUnits = sess.LiveUnits()
		if c, ok := sess.LastCommit(); ok {
			resp.Seq = c.Seq
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var args []any
	if len(body) > 0 {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event body: %w", err))
			return
		}
		args = append(args, v)
	}

	sess := s.host.Session()
	if sess == nil {
		s.writeError(w, http.StatusConflict, errors.New("no running session"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.emitTimeout)
	defer cancel()
	n, err := sess.Emit(ctx, name, args...)
	switch {
	case errors.Is(err, scripting.ErrSessionClosed):
		s.writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.logger.Warn("emit failed", "event", name, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EventResponse{Event: name, Handlers: n})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid n %q", v))
			return
		}
		limit = n
	}

	entries := []scripting.LogEntry{}
	if sess := s.host.Session(); sess != nil {
		if q := r.URL.Query().Get("q"); q != "" {
			entries = sess.Console().Search(q)
		} else {
			entries = sess.Console().Entries()
		}
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []scripting.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// overlays are rendered by browser sources on other origins
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := s.hub.register(conn, func(id uuid.UUID) []byte {
		data, err := json.Marshal(helloMessage{
			Type:   "hello",
			Client: id.String(),
			State:  s.host.State().String(),
			Layers: s.host.Layers(),
		})
		if err != nil {
			s.logger.Error("encoding hello", "error", err)
		}
		return data
	})
	if c == nil {
		return
	}
	defer s.hub.unregister(c)

	// read pump; clients only ever send control frames
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
