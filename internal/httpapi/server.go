// Package httpapi exposes the planner over HTTP: task set submission and
// retrieval, the archive of superseded sets, and the weekly calendar feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"weekplan/internal/ics"
	"weekplan/internal/planner"
	logx "weekplan/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	RatePerSec int
	RateBurst  int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8745"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server manages the API listener lifecycle.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	pl   *planner.Service
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, pl *planner.Service, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), pl: pl, log: log}
}

// Addr returns the bound listen address, or "" while stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

// Apply restarts the listener when the effective config changed.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil && cfg == s.cfg {
		return
	}
	s.cfg = cfg
	if s.srv != nil {
		s.stopLocked(ctx)
		s.startLocked()
	}
}

func (s *Server) startLocked() {
	if s.srv != nil {
		return
	}
	var limiter *ipLimiter
	if s.cfg.RatePerSec > 0 {
		limiter = newIPLimiter(s.cfg.RatePerSec, s.cfg.RateBurst)
	}
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      limiter.middleware(s.routes()),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Warn("api listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("api server error", logx.String("addr", s.addr), logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", s.addr))
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	ln := s.ln
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("api shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("api stopped", logx.String("addr", addr))
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/schedule.ics", s.handleCalendar)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getTasks(w, r)
	case http.MethodPost:
		s.postTasks(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// getTasks re-runs the allocator over the stored task set and returns the
// processed placements.
func (s *Server) getTasks(w http.ResponseWriter, r *http.Request) {
	res, err := s.pl.Replan(r.Context())
	if err != nil {
		if errors.Is(err, planner.ErrNoTasks) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Warn("replan failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "allocation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":    res.Tasks,
		"unplaced": res.Report.Unplaced,
	})
}

// postTasks archives the current set, installs the submitted one and
// responds with the fresh allocation.
func (s *Server) postTasks(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	res, err := s.pl.Submit(r.Context(), json.RawMessage(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":  "Tasks updated successfully",
		"tasks":    res.Tasks,
		"unplaced": res.Report.Unplaced,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	archives, err := s.pl.History(r.Context(), limit)
	if err != nil {
		s.log.Warn("history query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": archives})
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res := s.pl.Latest()
	if res == nil {
		var err error
		if res, err = s.pl.Replan(r.Context()); err != nil {
			if errors.Is(err, planner.ErrNoTasks) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "allocation failed")
			return
		}
	}
	cal := ics.BuildCalendar(res.WeekStart, res.Report.Placed)
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = io.WriteString(w, cal.Serialize())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
