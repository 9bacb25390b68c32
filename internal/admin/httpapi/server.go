// Package httpapi serves the operator HTTP API: schedule inspection, manual
// relaunch, metrics and optional profiling.
package httpapi

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "matchsync/internal/runtime/supervisor"
	logx "matchsync/pkg/logx"
)

// Config controls the admin HTTP server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	MetricsPath   string
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const (
	defaultAddr  = "127.0.0.1:8080"
	drainTimeout = 2 * time.Second
)

type Server struct {
	log  logx.Logger
	deps Deps

	mu       sync.Mutex
	cfg      Config
	ln       net.Listener
	cur      *serving
	retiring *serving
}

// serving is one Start..Stop span of the serve loop.
type serving struct {
	sup  *rtsup.Supervisor
	done chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.Component("httpapi"))}
}

// Addr is the bound listener address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := s.cfg != cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case changed:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start runs the serve loop under a restarting supervisor bound to ctx. It is
// a no-op when disabled or already running.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	old := s.retiring
	s.mu.Unlock()
	if old != nil {
		select {
		case <-old.done:
		case <-ctx.Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cur != nil || s.retiring != nil {
		return
	}
	sv := &serving{
		sup:  rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		done: make(chan struct{}),
	}
	sv.sup.GoRestart("http.serve", s.serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	s.cur = sv
}

// Stop shuts the server down and waits until ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sv, initiated := s.cur, s.cur != nil
	if initiated {
		s.cur, s.retiring = nil, sv
		sv.sup.Cancel()
		go s.retire(sv)
	} else {
		sv = s.retiring
	}
	s.mu.Unlock()
	if sv == nil {
		return
	}

	select {
	case <-sv.done:
		if initiated {
			s.log.Info("admin http stopped")
		}
	case <-ctx.Done():
		s.log.Warn("admin http stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Server) retire(sv *serving) {
	_ = sv.sup.Wait(context.Background())
	s.mu.Lock()
	if s.retiring == sv {
		s.retiring = nil
	}
	s.mu.Unlock()
	close(sv.done)
}

func (s *Server) setListener(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
}

// serve listens once and blocks until ctx ends or the server fails. On ctx
// end in-flight requests get drainTimeout to finish.
func (s *Server) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := cmp.Or(strings.TrimSpace(cfg.Addr), defaultAddr)
	if err := s.checkExposure(addr, cfg); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           NewRouter(cfg, s.deps, s.log),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.setListener(ln)
	defer s.setListener(nil)

	exited := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			if err := srv.Shutdown(dctx); err != nil {
				_ = srv.Close()
			}
		case <-exited:
		}
	}()

	s.log.Info("admin http listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)
	close(exited)
	<-drained

	if ctx.Err() != nil {
		return context.Canceled
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = errors.New("server closed")
	}
	return fmt.Errorf("admin http: %w", err)
}

// checkExposure refuses an unauthenticated non-loopback bind unless the
// config explicitly allows it.
func (s *Server) checkExposure(addr string, cfg Config) error {
	if cfg.Token != "" || isLoopbackAddr(addr) {
		return nil
	}
	if !cfg.AllowInsecure {
		s.log.Error("admin http refused: non-loopback addr needs token or allow_insecure", logx.String("addr", addr))
		return fmt.Errorf("admin http: refusing unauthenticated bind on %s", addr)
	}
	s.log.Warn("admin http has no token on a non-loopback addr", logx.String("addr", addr))
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
