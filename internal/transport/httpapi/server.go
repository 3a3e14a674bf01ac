// Package httpapi exposes the engine over HTTP/JSON and streams status
// events with Server-Sent Events.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"jobd/internal/engine"
	"jobd/internal/eventbus"
	"jobd/internal/storage"
	logx "jobd/pkg/logx"

	rtsup "jobd/internal/runtime/supervisor"
)

// Engine is the subset of *engine.Engine served over HTTP.
type Engine interface {
	CreateJob(ctx context.Context, in storage.NewJob) (storage.Job, error)
	DeleteJob(ctx context.Context, jobID int64) error
	RunJob(ctx context.Context, jobID int64) (*engine.Run, error)
	StopJob(ctx context.Context, jobID int64) error
	ListJobs(ctx context.Context, worktreePath string) ([]storage.Job, error)
	GetJob(ctx context.Context, jobID int64) (storage.Job, error)
	GetJobRuns(ctx context.Context, jobID int64, limit int) ([]storage.JobRun, error)
	GetRun(ctx context.Context, runID int64) (storage.JobRun, error)
	LiveOutput(jobID int64) (engine.LiveOutput, error)
	Subscribe(buffer int) (<-chan eventbus.Event, func())
	Validate(expr string) error
	Snapshot() engine.Snapshot
}

// Config controls the listener.
//
// Security: binding to a non-loopback address requires Token.
type Config struct {
	Addr        string
	Token       string
	Pprof       bool
	ReadTimeout time.Duration
	// KeepAlive is the SSE comment interval. 0 means 15s.
	KeepAlive time.Duration
}

type Server struct {
	log logx.Logger
	eng Engine
	cfg Config

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, eng Engine, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	return &Server{cfg: cfg, eng: eng, log: log}
}

var ErrInsecureBind = errors.New("http: non-loopback addr requires a token")

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:7420"
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("http refused to start: non-loopback addr requires token", logx.String("addr", addr))
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		// No WriteTimeout: run?wait=true and the event stream are long-lived.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.ln, s.srv, s.addr = ln, srv, ln.Addr().String()
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("http.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("http started", logx.String("addr", s.addr), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address (useful with ":0").
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts down gracefully, then closes remaining connections (event
// streams) when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	_ = sup.Stop(context.WithoutCancel(ctx))
	s.log.Info("http stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
