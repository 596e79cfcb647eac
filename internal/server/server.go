// Package server accepts inspector frontends and bridges each one to a fresh
// connection to the debug target.
//
// Only one frontend is attached at a time. The target's debug port accepts a
// single client, so a second frontend is refused with 409 Conflict until the
// first one leaves.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/standardbeagle/inspectbridge/internal/bridge"
	"github.com/standardbeagle/inspectbridge/internal/session"
)

// Dialer opens a connection to the debug target.
type Dialer func(ctx context.Context) (net.Conn, error)

// Config holds configuration for creating a server.
type Config struct {
	ID             string // Defaults to a random UUID
	ListenAddr     string
	Title          string // Target title in the /json list
	Dial           Dialer
	RequestTimeout time.Duration
	Bridge         bridge.Config
}

// Server serves the target list and bridges frontend WebSocket connections.
type Server struct {
	ID         string
	ListenAddr string
	cfg        Config
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	running    atomic.Bool
	attached   atomic.Bool
	sessions   atomic.Int64
	startTime  time.Time
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	conns      sync.WaitGroup

	// Ready signal - closed when the listener is bound
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("no target dialer configured")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.Title == "" {
		cfg.Title = "node"
	}

	return &Server{
		ID:         cfg.ID,
		ListenAddr: cfg.ListenAddr,
		cfg:        cfg,
		ready:      make(chan struct{}),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // inspectors connect from devtools:// and chrome-devtools:// origins
			},
		},
	}, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	mux := http.NewServeMux()
	mux.HandleFunc("/json", s.handleList)
	mux.HandleFunc("/json/list", s.handleList)
	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc("/ws", s.handleWebSocket)

	listener, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		if !isAddressInUse(err) {
			cancel()
			return fmt.Errorf("failed to listen on %s: %w", s.ListenAddr, err)
		}
		host, _, _ := net.SplitHostPort(s.ListenAddr)
		listener, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			cancel()
			return fmt.Errorf("failed to find available port: %w", err)
		}
		log.Printf("[server] %s in use, listening on %s", s.ListenAddr, listener.Addr())
	}

	s.ListenAddr = listener.Addr().String()
	s.httpServer = &http.Server{
		Addr:    s.ListenAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.startTime = time.Now()
	s.running.Store(true)
	s.readyOnce.Do(func() {
		close(s.ready)
	})

	go s.serve(ctx, listener)
	return nil
}

func (s *Server) serve(ctx context.Context, listener net.Listener) {
	err := s.httpServer.Serve(listener)
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return
	}
	s.running.Store(false)
	log.Printf("[server] serve: %v", err)
}

// isAddressInUse checks if the error is due to address already in use.
func isAddressInUse(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "bind") && strings.Contains(err.Error(), "in use")
}

// Stop shuts the listener down and waits for attached frontends to detach.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return fmt.Errorf("server not running")
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	err := s.httpServer.Shutdown(ctx)
	s.running.Store(false)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Attached reports whether a frontend is currently bridged.
func (s *Server) Attached() bool {
	return s.attached.Load()
}

// Stats describes the server.
type Stats struct {
	ID         string        `json:"id"`
	ListenAddr string        `json:"listen_addr"`
	Running    bool          `json:"running"`
	Attached   bool          `json:"attached"`
	Sessions   int64         `json:"sessions"`
	Uptime     time.Duration `json:"uptime"`
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	st := Stats{
		ID:         s.ID,
		ListenAddr: s.ListenAddr,
		Running:    s.running.Load(),
		Attached:   s.attached.Load(),
		Sessions:   s.sessions.Load(),
	}
	if st.Running {
		st.Uptime = time.Since(s.startTime)
	}
	return st
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.attached.CompareAndSwap(false, true) {
		http.Error(w, "another frontend is already attached", http.StatusConflict)
		return
	}
	defer s.attached.Store(false)

	s.conns.Add(1)
	defer s.conns.Done()

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade: %v", err)
		return
	}

	target, err := s.cfg.Dial(r.Context())
	if err != nil {
		log.Printf("[server] dial target: %v", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "target unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	sess := session.New(target, session.WithTimeout(s.cfg.RequestTimeout))
	s.sessions.Add(1)
	log.Printf("[server] frontend %s attached (session %s)", r.RemoteAddr, sess.ID())

	b := bridge.New(sess, bridge.NewFrontend(conn), s.cfg.Bridge)
	if err := b.Run(r.Context()); err != nil && r.Context().Err() == nil {
		log.Printf("[server] session %s ended: %v", sess.ID(), err)
	}
	log.Printf("[server] frontend %s detached", r.RemoteAddr)
}
