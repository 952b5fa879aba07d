// Package api exposes the monitor over HTTP: health, the current watch
// list, on demand probing and a websocket stream of loss events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/ipreachd/internal/reachability"
)

const shutdownTimeout = 5 * time.Second

// Monitor is the part of reachability.Monitor the API serves.
type Monitor interface {
	Snapshot() reachability.WatchListSnapshot
	ProbeAll()
}

type Service struct {
	address string
	port    int
	monitor Monitor
	events  *Events

	probing atomic.Bool

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	closed   bool
}

func NewService(host string, port int, monitor Monitor, events *Events) *Service {
	return &Service{
		address: host,
		port:    port,
		monitor: monitor,
		events:  events,
	}
}

// Handler returns the API routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/watchlist", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Add("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(s.monitor.Snapshot()); err != nil {
				http.Error(w, fmt.Sprintf("Failed to encode watch list: %v", err), http.StatusInternalServerError)
			}
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.triggerProbe()
			w.WriteHeader(http.StatusAccepted)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/ws/events", s.serveEvents)
	return mux
}

// triggerProbe starts a probe burst unless one is already running.
func (s *Service) triggerProbe() {
	if !s.probing.CompareAndSwap(false, true) {
		log.Debug("Probe already in progress")
		return
	}
	go func() {
		defer s.probing.Store(false)
		s.monitor.ProbeAll()
	}()
}

// Start serves the API until ctx ends or Close is called.
func (s *Service) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, fmt.Sprint(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	log.Infof("Starting ipreachd API service at %s", ln.Addr())
	defer log.Info("Stopping ipreachd API service")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the listening address once Start is serving.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.shutdown()
	return nil
}

func (s *Service) shutdown() {
	// Hijacked websocket connections are not tracked by the server; closing
	// the hub ends their handlers.
	if s.events != nil {
		s.events.Close()
	}

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("API server did not shut down cleanly")
	}
}
