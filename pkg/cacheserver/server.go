// Package cacheserver serves the snapshot cache read-only over HTTP so other
// processes on the host can consume cached tables without decoding files.
package cacheserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/illmade-knight/go-fetchcache/pkg/snapshot"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/rs/zerolog"
)

// Server exposes:
//
//	GET /healthz
//	GET /snapshots[?source=S&group=G]       list, oldest first
//	GET /snapshots/{source}/{group}         latest snapshot
//	GET /snapshots/{source}/{group}/{name}  named snapshot
type Server struct {
	store      *snapshot.Store
	logger     zerolog.Logger
	addr       string
	httpServer *http.Server

	mu         sync.RWMutex
	actualAddr string
}

// New creates a Server that will listen on addr (e.g. ":8080" or ":0").
func New(store *snapshot.Store, addr string, logger zerolog.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger.With().Str("component", "CacheServer").Logger(),
		addr:   addr,
	}
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	return s
}

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	mux.HandleFunc("GET /snapshots", s.list)
	mux.HandleFunc("GET /snapshots/{source}/{group}", s.read)
	mux.HandleFunc("GET /snapshots/{source}/{group}/{name}", s.read)
	return mux
}

// Start listens and serves in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Str("root", s.store.Root()).Msg("Cache server listening.")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Cache server failed.")
		}
	}()
	return nil
}

// Addr returns the address the server is listening on once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.addr
	}
	return s.actualAddr
}

// Shutdown stops the server gracefully within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down cache server...")
	return s.httpServer.Shutdown(ctx)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Entry describes one cached snapshot.
type Entry struct {
	Source string `json:"source"`
	Group  string `json:"group"`
	Name   string `json:"name"`
}

type tableResponse struct {
	Source  string   `json:"source"`
	Group   string   `json:"group"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	paths, err := s.store.Glob(r.URL.Query().Get("source"), r.URL.Query().Get("group"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		groupDir := filepath.Dir(p)
		entries = append(entries, Entry{
			Source: filepath.Base(filepath.Dir(groupDir)),
			Group:  filepath.Base(groupDir),
			Name:   strings.TrimSuffix(filepath.Base(p), table.Extension),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	source, group := r.PathValue("source"), r.PathValue("group")
	t, err := s.store.ReadNamed(source, group, r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	columns, rows := t.Columns, t.Rows
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, tableResponse{Source: source, Group: group, Columns: columns, Rows: rows})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, snapshot.ErrInvalidToken):
		status = http.StatusBadRequest
	default:
		s.logger.Error().Err(err).Msg("Request failed.")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
