// Package transporthttp is the reference HTTP+WebSocket transport for the
// Lifecycle Engine: a `/ws/snapshot` live stream plus a small JSON/REST
// surface for clone, worktree, and repository operations (spec §6, out of
// scope for the core but shipped here as the reference client).
package transporthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nrazumov/grove-fleet/internal/engine"
	"github.com/nrazumov/grove-fleet/internal/obslog"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
)

var log = obslog.WithComponent("transport")

// Config holds the transport's network binding options.
type Config struct {
	Addr string `yaml:"addr"`
}

// Server exposes an Engine over HTTP. Safe for concurrent use.
type Server struct {
	engine   *engine.Engine
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	running bool
	server  *http.Server
	addr    string
}

// New constructs a Server bound to addr, wrapping eng.
func New(eng *engine.Engine, addr string) *Server {
	return &Server{
		engine: eng,
		addr:   addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || isLocalhost(origin)
			},
		},
	}
}

var localhostPrefixes = []string{
	"http://localhost", "http://127.0.0.1",
	"https://localhost", "https://127.0.0.1",
}

func isLocalhost(origin string) bool {
	for _, prefix := range localhostPrefixes {
		if origin == prefix || len(origin) > len(prefix) && origin[:len(prefix)+1] == prefix+":" {
			return true
		}
	}
	return false
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws/snapshot", s.handleSnapshotWS)
	mux.HandleFunc("/api/v1/snapshot", s.handleGetSnapshot)
	mux.HandleFunc("/api/v1/clone", s.handleClone)
	mux.HandleFunc("/api/v1/worktrees", s.handleWorktrees)
	mux.HandleFunc("/api/v1/repositories/", s.handleRepository)
	return mux
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("transport already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	log.Info("transport starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server with a 10-second drain window.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthzResponse struct {
	Repos       int `json:"repos"`
	Worktrees   int `json:"worktrees"`
	Subscribers int `json:"subscribers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	worktrees := 0
	for _, repo := range snap.Repositories {
		worktrees += len(repo.Worktrees)
	}

	writeJSON(w, http.StatusOK, healthzResponse{
		Repos:       len(snap.Repositories),
		Worktrees:   worktrees,
		Subscribers: s.engine.SubscriberCount(),
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type cloneRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	writeAck(w, s.engine.Clone(req.URL))
}

type worktreeRequest struct {
	RepoID string `json:"repo_id"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

func (s *Server) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	var req worktreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		writeAck(w, s.engine.CreateWorktree(req.RepoID, req.Branch))
	case http.MethodDelete:
		writeAck(w, s.engine.DeleteWorktree(req.RepoID, req.Path))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRepository serves /api/v1/repositories/{id} (DELETE) and
// /api/v1/repositories/{id}/refresh (POST).
func (s *Server) handleRepository(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/repositories/"
	rest := r.URL.Path[len(prefix):]

	const refreshSuffix = "/refresh"
	if len(rest) > len(refreshSuffix) && rest[len(rest)-len(refreshSuffix):] == refreshSuffix {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		repoID := rest[:len(rest)-len(refreshSuffix)]
		writeAck(w, s.engine.Refresh(repoID))
		return
	}

	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeAck(w, s.engine.DeleteRepository(rest))
}

type ackResponse struct {
	OpID    string `json:"op_id,omitempty"`
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

func writeAck(w http.ResponseWriter, ack engine.Ack) {
	resp := ackResponse{OpID: ack.OpID, Started: ack.Started}
	status := http.StatusAccepted
	if ack.Err != nil {
		resp.Error = ack.Err.Error()
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleSnapshotWS upgrades the connection and streams snapshots as they
// are pushed by the broadcaster, pinging periodically to detect dead
// connections (mirrors the teacher's dashboard WebSocket write pump).
func (s *Server) handleSnapshotWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("snapshot WS upgrade error", "error", err)
		return
	}
	defer conn.Close()

	sub, cancel, err := s.engine.Subscribe()
	if err != nil {
		log.Warn("snapshot WS subscribe failed", "error", err)
		return
	}
	defer cancel()

	log.Info("snapshot WebSocket connected", "remote", r.RemoteAddr)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Warn("snapshot WS read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case snapshot, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snapshot); err != nil {
				log.Debug("snapshot WS write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
