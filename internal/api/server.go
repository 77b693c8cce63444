package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/FrameGrab/internal/acquisition"
	"github.com/bryanchriswhite/FrameGrab/internal/config"
	"github.com/bryanchriswhite/FrameGrab/internal/handoff"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
	"github.com/bryanchriswhite/FrameGrab/internal/output"
	"github.com/bryanchriswhite/FrameGrab/internal/pool"
	"github.com/bryanchriswhite/FrameGrab/internal/recovery"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// DefaultSaveWait bounds how long POST /api/save?wait=true blocks
const DefaultSaveWait = 3 * time.Second

// Deps are the pipeline components the server exposes. Output, Saver and
// Config may be nil.
type Deps struct {
	Recovery *recovery.Controller
	Handoff  *handoff.Handoff
	Poller   *output.Poller
	Saver    *output.FileSaver
	Stream   *output.MJPEGOutput
	Config   *config.Manager
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	deps     Deps
	upgrader websocket.Upgrader
	saveWait time.Duration
	httpSrv  *http.Server
}

// Status is the body of GET /api/status
type Status struct {
	Recovery    recovery.Status   `json:"recovery"`
	Acquisition acquisition.Stats `json:"acquisition"`
	Pool        pool.Stats        `json:"pool"`
	Consumer    ConsumerStatus    `json:"consumer"`
	LastSave    output.SaveRecord `json:"last_save"`
}

// ConsumerStatus reports the display and save side of the handoff
type ConsumerStatus struct {
	Taken         uint64 `json:"taken"`
	Saves         uint64 `json:"saves"`
	SavePending   bool   `json:"save_pending"`
	Displayed     uint64 `json:"displayed"`
	DisplayErrors uint64 `json:"display_errors"`
	StreamClients int    `json:"stream_clients"`
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		deps:     deps,
		saveWait: DefaultSaveWait,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local tool, any origin may watch
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Pipeline
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/save", s.handleSave).Methods("POST")
	api.HandleFunc("/profile", s.handleProfile).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Preview
	if s.deps.Stream != nil {
		s.router.HandleFunc("/stream", s.deps.Stream.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/snapshot.jpg", s.deps.Stream.GetSnapshotHandler()).Methods("GET")
		s.router.HandleFunc("/stats", s.deps.Stream.GetStatsHandler()).Methods("GET")
	}

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithComponent("api").Info().
		Str("addr", addr).
		Msgf("Starting server on http://localhost%s", addr)

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for handlers up to ctx.
// Long-lived streams must be ended separately by stopping their outputs.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

func (s *Server) status() Status {
	rc := s.deps.Recovery
	st := Status{
		Recovery:    rc.Status(),
		Acquisition: rc.Loop().Stats(),
		Pool:        rc.Pool().Stats(),
	}
	if h := s.deps.Handoff; h != nil {
		st.Consumer.Taken = h.Taken()
		st.Consumer.Saves = h.Saves()
		st.Consumer.SavePending = h.SavePending()
	}
	if p := s.deps.Poller; p != nil {
		st.Consumer.Displayed = p.Displayed()
		st.Consumer.DisplayErrors = p.DisplayErrors()
	}
	if out := s.deps.Stream; out != nil {
		st.Consumer.StreamClients = out.ClientCount()
	}
	if sv := s.deps.Saver; sv != nil {
		st.LastSave = sv.Last()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleSave arms the one-shot save. With ?wait=true it blocks until the
// consumer has written the file or the wait elapses.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if s.deps.Handoff == nil {
		http.Error(w, "saving not available", http.StatusServiceUnavailable)
		return
	}

	var before uint64
	if s.deps.Saver != nil {
		before = s.deps.Saver.Last().Count
	}
	s.deps.Handoff.RequestSave()
	logger.WithComponent("api").Info().Msg("Save requested")

	if r.URL.Query().Get("wait") != "true" || s.deps.Saver == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(s.saveWait)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
			return
		case <-ticker.C:
			last := s.deps.Saver.Last()
			if last.Count == before {
				continue
			}
			if last.Error != "" {
				writeJSON(w, http.StatusInternalServerError, last)
				return
			}
			writeJSON(w, http.StatusOK, last)
			return
		}
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	blob, err := s.deps.Recovery.ExportProfile()
	if errors.Is(err, recovery.ErrNotStarted) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.Write(blob)
}

// handleEvents streams recovery transitions over a websocket, starting with
// the current status
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	updates, cancel := s.deps.Recovery.Subscribe()
	defer cancel()

	if err := conn.WriteJSON(s.deps.Recovery.Status()); err != nil {
		log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	// Reader detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case t, ok := <-updates:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(t); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Config == nil {
		http.Error(w, "no configuration loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Config.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Recovery.State()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"device":  state.String(),
		"version": Version,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>FrameGrab</title>
    <style>
        body { font-family: sans-serif; max-width: 900px; margin: 40px auto; background: #1e1e1e; color: #d4d4d4; }
        img { max-width: 100%; border: 1px solid #333; }
        a, button { color: #569cd6; }
        pre { background: #111; padding: 10px; }
    </style>
</head>
<body>
    <h1>FrameGrab</h1>
    <img src="/stream" alt="live preview">
    <p>
        <button onclick="fetch('/api/save?wait=true', {method: 'POST'}).then(r => r.json()).then(j => document.getElementById('save').textContent = JSON.stringify(j, null, 2))">Save frame</button>
        <a href="/stats">Stream stats</a> | <a href="/api/status">Status</a> | <a href="/api/profile">Profile</a>
    </p>
    <pre id="save"></pre>
    <pre id="events"></pre>
    <script>
        const ev = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
        ev.onmessage = (m) => { document.getElementById('events').textContent = m.data + '\n' + document.getElementById('events').textContent; };
    </script>
</body>
</html>`

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
