package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/litime-dash/internal/bms"
	"github.com/shaunagostinho/litime-dash/internal/logger"
)

// Server polls the battery and broadcasts telemetry to WebSocket clients.
type Server struct {
	cfg    *Config
	webFS  fs.FS
	logger *logger.Logger

	provMu  sync.RWMutex
	prov    bms.Provider
	lastErr string

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	BMS    *bms.Telemetry `json:"bms,omitempty"`
	Link   *LinkStatus    `json:"link,omitempty"`
	Config *DisplayConfig `json:"config,omitempty"`
	Stamp  int64          `json:"stamp"` // Unix ms
}

// LinkStatus describes the battery link as seen by the poll loop.
type LinkStatus struct {
	Connected bool   `json:"connected"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Error     string `json:"error,omitempty"` // last poll failure, cleared on success
}

// New creates a new Server. The battery provider is attached later with
// SetProvider, once its link has been started.
func New(cfg *Config, webFS fs.FS) *Server {
	return &Server{
		cfg:   cfg,
		webFS: webFS,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetProvider attaches (or with nil, detaches) the battery the poll loop reads.
func (s *Server) SetProvider(p bms.Provider) {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	s.prov = p
	s.lastErr = ""
	if p != nil {
		log.Printf("[server] battery attached: %s (%s)", p.CustomName(), p.ConnectionName())
	}
}

func (s *Server) provider() bms.Provider {
	s.provMu.RLock()
	defer s.provMu.RUnlock()
	return s.prov
}

// Run starts the HTTP server and the battery poll loop.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.routes(),
	}

	go s.pollLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Snapshot + config API
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/logging", s.handleLogging)

	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send display config and the latest snapshot right away
	first := s.snapshot()
	first.Config = &s.cfg.Display
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients send nothing meaningful)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.logger.SetEnabled(s.cfg.Logging.Enabled)

		// Broadcast updated display config
		s.broadcast(Frame{Config: &s.cfg.Display, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleLogging toggles the charge log at runtime without touching the file
// config.
func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		s.logger.SetEnabled(req.Enabled)
		log.Printf("[logger] enabled=%v", req.Enabled)
	default:
		http.Error(w, "method not allowed", 405)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"enabled": s.logger.IsEnabled()})
}

// pollLoop refreshes the battery on every tick and broadcasts the result.
// A failed poll keeps the previous telemetry; the next tick simply tries
// again.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Server) poll() {
	p := s.provider()
	if p == nil {
		return
	}

	err := p.Refresh()

	s.provMu.Lock()
	if err != nil {
		// Log only when the failure changes, a down link fails every tick.
		if msg := err.Error(); msg != s.lastErr {
			log.Printf("[server] poll failed: %v", err)
			s.lastErr = msg
		}
	} else if s.lastErr != "" {
		log.Printf("[server] poll recovered")
		s.lastErr = ""
	}
	s.provMu.Unlock()

	frame := s.snapshot()
	if frame.BMS == nil {
		return
	}
	s.broadcast(frame)

	if err == nil {
		s.logger.Record(*frame.BMS)
	}
}

// snapshot builds a frame from the last published telemetry.
func (s *Server) snapshot() Frame {
	frame := Frame{Stamp: time.Now().UnixMilli()}

	s.provMu.RLock()
	p := s.prov
	lastErr := s.lastErr
	s.provMu.RUnlock()

	if p == nil {
		frame.Link = &LinkStatus{Error: lastErr}
		return frame
	}
	frame.Link = &LinkStatus{
		Connected: p.IsConnected(),
		Name:      p.CustomName(),
		Address:   p.UniqueIdentifier(),
		Error:     lastErr,
	}
	if t := p.Telemetry(); !t.Updated.IsZero() {
		frame.BMS = &t
	}
	return frame
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
