package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arnisz/UniversalPressureController/internal/bus"
	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/control"
	"github.com/arnisz/UniversalPressureController/internal/events"
	"github.com/arnisz/UniversalPressureController/internal/instrument"
)

// Controller is what the presentation layer drives.
type Controller interface {
	Connect(ctx context.Context, address string) bool
	Disconnect()
	IsConnected() bool
	Channels() []channel.Snapshot
	Channel(id int) (channel.Snapshot, error)
	Start(ctx context.Context, id int) error
	Stop(ctx context.Context, id int) error
	Vent(ctx context.Context, id int) error
	SetSetpoint(ctx context.Context, id int, value float64) (float64, error)
	Status(ctx context.Context) (string, error)
	OnChange(fn func(channel.Snapshot))
}

// Server exposes channel state, the event log and control actions over HTTP
// and pushes live updates to WebSocket clients.
type Server struct {
	cfg   *Config
	ctrl  Controller
	hub   *events.Hub
	webFS fs.FS

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
	Channels   []channel.Snapshot `json:"channels,omitempty"`
	Connection *ConnectionInfo    `json:"connection,omitempty"`
	Events     []events.Event     `json:"events,omitempty"`
	Stamp      int64              `json:"stamp"` // Unix ms
}

// ConnectionInfo describes the instrument session.
type ConnectionInfo struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
}

// New creates a new Server.
func New(cfg *Config, ctrl Controller, hub *events.Hub, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		hub:     hub,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /api/channels/{id}", s.handleChannel)
	mux.HandleFunc("POST /api/channels/{id}/start", s.channelAction(s.ctrl.Start))
	mux.HandleFunc("POST /api/channels/{id}/stop", s.channelAction(s.ctrl.Stop))
	mux.HandleFunc("POST /api/channels/{id}/vent", s.channelAction(s.ctrl.Vent))
	mux.HandleFunc("POST /api/channels/{id}/setpoint", s.handleSetpoint)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("DELETE /api/events", s.handleClearEvents)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("POST /api/config/save", s.handleSaveConfig)
	return mux
}

// Run starts the HTTP server and the broadcast loops.
func (s *Server) Run(ctx context.Context) error {
	s.ctrl.OnChange(func(snap channel.Snapshot) {
		s.broadcast(Frame{Channels: []channel.Snapshot{snap}, Stamp: time.Now().UnixMilli()})
	})
	go s.forwardEvents(ctx)
	go s.stateLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// forwardEvents pushes every hub event to the WebSocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	ch, cancel := s.hub.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(Frame{Events: []events.Event{e}, Stamp: time.Now().UnixMilli()})
		}
	}
}

// stateLoop sends the full channel set once per second so clients resync
// after dropped frames.
func (s *Server) stateLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.stateFrame())
		}
	}
}

func (s *Server) stateFrame() Frame {
	return Frame{
		Channels:   s.ctrl.Channels(),
		Connection: &ConnectionInfo{Connected: s.ctrl.IsConnected(), Address: s.cfg.Address()},
		Stamp:      time.Now().UnixMilli(),
	}
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

	// Initial state + log history, queued while the buffer is still empty
	// and before broadcast can see the client.
	initial := s.stateFrame()
	initial.Events = s.hub.History()
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, client messages are ignored)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
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

type connectRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Address != "" {
		s.cfg.SetAddress(req.Address)
	}

	ok := s.ctrl.Connect(r.Context(), s.cfg.Address())
	s.broadcast(s.stateFrame())
	if !ok {
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": "error", "connected": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connected": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Disconnect()
	s.broadcast(s.stateFrame())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connected": false})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"connected": s.ctrl.IsConnected(),
		"address":   s.cfg.Address(),
	}
	if s.ctrl.IsConnected() {
		st, err := s.ctrl.Status(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		resp["instrument"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Channels())
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.ctrl.Channel(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) channelAction(act func(ctx context.Context, id int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := act(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		snap, _ := s.ctrl.Channel(id)
		writeJSON(w, http.StatusOK, snap)
	}
}

type setpointRequest struct {
	Value *float64 `json:"value"`
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req setpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"value": <number>}`))
		return
	}
	if _, err := s.ctrl.SetSetpoint(r.Context(), id, *req.Value); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snap, _ := s.ctrl.Channel(id)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.History())
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleSaveConfig stores the current setpoints as channel defaults and writes the file.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	s.cfg.StoreSetpoints(s.ctrl.Channels())
	if err := s.cfg.Save(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.hub.Messagef(events.SourceSystem, "Configuration saved")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, control.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, instrument.ErrInvalidChannel):
		return http.StatusBadRequest
	case errors.Is(err, instrument.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, bus.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bus.ErrIOFailed), errors.Is(err, instrument.ErrFormat):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"status": "error", "error": err.Error()})
}
