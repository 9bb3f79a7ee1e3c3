//nolint:revive // api is a standard package name for API servers
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/wearlink/pkg/codec"
	"github.com/jwoglom/wearlink/pkg/device"
	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/queue"
	"github.com/jwoglom/wearlink/pkg/settings"
)

const writeWait = 5 * time.Second

// maxBody bounds REST and websocket request bodies
const maxBody = 64 << 10

// Server provides a WebSocket and REST API over the connected devices. It
// is an event.Sink: every event it receives is broadcast to websocket
// clients.
type Server struct {
	devices         *device.Table
	settingsManager *settings.Manager
	gatherer        prometheus.Gatherer
	mux             *http.ServeMux

	mtx     sync.Mutex
	clients map[*client]struct{}

	httpServer *http.Server
}

type client struct {
	conn *websocket.Conn
	mtx  sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// DeviceState is one entry of the device listing
type DeviceState struct {
	Address string                 `json:"address"`
	State   string                 `json:"state"`
	Stats   map[string]interface{} `json:"stats"`
}

// reply is sent to a websocket client in answer to a command
type reply struct {
	Type    string        `json:"type"`
	Command string        `json:"command,omitempty"`
	Message string        `json:"message,omitempty"`
	Devices []DeviceState `json:"devices,omitempty"`
}

// command is a websocket request
type command struct {
	Command        string          `json:"command"`
	Device         string          `json:"device"`
	App            string          `json:"app"`
	Values         json.RawMessage `json:"values"`
	Characteristic string          `json:"characteristic"`
	Data           string          `json:"data"`
}

var _ event.Sink = (*Server)(nil)

// New creates a new API server. A nil gatherer serves the default
// prometheus registry.
func New(devices *device.Table, settingsManager *settings.Manager, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		devices:         devices,
		settingsManager: settingsManager,
		gatherer:        gatherer,
		mux:             http.NewServeMux(),
		clients:         make(map[*client]struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprint(w, "wearlink API - Connect via WebSocket at /ws\n\n"+
			"Devices API:\n"+
			"  GET    /api/devices\n"+
			"  GET    /api/devices/{addr}/appconfig\n"+
			"  GET    /api/devices/{addr}/appconfig/{app}\n"+
			"  PUT    /api/devices/{addr}/appconfig/{app}\n"+
			"  DELETE /api/devices/{addr}/appconfig/{app}\n"+
			"  POST   /api/devices/{addr}/appconfig/{app}/refresh\n\n"+
			"Metrics:\n"+
			"  GET    /metrics\n"); err != nil {
			log.Warnf("Failed to write response: %v", err)
		}
	})
	s.mux.HandleFunc("/ws", s.handleWebsocket)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{addr}/appconfig", s.handleGetAllAppConfig)
	s.mux.HandleFunc("GET /api/devices/{addr}/appconfig/{app}", s.handleGetAppConfig)
	s.mux.HandleFunc("PUT /api/devices/{addr}/appconfig/{app}", s.handleSetAppConfig)
	s.mux.HandleFunc("DELETE /api/devices/{addr}/appconfig/{app}", s.handleResetAppConfig)
	s.mux.HandleFunc("POST /api/devices/{addr}/appconfig/{app}/refresh", s.handleRefreshAppConfig)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start serves on listen until Shutdown
func (s *Server) Start(listen string) error {
	s.mtx.Lock()
	s.httpServer = &http.Server{Addr: listen, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpServer
	s.mtx.Unlock()

	log.Infof("wearlink web API listening on %s", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and closes websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.mtx.Lock()
	srv := s.httpServer
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mtx.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Emit broadcasts an event to connected websocket clients
func (s *Server) Emit(e event.Event) {
	data, err := event.Encode(e)
	if err != nil {
		log.Errorf("Failed to marshal event: %v", err)
		return
	}
	s.broadcast(data)
}

func (s *Server) broadcast(data []byte) {
	s.mtx.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mtx.Unlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			log.Errorf("Failed to send websocket message: %v", err)
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	log.Infof("WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(maxBody)

	c := &client{conn: ws}
	s.mtx.Lock()
	s.clients[c] = struct{}{}
	s.mtx.Unlock()

	// Send initial state
	s.reply(c, reply{Type: "state", Devices: s.deviceStates()})

	// Listen for messages
	s.reader(c)
}

func (s *Server) reader(c *client) {
	defer func() {
		s.mtx.Lock()
		delete(s.clients, c)
		s.mtx.Unlock()
		if err := c.conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			log.Infof("WebSocket read error: %v", err)
			return
		}
		log.Debugf("Received WebSocket message: %s", string(p))
		s.handleCommand(c, p)
	}
}

func (s *Server) reply(c *client, r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		log.Errorf("Failed to marshal reply: %v", err)
		return
	}
	if err := c.send(data); err != nil {
		log.Errorf("Failed to send reply: %v", err)
	}
}

func (s *Server) handleCommand(c *client, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Errorf("Failed to parse command: %v", err)
		s.reply(c, reply{Type: "error", Message: "invalid command: " + err.Error()})
		return
	}

	var err error
	switch cmd.Command {
	case "getState":
		s.reply(c, reply{Type: "state", Command: cmd.Command, Devices: s.deviceStates()})
		return
	case "appConfigGet":
		err = s.appConfigGet(cmd.Device, cmd.App)
	case "appConfigSet":
		err = s.appConfigSet(cmd.Device, cmd.App, cmd.Values)
	case "write":
		err = s.write(cmd.Device, cmd.Characteristic, cmd.Data)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Command)
	}

	if err != nil {
		log.Warnf("Command %s failed: %v", cmd.Command, err)
		s.reply(c, reply{Type: "error", Command: cmd.Command, Message: err.Error()})
		return
	}
	s.reply(c, reply{Type: "ack", Command: cmd.Command})
}

func (s *Server) deviceStates() []DeviceState {
	conns := s.devices.List()
	states := make([]DeviceState, 0, len(conns))
	for _, c := range conns {
		states = append(states, DeviceState{
			Address: c.Address(),
			State:   c.State().String(),
			Stats:   c.GetStats(),
		})
	}
	return states
}

// requestError carries the HTTP status for a failed command
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &requestError{http.StatusBadRequest, fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) error {
	return &requestError{http.StatusNotFound, fmt.Sprintf(format, args...)}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

func (s *Server) connection(address string) (*device.Connection, error) {
	conn, ok := s.devices.Get(normalizeAddress(address))
	if !ok {
		return nil, notFound("device %s not connected", address)
	}
	return conn, nil
}

func (s *Server) appConfigTarget(address, app string) (*device.Connection, uuid.UUID, error) {
	appID, err := uuid.Parse(app)
	if err != nil {
		return nil, uuid.UUID{}, badRequest("invalid app id %q: %v", app, err)
	}
	conn, err := s.connection(address)
	if err != nil {
		return nil, uuid.UUID{}, err
	}
	return conn, appID, nil
}

func (s *Server) appConfigGet(address, app string) error {
	conn, appID, err := s.appConfigTarget(address, app)
	if err != nil {
		return err
	}
	p, ok := conn.AppConfig()
	if !ok {
		return notFound("device %s has no app_config profile", conn.Address())
	}
	p.RequestGet(appID)
	return nil
}

// appConfigSet takes a JSON object; key order and value kinds follow the
// blob inference rules.
func (s *Server) appConfigSet(address, app string, values json.RawMessage) error {
	conn, appID, err := s.appConfigTarget(address, app)
	if err != nil {
		return err
	}
	p, ok := conn.AppConfig()
	if !ok {
		return notFound("device %s has no app_config profile", conn.Address())
	}
	entries, err := codec.DecodeAppConfigBlob(values)
	if err != nil {
		return badRequest("invalid values: %v", err)
	}

	if s.settingsManager != nil {
		s.settingsManager.Stage(conn.Address(), appID, entries)
	}
	if _, ok := p.RequestSet(appID, entries); !ok {
		return badRequest("values cannot be serialized")
	}
	return nil
}

func (s *Server) write(address, char, dataHex string) error {
	conn, err := s.connection(address)
	if err != nil {
		return err
	}
	charID, err := uuid.Parse(char)
	if err != nil {
		return badRequest("invalid characteristic %q: %v", char, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return badRequest("invalid hex data: %v", err)
	}
	conn.Submit(queue.Begin("api-write").Write(charID, data))
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if re, ok := err.(*requestError); ok {
		status = re.status
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deviceStates())
}

func (s *Server) handleGetAllAppConfig(w http.ResponseWriter, r *http.Request) {
	if s.settingsManager == nil {
		http.Error(w, "Settings manager not initialized", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.settingsManager.GetAll(normalizeAddress(r.PathValue("addr"))))
}

func (s *Server) handleGetAppConfig(w http.ResponseWriter, r *http.Request) {
	if s.settingsManager == nil {
		http.Error(w, "Settings manager not initialized", http.StatusInternalServerError)
		return
	}
	appID, err := uuid.Parse(r.PathValue("app"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid app id: %v", err), http.StatusBadRequest)
		return
	}
	snapshot, err := s.settingsManager.Get(normalizeAddress(r.PathValue("addr")), appID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Configuration not found: %s", err), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSetAppConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Debugf("Error closing request body: %v", err)
		}
	}()

	if err := s.appConfigSet(r.PathValue("addr"), r.PathValue("app"), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "accepted",
		"message": fmt.Sprintf("Set queued for %s", r.PathValue("app")),
	})
}

func (s *Server) handleRefreshAppConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.appConfigGet(r.PathValue("addr"), r.PathValue("app")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "accepted",
		"message": fmt.Sprintf("Get queued for %s", r.PathValue("app")),
	})
}

func (s *Server) handleResetAppConfig(w http.ResponseWriter, r *http.Request) {
	if s.settingsManager == nil {
		http.Error(w, "Settings manager not initialized", http.StatusInternalServerError)
		return
	}
	appID, err := uuid.Parse(r.PathValue("app"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid app id: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.settingsManager.Reset(normalizeAddress(r.PathValue("addr")), appID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to reset: %v", err), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Settings reset for %s", appID),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
