package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"relay-gateway/internal/relay"
	"relay-gateway/internal/session"
	"relay-gateway/internal/store"
)

// Options wires the server to its collaborators. MirrorURL may be empty to
// disable the dispatch mirror; MirrorClient is replaceable for tests.
type Options struct {
	Cache    *store.Cache
	Registry *session.Registry
	Upstream session.Forwarder
	Control  *relay.Controller
	Listener session.StateListener // may be nil

	AdvertiseIP   string
	AdvertisePort int
	MirrorURL     string
	MirrorClient  *http.Client
}

type Server struct {
	cache    *store.Cache
	registry *session.Registry
	upstream session.Forwarder
	control  *relay.Controller
	listener session.StateListener

	upgrader websocket.Upgrader

	advertiseIP   string
	advertisePort int
	mirrorURL     string
	mirror        *http.Client
}

func NewServer(opts Options) *Server {
	mirror := opts.MirrorClient
	if mirror == nil {
		mirror = &http.Client{Timeout: 5 * time.Second}
	}
	return &Server{
		cache:    opts.Cache,
		registry: opts.Registry,
		upstream: opts.Upstream,
		control:  opts.Control,
		listener: opts.Listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The relay devices send no Origin header.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		advertiseIP:   opts.AdvertiseIP,
		advertisePort: opts.AdvertisePort,
		mirrorURL:     opts.MirrorURL,
		mirror:        mirror,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/dispatch/device", s.handleDispatch)
	r.Post("/dispatch/device", s.handleDispatchMirror)
	r.Get("/api/ws", s.handleDeviceSocket)

	r.Post("/api/relay/switch", s.handleSwitch)
	r.Get("/api/relay/state", s.handleState)
	r.Get("/api/relay/devices", s.handleDevices)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	return r
}

type dispatchResponse struct {
	Error  int    `json:"error"`
	Reason string `json:"reason"`
	IP     string `json:"IP"`
	Port   int    `json:"port"`
}

// handleDispatch answers the device's bootstrap query with the gateway's
// own address so the device opens its control WebSocket against us.
func (s *Server) handleDispatch(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, dispatchResponse{Reason: "ok", IP: s.advertiseIP, Port: s.advertisePort})
}

// handleDispatchMirror behaves like handleDispatch but first mirrors the
// request body to the real vendor dispatch endpoint. Pure observability
// side-effect: any mirror failure is ignored and never reaches the device.
func (s *Server) handleDispatchMirror(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*1024))
	if err != nil {
		body = nil
	}
	defer r.Body.Close()

	if s.mirrorURL != "" && len(body) > 0 {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.mirrorURL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			if resp, err := s.mirror.Do(req); err != nil {
				slog.Debug("dispatch mirror failed", "url", s.mirrorURL, "error", err)
			} else {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
		}
	}

	writeJSON(w, http.StatusOK, dispatchResponse{Reason: "ok", IP: s.advertiseIP, Port: s.advertisePort})
}

// handleDeviceSocket upgrades a device connection and runs its session
// until the transport closes.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("device upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sess := session.New(conn, session.Config{
		Cache:    s.cache,
		Registry: s.registry,
		Upstream: s.upstream,
		Listener: s.listener,
	})
	slog.Info("device connected", "session_id", sess.ID(), "remote", r.RemoteAddr)
	sess.Run()
}

type switchRequest struct {
	State    string `json:"state"`
	DeviceID string `json:"deviceid"`
}

type switchResponse struct {
	Status   string `json:"status"`
	DeviceID string `json:"deviceid"`
	State    string `json:"state"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*1024))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) == 0 {
		http.Error(w, "request body required", http.StatusBadRequest)
		return
	}
	var req switchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	state := strings.ToLower(strings.TrimSpace(req.State))

	deviceID, err := s.control.SwitchRelay(strings.TrimSpace(req.DeviceID), state)
	switch {
	case errors.Is(err, relay.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, relay.ErrNoActiveSession):
		http.Error(w, "no active device session", http.StatusConflict)
	case err != nil:
		slog.Error("switch command failed", "deviceid", deviceID, "error", err)
		http.Error(w, "failed to send command", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, switchResponse{Status: "queued", DeviceID: deviceID, State: state})
	}
}

type stateResponse struct {
	DeviceID string `json:"deviceid,omitempty"`
	store.Snapshot
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceid"))
	snap := s.control.RelayState(deviceID)
	writeJSON(w, http.StatusOK, stateResponse{DeviceID: deviceID, Snapshot: snap})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Devices())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
