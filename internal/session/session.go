package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relay-gateway/internal/codec"
	"relay-gateway/internal/observability"
	"relay-gateway/internal/store"
)

// Forwarder pushes a raw frame towards the vendor backend. Fire-and-forget:
// an error means the frame was not sent and the session falls back to a
// local reply.
type Forwarder interface {
	Forward(raw []byte) error
}

// StateListener is notified after an update frame changed the cached relay
// state. Optional; used to mirror state onto the event bus.
type StateListener interface {
	StateChanged(deviceID string, snap store.Snapshot)
}

// ErrSessionClosed is returned by Send once the transport is gone.
var ErrSessionClosed = errors.New("device session closed")

type sessionState int32

const (
	stateOpening sessionState = iota
	stateOpen
	stateClosing
	stateClosed
)

const (
	sendQueueSize = 16
	writeWait     = 5 * time.Second
	pingInterval  = 25 * time.Second
	// Devices heartbeat every hbInterval (145s); allow two missed beats.
	readWait     = 310 * time.Second
	maxFrameSize = 64 * 1024
)

// Config carries the shared collaborators a session needs.
type Config struct {
	Cache    *store.Cache
	Registry *Registry
	Upstream Forwarder
	Listener StateListener // may be nil
}

// Session is one inbound device connection. The read loop is the sole
// reader of the transport and the write pump the sole writer; everything
// else goes through Send.
type Session struct {
	id   string
	conn *websocket.Conn

	cache    *store.Cache
	registry *Registry
	upstream Forwarder
	listener StateListener

	send chan []byte

	mu       sync.Mutex
	deviceID string
	state    sessionState

	closeOnce sync.Once
}

func New(conn *websocket.Conn, cfg Config) *Session {
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		cache:    cfg.Cache,
		registry: cfg.Registry,
		upstream: cfg.Upstream,
		listener: cfg.Listener,
		send:     make(chan []byte, sendQueueSize),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Run transitions the session to Open, registers it and processes frames
// until the transport closes. Blocks until the session is fully torn down.
func (s *Session) Run() {
	s.setState(stateOpen)
	s.registry.Add(s)
	observability.ActiveSessions.Inc()

	go s.writePump()
	s.readPump()

	s.setState(stateClosing)
	s.registry.Remove(s)
	observability.ActiveSessions.Dec()
	s.Close()
	s.setState(stateClosed)
	slog.Info("device session closed", "session_id", s.id, "deviceid", s.DeviceID())
}

// Send queues a frame for delivery on this session's transport. Never
// blocks the caller: a full queue means the device stopped reading, and the
// session is dropped instead.
func (s *Session) Send(raw []byte) error {
	s.mu.Lock()
	closed := s.state >= stateClosing
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- raw:
		return nil
	default:
		slog.Warn("device send queue full, dropping session", "session_id", s.id, "deviceid", s.DeviceID())
		s.Close()
		return ErrSessionClosed
	}
}

// Close tears down the transport, which unblocks the read loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state < stateClosing {
			s.state = stateClosing
		}
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			// Expected terminal condition, not an error to alarm on.
			slog.Debug("device transport closed", "session_id", s.id, "error", err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		s.handleFrame(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				slog.Debug("device write failed", "session_id", s.id, "error", err)
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// handleFrame runs the per-frame pipeline: decode, learn identity, apply
// state, forward upstream, answer locally when forwarding failed. A bad
// frame never closes the session.
func (s *Session) handleFrame(raw []byte) {
	msg, err := codec.Decode(raw)
	if err != nil {
		observability.DecodeFailuresTotal.Inc()
		slog.Warn("dropping malformed device frame", "session_id", s.id, "error", err)
		return
	}

	action := msg.Action()
	observability.FramesTotal.WithLabelValues(actionLabel(action)).Inc()

	if deviceID := msg.DeviceID(); deviceID != "" {
		s.cache.UpdateIdentity(deviceID, msg.APIKey())
		s.bindDevice(deviceID)
	}

	if action == "update" {
		s.applyUpdate(msg)
	}

	if err := s.upstream.Forward(raw); err != nil {
		observability.ForwardsTotal.WithLabelValues("error").Inc()
		slog.Debug("upstream forward failed, handling locally", "session_id", s.id, "action", action, "error", err)
		s.replyLocally(msg, action)
		return
	}
	observability.ForwardsTotal.WithLabelValues("ok").Inc()
}

func (s *Session) bindDevice(deviceID string) {
	s.mu.Lock()
	already := s.deviceID == deviceID
	s.deviceID = deviceID
	s.mu.Unlock()
	if already {
		return
	}
	if prev := s.registry.Bind(deviceID, s); prev != nil {
		slog.Info("device reconnected, superseding previous session",
			"deviceid", deviceID, "old_session", prev.ID(), "new_session", s.id)
		prev.Close()
	}
}

func (s *Session) applyUpdate(msg codec.Message) {
	deviceID := msg.DeviceID()
	if deviceID == "" {
		deviceID = s.DeviceID()
	}
	if deviceID == "" {
		return
	}
	switchState, hasSwitch := msg.SwitchState()
	var power *float64
	if p, ok := msg.Power(); ok {
		power = &p
	}
	if !hasSwitch && power == nil {
		return
	}
	s.cache.UpdateState(deviceID, switchState, power)
	slog.Info("relay state updated", "deviceid", deviceID, "switch", switchState)
	if s.listener != nil {
		s.listener.StateChanged(deviceID, s.cache.State(deviceID))
	}
}

func (s *Session) replyLocally(msg codec.Message, action string) {
	deviceID := s.DeviceID()
	if deviceID == "" {
		deviceID = msg.DeviceID()
	}
	var apiKey string
	if id, ok := s.cache.Identity(deviceID); ok {
		apiKey = id.APIKey
	}

	var reply codec.Message
	switch action {
	case "update":
		reply = codec.Ack(msg, deviceID, apiKey)
	case "register":
		reply = codec.RegisterAck(msg, deviceID, apiKey)
	case "date":
		reply = codec.DateAck(msg, deviceID, apiKey, time.Now())
	default:
		// Behavior for other vendor actions (heartbeat, OTA) is
		// pass-through only; with no upstream there is nothing to say.
		slog.Debug("no local handler for action, frame dropped", "session_id", s.id, "action", action)
		return
	}

	raw, err := reply.Encode()
	if err != nil {
		slog.Error("encode local reply failed", "session_id", s.id, "action", action, "error", err)
		return
	}
	observability.LocalRepliesTotal.WithLabelValues(actionLabel(action)).Inc()
	if err := s.Send(raw); err != nil {
		slog.Debug("local reply not delivered", "session_id", s.id, "error", err)
	}
}

// actionLabel keeps metric label cardinality bounded against arbitrary
// device input.
func actionLabel(action string) string {
	switch action {
	case "register", "update", "date":
		return action
	case "":
		return "none"
	default:
		return "other"
	}
}
