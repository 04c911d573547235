package relay

import (
	"errors"
	"fmt"
	"log/slog"

	"relay-gateway/internal/codec"
	"relay-gateway/internal/session"
	"relay-gateway/internal/store"
)

// ErrNoActiveSession is returned when a command arrives and no device
// connection can take it.
var ErrNoActiveSession = errors.New("no active device session")

// ErrInvalidState is returned for switch states other than on/off.
var ErrInvalidState = errors.New("switch state must be \"on\" or \"off\"")

// Controller is the programmatic control surface other in-process
// collaborators use: read cached relay state, inject switch commands.
// A deviceid addresses a specific device; the empty string addresses the
// most recently seen one.
type Controller struct {
	cache    *store.Cache
	registry *session.Registry
}

func NewController(cache *store.Cache, registry *session.Registry) *Controller {
	return &Controller{cache: cache, registry: registry}
}

// SwitchRelay writes an update command with the target switch state to the
// device's session, using the cached identity for the correlation fields.
// Returns the deviceid the command was addressed to.
func (c *Controller) SwitchRelay(deviceID, state string) (string, error) {
	if state != store.SwitchOn && state != store.SwitchOff {
		return "", ErrInvalidState
	}
	var s *session.Session
	if deviceID != "" {
		s = c.registry.Get(deviceID)
	} else {
		// Compatibility shim: no deviceid addresses the most recent session.
		s = c.registry.Lookup("")
	}
	if s == nil {
		return "", ErrNoActiveSession
	}

	target := deviceID
	if target == "" {
		target = s.DeviceID()
	}
	var apiKey string
	if id, ok := c.cache.Identity(target); ok {
		target = id.DeviceID
		apiKey = id.APIKey
	}

	cmd := codec.SwitchCommand(target, apiKey, state)
	raw, err := cmd.Encode()
	if err != nil {
		return target, fmt.Errorf("encode switch command: %w", err)
	}
	if err := s.Send(raw); err != nil {
		return target, ErrNoActiveSession
	}
	slog.Info("relay switch command sent", "deviceid", target, "state", state, "session_id", s.ID())
	return target, nil
}

// RelayState returns the cached snapshot. Never blocks, never fails;
// unknown defaults are returned when nothing has been observed.
func (c *Controller) RelayState(deviceID string) store.Snapshot {
	return c.cache.State(deviceID)
}

// Device describes one known device and whether a session is live for it.
type Device struct {
	DeviceID  string `json:"deviceid"`
	Connected bool   `json:"connected"`
}

// Devices lists every device the gateway has heard from since startup.
func (c *Controller) Devices() []Device {
	ids := c.cache.Devices()
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, Device{DeviceID: id, Connected: c.registry.Connected(id)})
	}
	return out
}
