package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"relay-gateway/internal/codec"
	"relay-gateway/internal/observability"
)

// ErrNotConnected is returned by Forward while the link is down so callers
// can fall back to local handling immediately.
var ErrNotConnected = errors.New("upstream link not connected")

// State of the link. The machine is cyclic: Disconnected -> Connecting ->
// Connected -> Disconnected, for the lifetime of the process.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DeliverFunc routes a frame the vendor backend sent down to a device
// session. deviceID is best-effort (empty when the frame names none);
// returning false means no session took the frame and it is discarded.
type DeliverFunc func(deviceID string, raw []byte) bool

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	Deliver        DeliverFunc
	// InsecureTLS skips certificate verification. The vendor backend uses
	// a certificate the relay devices themselves do not validate.
	InsecureTLS bool
}

// Link is the supervised outbound connection to the vendor backend. One
// supervisor goroutine owns connect/reconnect, one receive loop reads
// whatever the backend sends while connected. Forward may be called
// concurrently; writes are serialized.
type Link struct {
	url            string
	reconnectDelay time.Duration
	deliver        DeliverFunc
	dialer         *websocket.Dialer

	state atomic.Int32

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

func New(cfg Config) *Link {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	deliver := cfg.Deliver
	if deliver == nil {
		deliver = func(string, []byte) bool { return false }
	}
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if cfg.InsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Link{
		url:            cfg.URL,
		reconnectDelay: delay,
		deliver:        deliver,
		dialer:         dialer,
	}
}

func (l *Link) State() State { return State(l.state.Load()) }

// Run supervises the link until ctx is cancelled: connect, pump inbound
// frames, reconnect after a fixed delay on any failure. Retries forever;
// there is no maximum attempt count.
func (l *Link) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.setState(Connecting)
		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err != nil {
			l.setState(Disconnected)
			slog.Warn("upstream connect failed", "url", l.url, "error", err, "retry_in", l.reconnectDelay)
			if !sleep(ctx, l.reconnectDelay) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.setState(Connected)
		slog.Info("upstream connected", "url", l.url)

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()
		l.readLoop(conn)
		close(done)

		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		_ = conn.Close()
		l.setState(Disconnected)
		observability.UpstreamReconnectsTotal.Inc()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("upstream link lost", "url", l.url, "retry_in", l.reconnectDelay)
		if !sleep(ctx, l.reconnectDelay) {
			return
		}
	}
}

// Forward sends a raw frame to the vendor backend. Fire-and-forget: no
// reply is awaited on this call, the receive loop routes whatever comes
// back independently.
func (l *Link) Forward(raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.State() != Connected {
		return ErrNotConnected
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		// Poison the connection so the read loop unblocks and the
		// supervisor reconnects.
		_ = l.conn.Close()
		l.conn = nil
		l.setState(Disconnected)
		return fmt.Errorf("upstream write: %w", err)
	}
	return nil
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("upstream read ended", "error", err)
			return
		}
		deviceID := ""
		if msg, err := codec.Decode(raw); err == nil {
			deviceID = msg.DeviceID()
		}
		if !l.deliver(deviceID, raw) {
			slog.Debug("discarding upstream frame, no active session", "deviceid", deviceID)
		}
	}
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	observability.UpstreamState.Set(float64(s))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
