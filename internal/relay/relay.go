// Package relay maintains the outbound connection to the cloud relay
// service and fans inbound session traffic out to tunnel actors. The
// relay is an untrusted pipe: it sees session IDs and opaque payloads,
// never plaintext.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/dwongdev/mydia-relay/internal/keyex"
	"github.com/dwongdev/mydia-relay/internal/localapi"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/metrics"
	"github.com/dwongdev/mydia-relay/internal/tunnel"
)

const (
	readLimit = 16 * 1024 * 1024

	defaultDialTimeout  = 15 * time.Second
	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute
)

// Control message types exchanged with the relay service.
const (
	msgRegister     = "register"
	msgSessionOpen  = "session_open"
	msgSessionData  = "session_data"
	msgSessionClose = "session_close"
)

// controlMessage is the JSON envelope on the relay channel. Payload
// carries handshake JSON or an encrypted tunnel frame; the relay never
// needs to look inside.
type controlMessage struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

// Config wires the relay manager.
type Config struct {
	// URL of the cloud relay websocket endpoint.
	URL string

	// InstanceID announced to the relay on connect.
	InstanceID string

	Engine *keyex.Engine
	API    localapi.Client

	SessionIdleTimeout        time.Duration
	SessionMaxDecryptFailures int
	SessionRekeyThreshold     uint64
	DialTimeout               time.Duration
	ReconnectMin              time.Duration
	ReconnectMax              time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the relay connection and the set of live session
// actors.
type Manager struct {
	cfg Config
	log *slog.Logger
	met *metrics.Metrics

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	sessions map[string]*session
}

type session struct {
	actor  *tunnel.Actor
	cancel context.CancelFunc
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Manager{
		cfg:      cfg,
		log:      logger.With(logging.KeyComponent, "relay"),
		met:      cfg.Metrics,
		sessions: make(map[string]*session),
	}
}

// Run connects to the relay and reconnects with exponential backoff
// until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.ReconnectMin
	for {
		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.log.Warn("relay connection lost",
			logging.KeyError, err,
			"retry_in", backoff)
		if m.met != nil {
			m.met.RelayReconnects.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.ReconnectMax {
			backoff = m.cfg.ReconnectMax
		}
	}
}

func (m *Manager) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(readLimit)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	if m.met != nil {
		m.met.RelayConnected.Set(1)
	}
	m.log.Info("relay connected", logging.KeyRemoteAddr, m.cfg.URL)

	defer func() {
		if m.met != nil {
			m.met.RelayConnected.Set(0)
		}
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "reconnecting")
		m.closeAllSessions()
	}()

	if err := m.write(ctx, controlMessage{Type: msgRegister, InstanceID: m.cfg.InstanceID}); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read relay: %w", err)
		}
		m.handleMessage(ctx, data)
	}
}

func (m *Manager) handleMessage(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.log.Warn("unparseable relay message", logging.KeyError, err)
		return
	}

	switch msg.Type {
	case msgSessionOpen:
		m.openSession(ctx, msg.SessionID)
	case msgSessionData:
		m.mu.Lock()
		s := m.sessions[msg.SessionID]
		m.mu.Unlock()
		if s == nil {
			m.log.Debug("data for unknown session", logging.KeySessionID, msg.SessionID)
			return
		}
		s.actor.Deliver([]byte(msg.Payload))
	case msgSessionClose:
		m.closeSession(msg.SessionID)
	default:
		m.log.Debug("ignoring relay message", "type", msg.Type)
	}
}

// openSession spawns one actor goroutine for a new relay session.
func (m *Manager) openSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		m.log.Warn("duplicate session open", logging.KeySessionID, sessionID)
		return
	}

	actorCtx, cancel := context.WithCancel(ctx)
	actor := tunnel.NewActor(tunnel.ActorConfig{
		SessionID:          sessionID,
		Engine:             m.cfg.Engine,
		API:                m.cfg.API,
		Sender:             m,
		IdleTimeout:        m.cfg.SessionIdleTimeout,
		MaxDecryptFailures: m.cfg.SessionMaxDecryptFailures,
		RekeyThreshold:     m.cfg.SessionRekeyThreshold,
		OnClose:            m.reapSession,
		Logger:             m.log,
		Metrics:            m.met,
	})
	m.sessions[sessionID] = &session{actor: actor, cancel: cancel}
	m.mu.Unlock()

	go actor.Run(actorCtx)
}

// reapSession drops a closed actor and tells the relay the session is
// gone.
func (m *Manager) reapSession(sessionID, reason string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.write(ctx, controlMessage{Type: msgSessionClose, SessionID: sessionID}); err != nil {
		m.log.Debug("session close notify failed", logging.KeyError, err)
	}
}

func (m *Manager) closeSession(sessionID string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

func (m *Manager) closeAllSessions() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
}

// Send implements tunnel.Sender: outbound session payloads travel as
// session_data control messages.
func (m *Manager) Send(ctx context.Context, sessionID string, payload []byte) error {
	return m.write(ctx, controlMessage{
		Type:      msgSessionData,
		SessionID: sessionID,
		Payload:   string(payload),
	})
}

func (m *Manager) write(ctx context.Context, msg controlMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("relay not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write relay: %w", err)
	}
	return nil
}

// SessionCount reports live sessions, for health output.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

var _ tunnel.Sender = (*Manager)(nil)
