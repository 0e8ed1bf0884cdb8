package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dwongdev/mydia-relay/internal/claim"
	"github.com/dwongdev/mydia-relay/internal/crypto"
	"github.com/dwongdev/mydia-relay/internal/keyex"
	"github.com/dwongdev/mydia-relay/internal/localapi"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/metrics"
	"github.com/dwongdev/mydia-relay/internal/protocol"
	"github.com/dwongdev/mydia-relay/internal/session"
)

// Actor states.
const (
	StateAwaitingHandshake = "awaiting_handshake"
	StateEstablished       = "established"
	StateClosed            = "closed"
)

const (
	// DefaultIdleTimeout closes sessions with no traffic.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultMaxDecryptFailures is how many consecutive undecryptable
	// frames a session survives. A corrupted stream cannot be trusted
	// to recover.
	DefaultMaxDecryptFailures = 3

	defaultInboxSize = 64

	// pingMethod is a keepalive handled inside the actor without
	// touching the local API.
	pingMethod = "PING"
)

// Sender pushes an outbound payload for one session back to the relay
// connection.
type Sender interface {
	Send(ctx context.Context, sessionID string, payload []byte) error
}

// ActorConfig wires one session actor.
type ActorConfig struct {
	SessionID string
	Engine    *keyex.Engine
	API       localapi.Client
	Sender    Sender

	IdleTimeout        time.Duration
	RequestTimeout     time.Duration
	MaxDecryptFailures int

	// RekeyThreshold is handed to the transport session established
	// after the handshake. Zero selects session.DefaultRekeyThreshold.
	RekeyThreshold uint64

	// OnClose is invoked once, after the actor released its state.
	OnClose func(sessionID, reason string)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Actor owns all state of one relay session: the handshake while
// awaiting_handshake, then the transport session and decrypt-failure
// budget once established. All mutation happens on the Run goroutine;
// other goroutines only Deliver into the inbox.
type Actor struct {
	sessionID string
	engine    *keyex.Engine
	api       localapi.Client
	sender    Sender

	idleTimeout    time.Duration
	requestTimeout time.Duration
	maxFailures    int
	rekeyThreshold uint64
	onClose        func(sessionID, reason string)
	log            *slog.Logger
	met            *metrics.Metrics

	inbox chan []byte

	mu    sync.Mutex
	state string

	hs            *keyex.Handshake
	sess          *session.Session
	failures      int
	rekeySignaled bool
	closeReason   string
}

func NewActor(cfg ActorConfig) *Actor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = localapi.DefaultTimeout
	}
	if cfg.MaxDecryptFailures <= 0 {
		cfg.MaxDecryptFailures = DefaultMaxDecryptFailures
	}

	return &Actor{
		sessionID:      cfg.SessionID,
		engine:         cfg.Engine,
		api:            cfg.API,
		sender:         cfg.Sender,
		idleTimeout:    cfg.IdleTimeout,
		requestTimeout: cfg.RequestTimeout,
		maxFailures:    cfg.MaxDecryptFailures,
		rekeyThreshold: cfg.RekeyThreshold,
		onClose:        cfg.OnClose,
		log: logger.With(
			logging.KeyComponent, "tunnel",
			logging.KeySessionID, cfg.SessionID),
		met:   cfg.Metrics,
		inbox: make(chan []byte, defaultInboxSize),
		state: StateAwaitingHandshake,
		hs:    cfg.Engine.NewHandshake(cfg.SessionID),
	}
}

// State returns the current actor state.
func (a *Actor) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CloseReason returns why the actor closed, empty while running.
func (a *Actor) CloseReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeReason
}

// Deliver hands an inbound relay message to the actor. It never
// blocks; a full inbox drops the message and reports false, which the
// relay layer treats as backpressure on a misbehaving peer.
func (a *Actor) Deliver(msg []byte) bool {
	if a.State() == StateClosed {
		return false
	}
	select {
	case a.inbox <- msg:
		return true
	default:
		a.log.Warn("inbox full, dropping frame")
		return false
	}
}

// Run processes the session until the context ends, the peer goes
// idle, or the session is poisoned by decrypt failures. Frames are
// handled strictly in arrival order.
func (a *Actor) Run(ctx context.Context) {
	if a.met != nil {
		a.met.SessionsActive.Inc()
	}
	a.log.Info("session opened", logging.KeyState, StateAwaitingHandshake)

	idle := time.NewTimer(a.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			a.close("shutdown")
			return
		case <-idle.C:
			a.close("idle_timeout")
			return
		case msg := <-a.inbox:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(a.idleTimeout)

			if done := a.handle(ctx, msg); done {
				return
			}
		}
	}
}

// handle processes one inbound message; returns true when the session
// closed.
func (a *Actor) handle(ctx context.Context, msg []byte) bool {
	switch a.State() {
	case StateAwaitingHandshake:
		return a.handleHandshake(ctx, msg)
	case StateEstablished:
		return a.handleFrame(ctx, msg)
	default:
		return true
	}
}

func (a *Actor) handleHandshake(ctx context.Context, msg []byte) bool {
	reply, done, err := a.hs.HandleMessage(ctx, msg)
	if err != nil {
		a.send(ctx, keyex.ErrorReply(handshakeReason(err)))
		a.close("handshake_failed")
		return true
	}
	if done {
		key := a.hs.SessionKey()
		a.sess = session.New(session.Config{
			SessionID:      a.sessionID,
			Key:            key,
			RekeyThreshold: a.rekeyThreshold,
		})
		crypto.ZeroKey(&key)
		a.setState(StateEstablished)
		if a.met != nil {
			a.met.SessionsTotal.Inc()
		}
		a.log.Info("session established",
			logging.KeyState, StateEstablished,
			logging.KeyDeviceID, a.hs.Device().ID)
	}
	a.send(ctx, reply)
	return false
}

func (a *Actor) handleFrame(ctx context.Context, msg []byte) bool {
	payload, _, err := OpenFrame(a.sess, DirectionToServer, string(msg))
	if err != nil {
		a.failures++
		if a.met != nil {
			a.met.DecryptFailures.Inc()
		}
		a.log.Warn("frame rejected", logging.KeyError, err, logging.KeyCount, a.failures)
		if a.failures >= a.maxFailures {
			a.close("decrypt_failures")
			return true
		}
		return false
	}
	a.failures = 0

	if a.met != nil {
		a.met.FramesForwarded.WithLabelValues(DirectionToServer).Inc()
		a.met.BytesRelayed.WithLabelValues(DirectionToServer).Add(float64(len(payload)))
	}

	req, err := DecodeRequest(payload)
	if err != nil {
		a.log.Warn("bad request envelope", logging.KeyError, err)
		a.respond(ctx, &localapi.Response{Status: http.StatusBadRequest})
		return false
	}

	if req.Method == pingMethod {
		a.respond(ctx, &localapi.Response{Status: http.StatusNoContent})
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	started := time.Now()
	resp, err := a.api.Do(reqCtx, req)
	cancel()
	if a.met != nil {
		a.met.LocalAPILatency.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		a.log.Warn("local api request failed", logging.KeyError, err)
		resp = &localapi.Response{Status: http.StatusBadGateway}
	}

	a.respond(ctx, resp)
	return false
}

// respond seals a response envelope toward the client. Once either
// counter direction crosses the rekey threshold, every outbound frame
// carries FlagRekeyNeeded until the client renegotiates.
func (a *Actor) respond(ctx context.Context, resp *localapi.Response) {
	payload, err := EncodeResponse(resp)
	if err != nil {
		a.log.Error("encode response", logging.KeyError, err)
		return
	}

	var flags uint8
	if a.sess.NeedsRekey() {
		flags |= protocol.FlagRekeyNeeded
		if !a.rekeySignaled {
			a.rekeySignaled = true
			if a.met != nil {
				a.met.RekeySignals.Inc()
			}
			a.log.Info("session needs rekey")
		}
	}

	frame, err := SealFrame(a.sess, DirectionToClient, flags, payload)
	if err != nil {
		a.log.Error("seal response", logging.KeyError, err)
		return
	}
	if a.met != nil {
		a.met.FramesForwarded.WithLabelValues(DirectionToClient).Inc()
		a.met.BytesRelayed.WithLabelValues(DirectionToClient).Add(float64(len(payload)))
	}
	a.send(ctx, []byte(frame))
}

func (a *Actor) send(ctx context.Context, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if err := a.sender.Send(ctx, a.sessionID, payload); err != nil {
		a.log.Warn("relay send failed", logging.KeyError, err)
	}
}

func (a *Actor) setState(state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *Actor) close(reason string) {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.state = StateClosed
	a.closeReason = reason
	a.mu.Unlock()

	a.hs.Close()
	if a.sess != nil {
		a.sess.Close()
	}

	if a.met != nil {
		a.met.SessionsActive.Dec()
		a.met.SessionsClosed.WithLabelValues(reason).Inc()
	}
	a.log.Info("session closed", "reason", reason)

	if a.onClose != nil {
		a.onClose(a.sessionID, reason)
	}
}

// handshakeReason maps internal errors to the coarse reasons sent to
// the peer. Claim states get distinct reasons so the client can tell
// "bad code" from "someone else is pairing"; everything else collapses.
func handshakeReason(err error) string {
	switch {
	case errors.Is(err, claim.ErrNotFound):
		return "code_not_found"
	case errors.Is(err, claim.ErrExpired):
		return "code_expired"
	case errors.Is(err, claim.ErrAlreadyConsumed):
		return "code_already_used"
	case errors.Is(err, claim.ErrLocked):
		return "pairing_in_progress"
	case errors.Is(err, claim.ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, keyex.ErrInvalidKey):
		return "invalid_key"
	default:
		return "handshake_failed"
	}
}
