package keyex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dwongdev/mydia-relay/internal/claim"
	"github.com/dwongdev/mydia-relay/internal/crypto"
	"github.com/dwongdev/mydia-relay/internal/device"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/token"
)

type responderState int

const (
	stateAwaitInit responderState = iota
	stateAwaitIdentity
	stateComplete
	stateFailed
)

// Handshake is the server side of one handshake. It is driven message
// by message from the owning tunnel actor and is not safe for
// concurrent use; the actor model guarantees single-threaded access.
type Handshake struct {
	engine   *Engine
	prologue []byte
	state    responderState
	flow     string
	started  time.Time

	ephPrivate [crypto.KeySize]byte
	ephPublic  [crypto.KeySize]byte

	claimCode    string
	transientKey [crypto.KeySize]byte

	dev        *device.Device
	sessionKey [crypto.KeySize]byte
}

// NewHandshake starts a responder handshake bound to one relay session.
func (e *Engine) NewHandshake(sessionID string) *Handshake {
	return &Handshake{
		engine:   e,
		prologue: e.Prologue(sessionID),
		state:    stateAwaitInit,
		started:  e.now(),
	}
}

// Complete reports whether a session key has been derived.
func (h *Handshake) Complete() bool { return h.state == stateComplete }

// SessionKey returns the derived key. Only valid once Complete.
func (h *Handshake) SessionKey() [crypto.KeySize]byte { return h.sessionKey }

// Device returns the paired or reconnected device. Only valid once
// Complete.
func (h *Handshake) Device() *device.Device { return h.dev }

// Close discards all handshake key material.
func (h *Handshake) Close() {
	crypto.ZeroKey(&h.ephPrivate)
	crypto.ZeroKey(&h.transientKey)
	if h.state != stateComplete {
		crypto.ZeroKey(&h.sessionKey)
	}
	h.state = stateFailed
}

// HandleMessage advances the handshake with one peer message and
// returns the reply to send, plus done=true once the session key is
// ready. Any error aborts the handshake permanently.
func (h *Handshake) HandleMessage(ctx context.Context, raw []byte) (reply []byte, done bool, err error) {
	defer func() {
		if err != nil {
			h.fail(err)
		}
	}()

	var head typedMessage
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, false, fmt.Errorf("parse handshake message: %w", err)
	}

	switch {
	case h.state == stateAwaitInit && head.Type == typePairInit:
		h.flow = "pairing"
		return h.handlePairInit(ctx, raw)
	case h.state == stateAwaitIdentity && head.Type == typePairIdentity:
		return h.handlePairIdentity(ctx, raw)
	case h.state == stateAwaitInit && head.Type == typeReconnectInit:
		h.flow = "reconnect"
		return h.handleReconnectInit(ctx, raw)
	default:
		return nil, false, fmt.Errorf("%w: %q in state %d", ErrHandshakeState, head.Type, h.state)
	}
}

// handlePairInit validates and locks the claim, then answers with a
// fresh server ephemeral key. The transient key derived here encrypts
// the client's static identity in the next round trip.
func (h *Handshake) handlePairInit(ctx context.Context, raw []byte) ([]byte, bool, error) {
	var msg pairInit
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, fmt.Errorf("parse pair_init: %w", err)
	}

	clientEph, err := decodeKey(msg.EphemeralKey)
	if err != nil {
		return nil, false, err
	}

	if _, err := h.engine.claims.Lock(ctx, msg.ClaimCode); err != nil {
		return nil, false, err
	}
	h.claimCode = msg.ClaimCode

	h.ephPrivate, h.ephPublic, err = crypto.GenerateKeypair()
	if err != nil {
		return nil, false, err
	}

	shared, err := crypto.ComputeECDH(h.ephPrivate, clientEph)
	if err != nil {
		return nil, false, err
	}
	// Client ephemeral initiates, server ephemeral responds.
	h.transientKey = crypto.DeriveSessionKey(shared, h.prologue, clientEph, h.ephPublic)
	crypto.ZeroKey(&shared)

	h.state = stateAwaitIdentity
	h.engine.log.Debug("pairing challenge issued",
		logging.KeyCodePrefix, claim.LogPrefix(msg.ClaimCode))

	reply, err := marshalMessage(pairChallenge{
		Type:         typePairChallenge,
		EphemeralKey: encodeKey(h.ephPublic),
	})
	return reply, false, err
}

// handlePairIdentity unseals the device's static key, consumes the
// claim and registers the device. The transient key becomes the
// transport session key.
func (h *Handshake) handlePairIdentity(ctx context.Context, raw []byte) ([]byte, bool, error) {
	var msg pairIdentity
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, fmt.Errorf("parse pair_identity: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(msg.SealedStaticKey)
	if err != nil {
		return nil, false, ErrInvalidKey
	}
	staticRaw, err := crypto.Open(h.transientKey, sealed, h.prologue)
	if err != nil {
		return nil, false, err
	}
	if len(staticRaw) != crypto.KeySize {
		return nil, false, ErrInvalidKey
	}
	var staticKey [crypto.KeySize]byte
	copy(staticKey[:], staticRaw)
	crypto.ZeroBytes(staticRaw)

	deviceID := uuid.NewString()
	consumed, err := h.engine.claims.Consume(ctx, h.claimCode, deviceID)
	if err != nil {
		return nil, false, err
	}

	deviceToken, err := token.NewDeviceToken()
	if err != nil {
		return nil, false, err
	}
	dev := &device.Device{
		ID:          deviceID,
		DisplayName: msg.DeviceName,
		Platform:    msg.Platform,
		PublicKey:   staticKey,
		AuthToken:   deviceToken,
		OwnerID:     consumed.OwnerID,
		CreatedAt:   h.engine.now(),
		LastSeenAt:  h.engine.now(),
	}
	if err := h.engine.devices.Create(ctx, dev); err != nil {
		return nil, false, err
	}

	accessToken, err := h.engine.tokens.SignAccess(dev.ID, dev.OwnerID)
	if err != nil {
		return nil, false, err
	}
	mediaToken, err := h.engine.tokens.SignMedia(dev.ID, dev.OwnerID)
	if err != nil {
		return nil, false, err
	}

	complete := pairComplete{
		Type:        typePairComplete,
		DeviceID:    dev.ID,
		DeviceToken: deviceToken,
		AccessToken: accessToken,
		MediaToken:  mediaToken,
	}
	if h.engine.directInfo != nil {
		info := h.engine.directInfo(ctx)
		complete.Fingerprint = info.Fingerprint
		complete.DirectAddresses = info.Addresses
	}
	reply, err := marshalMessage(complete)
	if err != nil {
		return nil, false, err
	}

	h.sessionKey = h.transientKey
	h.transientKey = [crypto.KeySize]byte{}
	h.dev = dev
	h.state = stateComplete
	h.observeSuccess()

	if h.engine.met != nil {
		h.engine.met.DevicesRegistered.Inc()
	}
	h.engine.log.Info("device paired",
		logging.KeyDeviceID, dev.ID,
		logging.KeyOwnerID, dev.OwnerID,
		logging.KeyCodePrefix, claim.LogPrefix(h.claimCode))

	return reply, true, nil
}

// handleReconnectInit resolves the device by static key and derives the
// session key from ECDH(server ephemeral, device static). Unknown and
// revoked keys fail identically.
func (h *Handshake) handleReconnectInit(ctx context.Context, raw []byte) ([]byte, bool, error) {
	var msg reconnectInit
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, fmt.Errorf("parse reconnect_init: %w", err)
	}

	staticKey, err := DecodeStaticKey([]byte(msg.StaticKey))
	if err != nil {
		return nil, false, err
	}

	dev, err := h.engine.devices.FindByPublicKey(ctx, staticKey)
	if err != nil {
		return nil, false, err
	}

	h.ephPrivate, h.ephPublic, err = crypto.GenerateKeypair()
	if err != nil {
		return nil, false, err
	}
	shared, err := crypto.ComputeECDH(h.ephPrivate, staticKey)
	if err != nil {
		return nil, false, err
	}
	// Device static initiates, server ephemeral responds.
	h.sessionKey = crypto.DeriveSessionKey(shared, h.prologue, staticKey, h.ephPublic)
	crypto.ZeroKey(&shared)

	now := h.engine.now()
	if err := h.engine.devices.UpdateLastSeen(ctx, dev.ID, now); err != nil {
		return nil, false, err
	}

	deviceToken, err := token.NewDeviceToken()
	if err != nil {
		return nil, false, err
	}
	if err := h.engine.devices.UpdateAuthToken(ctx, dev.ID, deviceToken); err != nil {
		return nil, false, err
	}
	accessToken, err := h.engine.tokens.SignAccess(dev.ID, dev.OwnerID)
	if err != nil {
		return nil, false, err
	}
	mediaToken, err := h.engine.tokens.SignMedia(dev.ID, dev.OwnerID)
	if err != nil {
		return nil, false, err
	}

	// Tokens travel sealed under the fresh session key: only the
	// holder of the static private key can read them, which is what
	// authenticates the reconnection.
	tokensJSON, err := json.Marshal(sealedTokens{
		DeviceID:    dev.ID,
		DeviceToken: deviceToken,
		AccessToken: accessToken,
		MediaToken:  mediaToken,
	})
	if err != nil {
		return nil, false, fmt.Errorf("encode tokens: %w", err)
	}
	sealed, err := crypto.Seal(h.sessionKey, tokensJSON, h.prologue)
	if err != nil {
		return nil, false, err
	}

	reply, err := marshalMessage(reconnectComplete{
		Type:         typeReconnectComplete,
		EphemeralKey: encodeKey(h.ephPublic),
		SealedTokens: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, false, err
	}

	h.dev = dev
	h.state = stateComplete
	h.observeSuccess()
	h.engine.log.Info("device reconnected", logging.KeyDeviceID, dev.ID)

	return reply, true, nil
}

func (h *Handshake) observeSuccess() {
	if h.engine.met == nil {
		return
	}
	h.engine.met.HandshakesTotal.WithLabelValues(h.flow).Inc()
	h.engine.met.HandshakeLatency.Observe(h.engine.now().Sub(h.started).Seconds())
}

func (h *Handshake) fail(err error) {
	if h.state == stateComplete {
		return
	}
	h.state = stateFailed
	flow := h.flow
	if flow == "" {
		flow = "unknown"
	}
	if h.engine.met != nil {
		h.engine.met.HandshakeErrors.WithLabelValues(flow).Inc()
	}
	h.engine.log.Warn("handshake failed", "flow", flow, logging.KeyError, err)
}
