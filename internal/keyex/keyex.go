// Package keyex implements the two Diffie-Hellman handshake flows that
// bootstrap an encrypted tunnel session: anonymous pairing against a
// claim code, and authenticated reconnection of an already-paired
// device. Both flows end in a 32-byte session key handed to the
// transport layer.
package keyex

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/dwongdev/mydia-relay/internal/claim"
	"github.com/dwongdev/mydia-relay/internal/crypto"
	"github.com/dwongdev/mydia-relay/internal/device"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/metrics"
	"github.com/dwongdev/mydia-relay/internal/token"
)

// ErrInvalidKey is returned for a public key that is not exactly 32
// bytes after decoding. Malformed keys never panic.
var ErrInvalidKey = errors.New("keyex: invalid public key")

// ErrHandshakeState is returned when a message arrives that the current
// handshake state cannot accept.
var ErrHandshakeState = errors.New("keyex: unexpected handshake message")

// rendezvousNamespace salts the one-way rendezvous derivation so the
// identifier is specific to this protocol and cannot collide with other
// uses of the same code string.
const rendezvousNamespace = "mydia-rendezvous-v1:"

// DirectInfo is the connectivity snippet enriched into a successful
// pairing response: candidate addresses in preference order plus the
// pinned certificate fingerprint.
type DirectInfo struct {
	Addresses   []string
	Fingerprint string
}

// Config wires the engine's collaborators.
type Config struct {
	Claims  *claim.Registry
	Devices device.Store
	Tokens  *token.Issuer

	// InstanceID identifies this server process inside handshake
	// prologues so a transcript cannot replay across instances.
	InstanceID string

	// DirectInfo supplies connectivity enrichment for pairing
	// responses. Optional.
	DirectInfo func(ctx context.Context) DirectInfo

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine validates claims, resolves devices and derives session keys.
// One Engine serves all sessions; per-handshake state lives in
// Handshake values.
type Engine struct {
	claims     *claim.Registry
	devices    device.Store
	tokens     *token.Issuer
	instanceID string
	directInfo func(ctx context.Context) DirectInfo
	log        *slog.Logger
	met        *metrics.Metrics
	now        func() time.Time
}

func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{
		claims:     cfg.Claims,
		devices:    cfg.Devices,
		tokens:     cfg.Tokens,
		instanceID: cfg.InstanceID,
		directInfo: cfg.DirectInfo,
		log:        logger.With(logging.KeyComponent, "keyex"),
		met:        cfg.Metrics,
		now:        time.Now,
	}
}

// Prologue binds a handshake to one relay session on one server
// instance.
func (e *Engine) Prologue(sessionID string) []byte {
	return []byte(sessionID + "|" + e.instanceID)
}

// InstanceID returns the server instance identity bound into handshake
// prologues.
func (e *Engine) InstanceID() string { return e.instanceID }

// Resolve derives the deterministic rendezvous identifier for a claim
// code. The derivation is one-way and independent of any handshake
// keys, so an overlay lookup reveals nothing about the server.
func Resolve(code string) string {
	sum := sha256.Sum256([]byte(rendezvousNamespace + claim.Normalize(code)))
	return hex.EncodeToString(sum[:])
}

// DecodeStaticKey accepts a device static public key as raw 32 bytes or
// as standard/url base64 text, returning ErrInvalidKey for anything
// that does not decode to exactly 32 bytes.
func DecodeStaticKey(input []byte) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte

	if len(input) == crypto.KeySize {
		copy(key[:], input)
		return key, nil
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		decoded, err := enc.DecodeString(string(input))
		if err == nil && len(decoded) == crypto.KeySize {
			copy(key[:], decoded)
			return key, nil
		}
	}
	return key, ErrInvalidKey
}
