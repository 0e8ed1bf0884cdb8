package keyex

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/dwongdev/mydia-relay/internal/claim"
	"github.com/dwongdev/mydia-relay/internal/crypto"
	"github.com/dwongdev/mydia-relay/internal/device"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/token"
)

type testEnv struct {
	engine  *Engine
	claims  *claim.Registry
	devices *device.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	claims := claim.NewRegistry(claim.NewMemoryStore(), logging.NopLogger(), nil, claim.RegistryConfig{
		RedeemRate: rate.Inf,
	})
	devices := device.NewMemoryStore()
	engine := NewEngine(Config{
		Claims:     claims,
		Devices:    devices,
		Tokens:     token.NewIssuer([]byte("test-secret"), 0, 0),
		InstanceID: "instance-1",
		DirectInfo: func(ctx context.Context) DirectInfo {
			return DirectInfo{
				Addresses:   []string{"https://192-168-1-4.relay.example:8920"},
				Fingerprint: "sha256:abcd",
			}
		},
		Logger: logging.NopLogger(),
	})
	return &testEnv{engine: engine, claims: claims, devices: devices}
}

// runPairing drives a full anonymous pairing handshake between client
// and server and returns both ends.
func runPairing(t *testing.T, env *testEnv, code string, staticPub [crypto.KeySize]byte) (*PairingClient, *Handshake, *PairingResult) {
	t.Helper()
	ctx := context.Background()

	server := env.engine.NewHandshake("session-1")
	client, err := NewPairingClient(code, "Living Room TV", "tvos", staticPub, env.engine.Prologue("session-1"))
	if err != nil {
		t.Fatalf("NewPairingClient: %v", err)
	}

	init, err := client.Init()
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	challenge, done, err := server.HandleMessage(ctx, init)
	if err != nil {
		t.Fatalf("server handle init: %v", err)
	}
	if done {
		t.Fatal("handshake done after first message")
	}

	identity, err := client.HandleChallenge(challenge)
	if err != nil {
		t.Fatalf("client handle challenge: %v", err)
	}
	complete, done, err := server.HandleMessage(ctx, identity)
	if err != nil {
		t.Fatalf("server handle identity: %v", err)
	}
	if !done || !server.Complete() {
		t.Fatal("handshake not complete after identity message")
	}

	result, err := client.HandleComplete(complete)
	if err != nil {
		t.Fatalf("client handle complete: %v", err)
	}
	return client, server, result
}

func TestPairingEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.claims.Create(ctx, "owner-1", nil, 300*time.Second, "AB23CD")
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}

	_, staticPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	client, server, result := runPairing(t, env, created.Code, staticPub)

	clientKey, ok := client.SessionKey()
	if !ok {
		t.Fatal("client has no session key")
	}
	if clientKey != server.SessionKey() {
		t.Error("client and server derived different session keys")
	}

	if result.DeviceID == "" || result.DeviceToken == "" || result.AccessToken == "" || result.MediaToken == "" {
		t.Errorf("incomplete pairing result: %+v", result)
	}
	if result.Fingerprint != "sha256:abcd" {
		t.Errorf("fingerprint = %q", result.Fingerprint)
	}

	// The device record exists and matches the static identity.
	dev, err := env.devices.FindByPublicKey(ctx, staticPub)
	if err != nil {
		t.Fatalf("device lookup after pairing: %v", err)
	}
	if dev.ID != result.DeviceID || dev.OwnerID != "owner-1" {
		t.Errorf("device = %+v", dev)
	}

	// The claim is consumed: a second redemption fails loudly.
	if _, err := env.claims.Lock(ctx, "AB23CD"); !errors.Is(err, claim.ErrAlreadyConsumed) {
		t.Errorf("second redemption: err = %v, want AlreadyConsumed", err)
	}
}

func TestPairingExpiredClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.claims.Create(ctx, "owner-1", nil, time.Minute, "AB23CD")
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	env.claims.SetClock(func() time.Time { return created.ExpiresAt.Add(time.Second) })

	server := env.engine.NewHandshake("session-1")
	client, err := NewPairingClient("AB23CD", "tv", "tvos", [crypto.KeySize]byte{1}, env.engine.Prologue("session-1"))
	if err != nil {
		t.Fatalf("NewPairingClient: %v", err)
	}
	init, _ := client.Init()

	if _, _, err := server.HandleMessage(ctx, init); !errors.Is(err, claim.ErrExpired) {
		t.Errorf("expired claim: err = %v, want Expired", err)
	}
}

func TestPairingWrongPrologueFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.claims.Create(ctx, "owner-1", nil, 0, "AB23CD"); err != nil {
		t.Fatalf("create claim: %v", err)
	}

	// Client binds its handshake to a different session than the
	// server: the sealed identity must not open.
	server := env.engine.NewHandshake("session-1")
	client, err := NewPairingClient("AB23CD", "tv", "tvos", [crypto.KeySize]byte{1}, env.engine.Prologue("session-2"))
	if err != nil {
		t.Fatalf("NewPairingClient: %v", err)
	}

	init, _ := client.Init()
	challenge, _, err := server.HandleMessage(ctx, init)
	if err != nil {
		t.Fatalf("server handle init: %v", err)
	}
	identity, err := client.HandleChallenge(challenge)
	if err != nil {
		t.Fatalf("client handle challenge: %v", err)
	}

	if _, _, err := server.HandleMessage(ctx, identity); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Errorf("cross-session identity: err = %v, want DecryptionFailed", err)
	}
}

func TestReconnectEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	staticPriv, staticPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	paired := &device.Device{
		ID:        "dev-1",
		PublicKey: staticPub,
		AuthToken: "old-token",
		OwnerID:   "owner-1",
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := env.devices.Create(ctx, paired); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	server := env.engine.NewHandshake("session-7")
	client := NewReconnectClient(staticPriv, env.engine.Prologue("session-7"))

	init, err := client.Init()
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	complete, done, err := server.HandleMessage(ctx, init)
	if err != nil {
		t.Fatalf("server handle init: %v", err)
	}
	if !done {
		t.Fatal("reconnect not complete after one round trip")
	}

	result, err := client.HandleComplete(complete)
	if err != nil {
		t.Fatalf("client handle complete: %v", err)
	}

	clientKey, ok := client.SessionKey()
	if !ok || clientKey != server.SessionKey() {
		t.Error("client and server derived different session keys")
	}
	if result.DeviceID != "dev-1" {
		t.Errorf("device id = %q", result.DeviceID)
	}
	if result.DeviceToken == "" || result.DeviceToken == "old-token" {
		t.Errorf("device token not rotated: %q", result.DeviceToken)
	}

	dev, err := env.devices.FindByID(ctx, "dev-1")
	if err != nil {
		t.Fatalf("device lookup: %v", err)
	}
	if dev.LastSeenAt.IsZero() {
		t.Error("last_seen_at not updated")
	}
	if dev.AuthToken != result.DeviceToken {
		t.Error("stored token does not match issued token")
	}
}

func TestReconnectRevokedIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	staticPriv, staticPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	if err := env.devices.Create(ctx, &device.Device{ID: "dev-1", PublicKey: staticPub, OwnerID: "owner-1"}); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	if err := env.devices.Revoke(ctx, "dev-1", time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	attempt := func(priv [crypto.KeySize]byte) error {
		server := env.engine.NewHandshake("session-1")
		client := NewReconnectClient(priv, env.engine.Prologue("session-1"))
		init, err := client.Init()
		if err != nil {
			t.Fatalf("client init: %v", err)
		}
		_, _, err = server.HandleMessage(ctx, init)
		return err
	}

	neverPriv, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	errRevoked := attempt(staticPriv)
	errUnknown := attempt(neverPriv)

	if !errors.Is(errRevoked, device.ErrDeviceNotFound) {
		t.Errorf("revoked: err = %v", errRevoked)
	}
	if errRevoked != errUnknown {
		t.Errorf("revoked (%v) and unknown (%v) must be the identical error value", errRevoked, errUnknown)
	}
}

func TestDecodeStaticKey(t *testing.T) {
	raw := make([]byte, crypto.KeySize)
	for i := range raw {
		raw[i] = byte(i * 7)
	}

	got, err := DecodeStaticKey(raw)
	if err != nil {
		t.Fatalf("raw form: %v", err)
	}
	if got[0] != raw[0] || got[31] != raw[31] {
		t.Error("raw form mismatch")
	}

	b64 := []byte("AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	if _, err := DecodeStaticKey(b64); err != nil {
		t.Errorf("base64 form: %v", err)
	}

	for _, bad := range [][]byte{nil, []byte("short"), make([]byte, 31), make([]byte, 33), []byte("not base64 at all!!")} {
		if _, err := DecodeStaticKey(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("input %q: err = %v, want ErrInvalidKey", bad, err)
		}
	}
}

func TestHandshakeMessageOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	server := env.engine.NewHandshake("session-1")

	// pair_identity before pair_init is a protocol violation.
	identity, _ := marshalMessage(pairIdentity{Type: typePairIdentity})
	if _, _, err := server.HandleMessage(ctx, identity); !errors.Is(err, ErrHandshakeState) {
		t.Errorf("out-of-order message: err = %v", err)
	}

	// A failed handshake stays failed.
	init, _ := marshalMessage(pairInit{Type: typePairInit, ClaimCode: "AB23CD"})
	if _, _, err := server.HandleMessage(ctx, init); !errors.Is(err, ErrHandshakeState) {
		t.Errorf("message after failure: err = %v", err)
	}
}

func TestResolveDeterministicAndNormalized(t *testing.T) {
	a := Resolve("AB23CD")
	b := Resolve("ab-23-cd")
	if a != b {
		t.Errorf("normalized forms differ: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("identifier length = %d, want 64 hex chars", len(a))
	}
	if Resolve("AB23CE") == a {
		t.Error("distinct codes resolved identically")
	}
}
