package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/dwongdev/mydia-relay/internal/certutil"
	"github.com/dwongdev/mydia-relay/internal/claim"
	"github.com/dwongdev/mydia-relay/internal/crypto"
	"github.com/dwongdev/mydia-relay/internal/device"
	"github.com/dwongdev/mydia-relay/internal/keyex"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/token"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	payloads := [][]byte{
		[]byte("first"),
		{},
		[]byte("third message"),
	}
	for _, p := range payloads {
		if err := WriteMessage(&buf, p); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	for i, want := range payloads {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadMessage(&buf); err == nil {
		t.Error("expected error for oversized length prefix")
	}
}

func newDirectListener(t *testing.T) (*Listener, *claim.Registry, string) {
	t.Helper()

	cert, err := certutil.Generate("relay.example.com")
	if err != nil {
		t.Fatalf("Generate cert: %v", err)
	}
	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}

	claims := claim.NewRegistry(claim.NewMemoryStore(), logging.NopLogger(), nil, claim.RegistryConfig{
		RedeemRate: rate.Inf,
	})
	engine := keyex.NewEngine(keyex.Config{
		Claims:     claims,
		Devices:    device.NewMemoryStore(),
		Tokens:     token.NewIssuer([]byte("test-secret"), 0, 0),
		InstanceID: "instance-1",
		Logger:     logging.NopLogger(),
	})

	l := NewListener(ListenerConfig{
		Addr:   "127.0.0.1:0",
		Cert:   tlsCert,
		Engine: engine,
		Logger: logging.NopLogger(),
	})
	return l, claims, cert.Fingerprint()
}

func TestDirectDialPinsFingerprint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	l, claims, fingerprint := newDirectListener(t)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go l.Run(runCtx)

	addr := ""
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatal("listener never bound")
		}
		addr = l.Addr()
		time.Sleep(10 * time.Millisecond)
	}

	// Wrong fingerprint: the TLS handshake must fail.
	if _, err := Dial(ctx, addr, "sha256:"+string(bytes.Repeat([]byte("0"), 64))); err == nil {
		t.Fatal("dial succeeded against wrong fingerprint")
	}

	// Correct fingerprint: connection comes up and a pairing handshake
	// completes over a stream.
	conn, err := Dial(ctx, addr, fingerprint)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseWithError(0, "test done")

	if _, err := claims.Create(ctx, "owner-1", nil, 0, "AB23CD"); err != nil {
		t.Fatalf("create claim: %v", err)
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	// The server opens with its session announcement.
	helloRaw, err := ReadMessage(stream)
	if err != nil {
		t.Fatalf("read session hello: %v", err)
	}
	var hello SessionHello
	if err := json.Unmarshal(helloRaw, &hello); err != nil {
		t.Fatalf("decode session hello: %v", err)
	}
	if hello.Type != HelloType || hello.SessionID == "" || hello.InstanceID != "instance-1" {
		t.Fatalf("hello = %+v", hello)
	}

	_, staticPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	prologue := []byte(hello.SessionID + "|" + hello.InstanceID)
	client, err := keyex.NewPairingClient("AB23CD", "tv", "tvos", staticPub, prologue)
	if err != nil {
		t.Fatalf("NewPairingClient: %v", err)
	}

	init, err := client.Init()
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	if err := WriteMessage(stream, init); err != nil {
		t.Fatalf("WriteMessage init: %v", err)
	}
	challenge, err := ReadMessage(stream)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	identity, err := client.HandleChallenge(challenge)
	if err != nil {
		t.Fatalf("handle challenge: %v", err)
	}
	if err := WriteMessage(stream, identity); err != nil {
		t.Fatalf("WriteMessage identity: %v", err)
	}
	complete, err := ReadMessage(stream)
	if err != nil {
		t.Fatalf("read complete: %v", err)
	}
	result, err := client.HandleComplete(complete)
	if err != nil {
		t.Fatalf("handle complete: %v", err)
	}
	if result.DeviceID == "" || result.DeviceToken == "" {
		t.Errorf("pairing result = %+v", result)
	}
}
