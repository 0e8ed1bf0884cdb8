package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/dwongdev/mydia-relay/internal/claim"
	"github.com/dwongdev/mydia-relay/internal/device"
	"github.com/dwongdev/mydia-relay/internal/keyex"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/token"
)

// fakeRelay is an in-process stand-in for the cloud relay service.
type fakeRelay struct {
	srv      *httptest.Server
	accepted chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{accepted: make(chan *websocket.Conn, 1)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(readLimit)
		f.accepted <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.accepted:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("manager never connected")
		return nil
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) controlMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read from manager: %v", err)
	}
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func writeMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, msg controlMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write to manager: %v", err)
	}
}

func newTestManager(t *testing.T, url string) *Manager {
	t.Helper()
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
	return NewManager(Config{
		URL:        url,
		InstanceID: "instance-1",
		Engine:     engine,
		Logger:     logging.NopLogger(),
	})
}

func TestManagerRegistersAndSpawnsSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fake := newFakeRelay(t)
	m := newTestManager(t, fake.url())

	runDone := make(chan struct{})
	runCtx, stopRun := context.WithCancel(ctx)
	go func() {
		m.Run(runCtx)
		close(runDone)
	}()
	defer func() {
		stopRun()
		<-runDone
	}()

	conn := fake.conn(t)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// First message announces this instance.
	reg := readMessage(t, ctx, conn)
	if reg.Type != msgRegister || reg.InstanceID != "instance-1" {
		t.Fatalf("register = %+v", reg)
	}

	// Opening a session spawns an actor.
	writeMessage(t, ctx, conn, controlMessage{Type: msgSessionOpen, SessionID: "sess-1"})

	deadline := time.Now().Add(5 * time.Second)
	for m.SessionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never spawned")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A garbage handshake message produces an error reply routed back
	// through the relay, then the session is reaped.
	writeMessage(t, ctx, conn, controlMessage{Type: msgSessionData, SessionID: "sess-1", Payload: "not json"})

	reply := readMessage(t, ctx, conn)
	if reply.Type != msgSessionData || reply.SessionID != "sess-1" {
		t.Fatalf("reply = %+v", reply)
	}
	if !strings.Contains(reply.Payload, "handshake_error") {
		t.Errorf("payload = %q", reply.Payload)
	}

	closeMsg := readMessage(t, ctx, conn)
	if closeMsg.Type != msgSessionClose || closeMsg.SessionID != "sess-1" {
		t.Fatalf("close = %+v", closeMsg)
	}

	deadline = time.Now().Add(5 * time.Second)
	for m.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManagerReconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fake := newFakeRelay(t)
	m := newTestManager(t, fake.url())
	m.cfg.ReconnectMin = 10 * time.Millisecond

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		m.Run(runCtx)
		close(runDone)
	}()
	defer func() {
		stopRun()
		<-runDone
	}()

	first := fake.conn(t)
	readMessage(t, ctx, first)
	first.Close(websocket.StatusGoingAway, "kick")

	// A second accept proves the manager dialed again.
	second := fake.conn(t)
	defer second.Close(websocket.StatusNormalClosure, "test done")
	reg := readMessage(t, ctx, second)
	if reg.Type != msgRegister {
		t.Fatalf("register after reconnect = %+v", reg)
	}
}
