// Package transport carries tunnel sessions over a direct QUIC
// connection on the LAN. Clients prefer this path over the cloud relay
// once they hold a candidate address and the pinned certificate
// fingerprint from pairing; the frame semantics are identical to the
// relay path, so the tunnel layer cannot tell the two apart.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/dwongdev/mydia-relay/internal/certutil"
	"github.com/dwongdev/mydia-relay/internal/keyex"
	"github.com/dwongdev/mydia-relay/internal/localapi"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/metrics"
	"github.com/dwongdev/mydia-relay/internal/tunnel"
)

// ALPNProtocol identifies the direct tunnel protocol in TLS.
const ALPNProtocol = "mydia-direct"

const (
	maxIdleTimeout  = 60 * time.Second
	keepAlivePeriod = 30 * time.Second

	// maxMessageSize caps one length-prefixed message on a stream.
	maxMessageSize = 16 * 1024 * 1024
)

// WriteMessage writes one length-prefixed message: 4-byte big-endian
// length followed by the payload.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write message payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read message payload: %w", err)
	}
	return payload, nil
}

// ListenerConfig wires the direct listener.
type ListenerConfig struct {
	Addr string
	Cert tls.Certificate

	Engine *keyex.Engine
	API    localapi.Client

	SessionIdleTimeout        time.Duration
	SessionMaxDecryptFailures int
	SessionRekeyThreshold     uint64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Listener accepts direct QUIC connections and runs one tunnel actor
// per stream.
type Listener struct {
	cfg ListenerConfig
	log *slog.Logger
	met *metrics.Metrics

	mu sync.Mutex
	ln *quic.Listener
}

func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Listener{
		cfg: cfg,
		log: logger.With(logging.KeyComponent, "direct"),
		met: cfg.Metrics,
	}
}

// Run listens until the context ends.
func (l *Listener) Run(ctx context.Context) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{l.cfg.Cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}
	quicConfig := &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}

	ln, err := quic.ListenAddr(l.cfg.Addr, tlsConfig, quicConfig)
	if err != nil {
		return fmt.Errorf("direct listen on %s: %w", l.cfg.Addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	defer ln.Close()

	l.log.Info("direct listener started", logging.KeyRemoteAddr, ln.Addr().String())

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("direct accept: %w", err)
		}
		if l.met != nil {
			l.met.DirectConnections.Inc()
		}
		go l.serveConn(ctx, conn)
	}
}

// Addr returns the bound address once Run has started listening.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// serveConn runs one tunnel session per direct connection. The server
// opens the stream so it can announce the session before the client
// sends anything.
func (l *Listener) serveConn(ctx context.Context, conn quic.Connection) {
	defer conn.CloseWithError(0, "done")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return
	}
	l.serveStream(ctx, stream)
}

// SessionHello is the first message on a direct stream: the server
// announces the session ID and instance ID so the client can bind its
// handshake prologue before sending anything.
type SessionHello struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	InstanceID string `json:"instance_id"`
}

// HelloType tags the session announcement message.
const HelloType = "session"

// serveStream runs one tunnel session over one bidirectional stream.
func (l *Listener) serveStream(ctx context.Context, stream quic.Stream) {
	sessionID := "direct-" + uuid.NewString()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hello, err := json.Marshal(SessionHello{
		Type:       HelloType,
		SessionID:  sessionID,
		InstanceID: l.cfg.Engine.InstanceID(),
	})
	if err != nil {
		return
	}
	if err := WriteMessage(stream, hello); err != nil {
		return
	}

	actor := tunnel.NewActor(tunnel.ActorConfig{
		SessionID:          sessionID,
		Engine:             l.cfg.Engine,
		API:                l.cfg.API,
		Sender:             &streamSender{stream: stream},
		IdleTimeout:        l.cfg.SessionIdleTimeout,
		MaxDecryptFailures: l.cfg.SessionMaxDecryptFailures,
		RekeyThreshold:     l.cfg.SessionRekeyThreshold,
		OnClose: func(_, _ string) {
			cancel()
			stream.Close()
		},
		Logger:  l.log,
		Metrics: l.met,
	})
	go actor.Run(streamCtx)

	for {
		msg, err := ReadMessage(stream)
		if err != nil {
			cancel()
			return
		}
		actor.Deliver(msg)
	}
}

// streamSender writes actor output back to the stream.
type streamSender struct {
	mu     sync.Mutex
	stream quic.Stream
}

func (s *streamSender) Send(ctx context.Context, sessionID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteMessage(s.stream, payload)
}

// Dial opens a direct connection, accepting only the certificate whose
// SHA-256 fingerprint was pinned at pairing time. Chain verification is
// disabled on purpose: the fingerprint is the trust anchor.
func Dial(ctx context.Context, addr, pinnedFingerprint string) (quic.Connection, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no peer certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			if !certutil.VerifyFingerprint(cert, pinnedFingerprint) {
				return fmt.Errorf("peer certificate does not match pinned fingerprint")
			}
			return nil
		},
	}
	quicConfig := &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("direct dial %s: %w", addr, err)
	}
	return conn, nil
}
