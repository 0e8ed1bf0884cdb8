// Package server wires the pairing registry, device store, handshake
// engine and both transports into one runnable unit.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dwongdev/mydia-relay/internal/certutil"
	"github.com/dwongdev/mydia-relay/internal/claim"
	"github.com/dwongdev/mydia-relay/internal/config"
	"github.com/dwongdev/mydia-relay/internal/connectivity"
	"github.com/dwongdev/mydia-relay/internal/device"
	"github.com/dwongdev/mydia-relay/internal/keyex"
	"github.com/dwongdev/mydia-relay/internal/localapi"
	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/metrics"
	"github.com/dwongdev/mydia-relay/internal/relay"
	"github.com/dwongdev/mydia-relay/internal/token"
	"github.com/dwongdev/mydia-relay/internal/transport"
)

// instanceIDFileName stores the generated instance ID inside the data
// directory when the config asks for "auto".
const instanceIDFileName = "instance_id"

// Pairing describes a freshly created claim, ready to show to the user
// and hand to a pairing client out of band.
type Pairing struct {
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
	Rendezvous  string    `json:"rendezvous"`
	Fingerprint string    `json:"cert_fingerprint,omitempty"`
	Addresses   []string  `json:"direct_addresses,omitempty"`
}

// claimPayload is the opaque blob stored with a claim and handed to the
// redeeming client so it can attempt a direct connection later.
type claimPayload struct {
	DirectAddresses []string `json:"direct_addresses,omitempty"`
	CertFingerprint string   `json:"cert_fingerprint,omitempty"`
}

// Server owns every long-running component of the pairing and tunnel
// subsystem.
type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	met        *metrics.Metrics
	instanceID string

	claims  *claim.Registry
	devices device.Store
	tokens  *token.Issuer
	engine  *keyex.Engine
	api     localapi.Client

	cert       *certutil.ServerCert
	candidates *connectivity.Candidates

	relayMgr *relay.Manager
	directLn *transport.Listener
}

// New builds a server from configuration. The configuration must have
// passed Validate.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	}
	met := metrics.Default()

	instanceID, err := loadOrCreateInstanceID(cfg.Server.DataDir, cfg.Server.InstanceID)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		log:        logger.With(logging.KeyComponent, "server"),
		met:        met,
		instanceID: instanceID,
	}

	s.claims = claim.NewRegistry(claim.NewMemoryStore(), logger, met, claim.RegistryConfig{
		TTL:            cfg.Pairing.ClaimTTL,
		RetentionGrace: cfg.Pairing.RetentionGrace,
		RedeemRate:     rate.Limit(cfg.Pairing.RedeemRate),
		RedeemBurst:    cfg.Pairing.RedeemBurst,
	})

	if cfg.Storage.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := device.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open device store: %w", err)
		}
		s.devices = store
		s.log.Info("device store ready", "backend", "postgres")
	} else {
		s.devices = device.NewMemoryStore()
		s.log.Info("device store ready", "backend", "memory")
	}

	s.tokens = token.NewIssuer([]byte(cfg.Tokens.Secret), cfg.Tokens.AccessTTL, cfg.Tokens.MediaTTL)

	if cfg.Direct.Enabled {
		cert, err := certutil.Ensure(cfg.Server.DataDir, cfg.Direct.WildcardDomain)
		if err != nil {
			return nil, fmt.Errorf("ensure direct certificate: %w", err)
		}
		s.cert = cert

		port, err := directPort(cfg.Direct.Address)
		if err != nil {
			return nil, err
		}
		var resolver connectivity.PublicIPResolver
		if cfg.Direct.PublicIPURL != "" {
			resolver = &connectivity.HTTPResolver{URL: cfg.Direct.PublicIPURL}
		}
		s.candidates = connectivity.NewCandidates(cfg.Direct.WildcardDomain, port, resolver)
	}

	s.engine = keyex.NewEngine(keyex.Config{
		Claims:     s.claims,
		Devices:    s.devices,
		Tokens:     s.tokens,
		InstanceID: instanceID,
		DirectInfo: s.directInfo,
		Logger:     logger,
		Metrics:    met,
	})

	api, err := localapi.NewHTTPClient(cfg.LocalAPI.BaseURL, cfg.LocalAPI.Timeout)
	if err != nil {
		return nil, fmt.Errorf("local API client: %w", err)
	}
	s.api = api

	if cfg.Relay.Enabled {
		s.relayMgr = relay.NewManager(relay.Config{
			URL:                       cfg.Relay.URL,
			InstanceID:                instanceID,
			Engine:                    s.engine,
			API:                       s.api,
			SessionIdleTimeout:        cfg.Sessions.IdleTimeout,
			SessionMaxDecryptFailures: cfg.Sessions.MaxDecryptFailures,
			SessionRekeyThreshold:     cfg.Sessions.RekeyThreshold,
			ReconnectMin:              cfg.Relay.ReconnectMin,
			ReconnectMax:              cfg.Relay.ReconnectMax,
			Logger:                    logger,
			Metrics:                   met,
		})
	}

	if cfg.Direct.Enabled {
		tlsCert, err := s.cert.TLSCertificate()
		if err != nil {
			return nil, fmt.Errorf("load direct certificate: %w", err)
		}
		s.directLn = transport.NewListener(transport.ListenerConfig{
			Addr:                      cfg.Direct.Address,
			Cert:                      tlsCert,
			Engine:                    s.engine,
			API:                       s.api,
			SessionIdleTimeout:        cfg.Sessions.IdleTimeout,
			SessionMaxDecryptFailures: cfg.Sessions.MaxDecryptFailures,
			SessionRekeyThreshold:     cfg.Sessions.RekeyThreshold,
			Logger:                    logger,
			Metrics:                   met,
		})
	}

	return s, nil
}

// InstanceID returns the resolved instance identity.
func (s *Server) InstanceID() string { return s.instanceID }

// Fingerprint returns the direct certificate fingerprint, or "" when
// the direct path is disabled.
func (s *Server) Fingerprint() string {
	if s.cert == nil {
		return ""
	}
	return s.cert.Fingerprint()
}

// Claims exposes the claim registry for management surfaces.
func (s *Server) Claims() *claim.Registry { return s.claims }

// Devices exposes the device store for management surfaces.
func (s *Server) Devices() device.Store { return s.devices }

// Run starts every enabled component and blocks until the context is
// cancelled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting server",
		"instance_id", s.instanceID,
		"relay", s.cfg.Relay.Enabled,
		"direct", s.cfg.Direct.Enabled)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.claims.RunSweeper(ctx, s.cfg.Pairing.SweepInterval)
		return nil
	})

	if s.relayMgr != nil {
		g.Go(func() error {
			return s.relayMgr.Run(ctx)
		})
	}

	if s.directLn != nil {
		g.Go(func() error {
			return s.directLn.Run(ctx)
		})
	}

	if s.cfg.Observe.Enabled {
		g.Go(func() error {
			return s.runObserve(ctx)
		})
	}

	err := g.Wait()

	if closer, ok := s.devices.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil {
			s.log.Warn("closing device store", logging.KeyError, cerr)
		}
	}

	if err != nil && ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}

// CreatePairing mints a new claim code for ownerID. The claim payload
// carries the direct connection details so the redeeming client can
// attempt the QUIC path once paired.
func (s *Server) CreatePairing(ctx context.Context, ownerID string) (*Pairing, error) {
	code, err := claim.GenerateCode(claim.DefaultCodeLength)
	if err != nil {
		return nil, err
	}

	payload := claimPayload{
		DirectAddresses: s.directAddresses(ctx),
		CertFingerprint: s.Fingerprint(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode claim payload: %w", err)
	}

	created, err := s.claims.Create(ctx, ownerID, raw, s.cfg.Pairing.ClaimTTL, code)
	if err != nil {
		return nil, err
	}

	return &Pairing{
		Code:        created.Code,
		ExpiresAt:   created.ExpiresAt,
		Rendezvous:  keyex.Resolve(created.Code),
		Fingerprint: payload.CertFingerprint,
		Addresses:   payload.DirectAddresses,
	}, nil
}

// MediaCredential mints a short-lived TURN credential for a device.
func (s *Server) MediaCredential(deviceID string) (connectivity.MediaCredential, error) {
	if s.cfg.Media.TURNSecret == "" {
		return connectivity.MediaCredential{}, fmt.Errorf("media relay is not configured")
	}
	cred := connectivity.NewMediaCredential([]byte(s.cfg.Media.TURNSecret), deviceID, s.cfg.Media.CredentialTTL, time.Now())
	return cred, nil
}

// directInfo feeds the handshake engine the current connectivity
// snapshot so pairing replies carry fresh candidates.
func (s *Server) directInfo(ctx context.Context) keyex.DirectInfo {
	return keyex.DirectInfo{
		Addresses:   s.directAddresses(ctx),
		Fingerprint: s.Fingerprint(),
	}
}

// directAddresses returns the current direct candidate addresses, or
// nil when the direct path is disabled.
func (s *Server) directAddresses(ctx context.Context) []string {
	if s.candidates == nil {
		return nil
	}
	return s.candidates.Addresses(ctx)
}

// runObserve serves Prometheus metrics and health endpoints until the
// context ends.
func (s *Server) runObserve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	})
	mux.HandleFunc("/pair", s.handlePairRequest)

	srv := &http.Server{
		Addr:         s.cfg.Observe.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("observability listener started", logging.KeyRemoteAddr, s.cfg.Observe.Address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("observability listener: %w", err)
		}
		return nil
	}
}

// handlePairRequest mints a claim code over the management listener.
// The listener is expected to be bound to loopback or an internal
// network; the owner is taken on trust here because the media server
// fronting this endpoint has already authenticated the user.
func (s *Server) handlePairRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := r.FormValue("owner")
	if ownerID == "" {
		http.Error(w, "owner is required", http.StatusBadRequest)
		return
	}

	pairing, err := s.CreatePairing(r.Context(), ownerID)
	if err != nil {
		s.log.Error("create pairing", logging.KeyError, err)
		http.Error(w, "failed to create pairing", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pairing); err != nil {
		s.log.Warn("encode pairing response", logging.KeyError, err)
	}
}

// loadOrCreateInstanceID resolves the instance identity. An explicit
// configured value wins; "auto" loads the persisted ID from the data
// directory, generating and storing one on first start.
func loadOrCreateInstanceID(dataDir, configured string) (string, error) {
	if configured != "" && configured != "auto" {
		return configured, nil
	}

	path := filepath.Join(dataDir, instanceIDFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read instance ID: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("store instance ID: %w", err)
	}
	return id, nil
}

// directPort extracts the numeric port from a listen address.
func directPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("direct address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("direct address %q: %w", addr, err)
	}
	return port, nil
}
