package keyex

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/dwongdev/mydia-relay/internal/crypto"
)

// PairingResult is what a client walks away with after anonymous
// pairing.
type PairingResult struct {
	DeviceID        string
	DeviceToken     string
	AccessToken     string
	MediaToken      string
	Fingerprint     string
	DirectAddresses []string
}

// PairingClient is the initiator side of the anonymous pairing flow.
// Embedded client applications drive it; the server tests use it to
// exercise both ends of the handshake.
type PairingClient struct {
	claimCode  string
	deviceName string
	platform   string
	prologue   []byte

	ephPrivate   [crypto.KeySize]byte
	ephPublic    [crypto.KeySize]byte
	staticPublic [crypto.KeySize]byte
	sessionKey   [crypto.KeySize]byte
	keyed        bool
}

// NewPairingClient prepares a pairing attempt. staticPublic is the
// long-lived device identity key; its private half stays with the
// caller.
func NewPairingClient(claimCode, deviceName, platform string, staticPublic [crypto.KeySize]byte, prologue []byte) (*PairingClient, error) {
	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &PairingClient{
		claimCode:    claimCode,
		deviceName:   deviceName,
		platform:     platform,
		prologue:     prologue,
		ephPrivate:   priv,
		ephPublic:    pub,
		staticPublic: staticPublic,
	}, nil
}

// Init produces the opening pair_init message.
func (c *PairingClient) Init() ([]byte, error) {
	return marshalMessage(pairInit{
		Type:         typePairInit,
		ClaimCode:    c.claimCode,
		EphemeralKey: encodeKey(c.ephPublic),
	})
}

// HandleChallenge derives the transient key from the server's ephemeral
// key and answers with the sealed static identity.
func (c *PairingClient) HandleChallenge(raw []byte) ([]byte, error) {
	var msg pairChallenge
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse pair_challenge: %w", err)
	}
	serverEph, err := decodeKey(msg.EphemeralKey)
	if err != nil {
		return nil, err
	}

	shared, err := crypto.ComputeECDH(c.ephPrivate, serverEph)
	if err != nil {
		return nil, err
	}
	c.sessionKey = crypto.DeriveSessionKey(shared, c.prologue, c.ephPublic, serverEph)
	crypto.ZeroKey(&shared)
	crypto.ZeroKey(&c.ephPrivate)
	c.keyed = true

	sealed, err := crypto.Seal(c.sessionKey, c.staticPublic[:], c.prologue)
	if err != nil {
		return nil, err
	}
	return marshalMessage(pairIdentity{
		Type:            typePairIdentity,
		SealedStaticKey: base64.StdEncoding.EncodeToString(sealed),
		DeviceName:      c.deviceName,
		Platform:        c.platform,
	})
}

// HandleComplete parses the final server message.
func (c *PairingClient) HandleComplete(raw []byte) (*PairingResult, error) {
	var msg pairComplete
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse pair_complete: %w", err)
	}
	if msg.Type != typePairComplete {
		return nil, fmt.Errorf("%w: %q", ErrHandshakeState, msg.Type)
	}
	return &PairingResult{
		DeviceID:        msg.DeviceID,
		DeviceToken:     msg.DeviceToken,
		AccessToken:     msg.AccessToken,
		MediaToken:      msg.MediaToken,
		Fingerprint:     msg.Fingerprint,
		DirectAddresses: msg.DirectAddresses,
	}, nil
}

// SessionKey returns the derived key once the challenge was handled.
func (c *PairingClient) SessionKey() ([crypto.KeySize]byte, bool) {
	return c.sessionKey, c.keyed
}

// ReconnectResult carries the refreshed credentials after an
// authenticated reconnection.
type ReconnectResult struct {
	DeviceID    string
	DeviceToken string
	AccessToken string
	MediaToken  string
}

// ReconnectClient is the initiator side of the authenticated
// reconnection flow. It proves device identity implicitly: only the
// holder of the static private key can derive the session key and read
// the sealed token payload.
type ReconnectClient struct {
	staticPrivate [crypto.KeySize]byte
	staticPublic  [crypto.KeySize]byte
	prologue      []byte
	sessionKey    [crypto.KeySize]byte
	keyed         bool
}

func NewReconnectClient(staticPrivate [crypto.KeySize]byte, prologue []byte) *ReconnectClient {
	return &ReconnectClient{
		staticPrivate: staticPrivate,
		staticPublic:  crypto.PublicKey(staticPrivate),
		prologue:      prologue,
	}
}

// Init produces the opening reconnect_init message.
func (c *ReconnectClient) Init() ([]byte, error) {
	return marshalMessage(reconnectInit{
		Type:      typeReconnectInit,
		StaticKey: encodeKey(c.staticPublic),
	})
}

// HandleComplete derives the session key from the server's ephemeral
// key and unseals the refreshed tokens.
func (c *ReconnectClient) HandleComplete(raw []byte) (*ReconnectResult, error) {
	var msg reconnectComplete
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse reconnect_complete: %w", err)
	}
	if msg.Type != typeReconnectComplete {
		return nil, fmt.Errorf("%w: %q", ErrHandshakeState, msg.Type)
	}
	serverEph, err := decodeKey(msg.EphemeralKey)
	if err != nil {
		return nil, err
	}

	shared, err := crypto.ComputeECDH(c.staticPrivate, serverEph)
	if err != nil {
		return nil, err
	}
	c.sessionKey = crypto.DeriveSessionKey(shared, c.prologue, c.staticPublic, serverEph)
	crypto.ZeroKey(&shared)
	c.keyed = true

	sealed, err := base64.StdEncoding.DecodeString(msg.SealedTokens)
	if err != nil {
		return nil, fmt.Errorf("decode sealed tokens: %w", err)
	}
	tokensJSON, err := crypto.Open(c.sessionKey, sealed, c.prologue)
	if err != nil {
		return nil, err
	}

	var tokens sealedTokens
	if err := json.Unmarshal(tokensJSON, &tokens); err != nil {
		return nil, fmt.Errorf("parse sealed tokens: %w", err)
	}
	return &ReconnectResult{
		DeviceID:    tokens.DeviceID,
		DeviceToken: tokens.DeviceToken,
		AccessToken: tokens.AccessToken,
		MediaToken:  tokens.MediaToken,
	}, nil
}

// SessionKey returns the derived key once the completion was handled.
func (c *ReconnectClient) SessionKey() ([crypto.KeySize]byte, bool) {
	return c.sessionKey, c.keyed
}
