package keyex

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/dwongdev/mydia-relay/internal/crypto"
)

// Handshake message types. Messages travel as plaintext JSON inside the
// relay channel before the session is established; the ephemeral DH
// values they carry are public by construction, and the one secret (the
// device static key during pairing) is sealed under the transient key.
const (
	typePairInit      = "pair_init"
	typePairChallenge = "pair_challenge"
	typePairIdentity  = "pair_identity"
	typePairComplete  = "pair_complete"

	typeReconnectInit     = "reconnect_init"
	typeReconnectComplete = "reconnect_complete"

	typeHandshakeError = "handshake_error"
)

type pairInit struct {
	Type         string `json:"type"`
	ClaimCode    string `json:"claim_code"`
	EphemeralKey string `json:"ephemeral_key"`
}

type pairChallenge struct {
	Type         string `json:"type"`
	EphemeralKey string `json:"ephemeral_key"`
}

type pairIdentity struct {
	Type string `json:"type"`
	// SealedStaticKey is the device's static public key encrypted
	// under the transient key so the relay never sees it in the clear.
	SealedStaticKey string `json:"sealed_static_key"`
	DeviceName      string `json:"device_name"`
	Platform        string `json:"platform"`
}

type pairComplete struct {
	Type            string   `json:"type"`
	DeviceID        string   `json:"device_id"`
	DeviceToken     string   `json:"device_token"`
	AccessToken     string   `json:"access_token"`
	MediaToken      string   `json:"media_token"`
	Fingerprint     string   `json:"cert_fingerprint,omitempty"`
	DirectAddresses []string `json:"direct_addresses,omitempty"`
}

type reconnectInit struct {
	Type      string `json:"type"`
	StaticKey string `json:"static_key"`
}

// reconnectComplete carries the server ephemeral key in the clear and
// the refreshed tokens sealed under the newly derived session key, so
// receiving them proves possession of the device static private key.
type reconnectComplete struct {
	Type         string `json:"type"`
	EphemeralKey string `json:"ephemeral_key"`
	SealedTokens string `json:"sealed_tokens"`
}

type sealedTokens struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
	AccessToken string `json:"access_token"`
	MediaToken  string `json:"media_token"`
}

type handshakeError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type typedMessage struct {
	Type string `json:"type"`
}

func encodeKey(key [crypto.KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func decodeKey(s string) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != crypto.KeySize {
		return key, ErrInvalidKey
	}
	copy(key[:], raw)
	return key, nil
}

func marshalMessage(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode handshake message: %w", err)
	}
	return out, nil
}

// ErrorReply renders a handshake error message for the peer. Reasons
// are coarse on purpose; detail stays in server logs.
func ErrorReply(reason string) []byte {
	out, _ := json.Marshal(handshakeError{Type: typeHandshakeError, Reason: reason})
	return out
}
