// Package tunnel multiplexes encrypted request/response traffic between
// a relay session and the local API. One actor owns each session.
package tunnel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/dwongdev/mydia-relay/internal/crypto"
	"github.com/dwongdev/mydia-relay/internal/localapi"
	"github.com/dwongdev/mydia-relay/internal/protocol"
	"github.com/dwongdev/mydia-relay/internal/session"
)

// Frame directions. Every ciphertext is bound to its session and
// direction, so a client-to-server frame can never be reflected back as
// a server-to-client frame.
const (
	DirectionToServer = "to-server"
	DirectionToClient = "to-client"
)

// Body encodings inside JSON envelopes.
const (
	BodyEncodingRaw    = "raw"
	BodyEncodingBase64 = "base64"
)

// directionAAD is the session/direction binding authenticated alongside
// the frame header.
func directionAAD(sessionID, direction string) []byte {
	return []byte(sessionID + ":" + direction)
}

// SealFrame encrypts a payload into the wire form used once a session is
// established: the transport session assigns a monotonic counter and
// seals the payload with the frame header plus the session/direction
// binding as additional data, and the encoded frame travels as base64.
func SealFrame(s *session.Session, direction string, flags uint8, payload []byte) (string, error) {
	f, err := s.Seal(protocol.ChannelData, flags, directionAAD(s.ID(), direction), payload)
	if err != nil {
		return "", err
	}
	wire, err := f.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wire), nil
}

// OpenFrame decrypts a wire frame through the transport session and
// returns the payload and the frame's flags. Tampering, a wrong key, a
// wrong direction and a replayed counter all fail with
// crypto.ErrDecryptionFailed.
func OpenFrame(s *session.Session, direction, frame string) ([]byte, uint8, error) {
	wire, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, 0, crypto.ErrInvalidCiphertext
	}
	f, err := protocol.Decode(wire)
	if err != nil {
		return nil, 0, fmt.Errorf("decode frame: %w", err)
	}
	payload, err := s.Open(f, directionAAD(s.ID(), direction))
	if err != nil {
		return nil, 0, err
	}
	return payload, f.Flags, nil
}

// RequestEnvelope is the decrypted JSON describing one proxied request.
type RequestEnvelope struct {
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
}

// ResponseEnvelope mirrors the local API's answer outward.
type ResponseEnvelope struct {
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
}

// encodeBody picks the envelope representation for a body: raw for
// valid UTF-8 text, base64 for everything else. Empty bodies stay
// empty.
func encodeBody(body []byte) (string, string) {
	if len(body) == 0 {
		return "", BodyEncodingRaw
	}
	if utf8.Valid(body) {
		return string(body), BodyEncodingRaw
	}
	return base64.StdEncoding.EncodeToString(body), BodyEncodingBase64
}

// decodeBody reverses encodeBody. An untagged body is treated as raw,
// which keeps envelopes from older clients working.
func decodeBody(body, encoding string) ([]byte, error) {
	switch encoding {
	case "", BodyEncodingRaw:
		if body == "" {
			return nil, nil
		}
		return []byte(body), nil
	case BodyEncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("decode body: unknown encoding %q", encoding)
	}
}

// DecodeRequest parses a decrypted payload into a local API request.
func DecodeRequest(payload []byte) (*localapi.Request, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode request envelope: %w", err)
	}
	body, err := decodeBody(env.Body, env.BodyEncoding)
	if err != nil {
		return nil, err
	}
	return &localapi.Request{
		Method:  env.Method,
		Path:    env.Path,
		Headers: env.Headers,
		Body:    body,
	}, nil
}

// EncodeRequest renders a request into envelope JSON. Used by client
// implementations and tests.
func EncodeRequest(req *localapi.Request) ([]byte, error) {
	body, encoding := encodeBody(req.Body)
	out, err := json.Marshal(RequestEnvelope{
		Method:       req.Method,
		Path:         req.Path,
		Headers:      req.Headers,
		Body:         body,
		BodyEncoding: encoding,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request envelope: %w", err)
	}
	return out, nil
}

// EncodeResponse renders a local API response into envelope JSON.
func EncodeResponse(resp *localapi.Response) ([]byte, error) {
	body, encoding := encodeBody(resp.Body)
	out, err := json.Marshal(ResponseEnvelope{
		Status:       resp.Status,
		Headers:      resp.Headers,
		Body:         body,
		BodyEncoding: encoding,
	})
	if err != nil {
		return nil, fmt.Errorf("encode response envelope: %w", err)
	}
	return out, nil
}

// DecodeResponse parses envelope JSON back into a response.
func DecodeResponse(payload []byte) (*localapi.Response, error) {
	var env ResponseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	body, err := decodeBody(env.Body, env.BodyEncoding)
	if err != nil {
		return nil, err
	}
	return &localapi.Response{
		Status:  env.Status,
		Headers: env.Headers,
		Body:    body,
	}, nil
}
