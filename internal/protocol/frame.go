// Package protocol defines the authenticated transport wire format.
//
// Every post-handshake message is a frame:
//
//	Version [1 byte]  - Protocol version
//	Channel [1 byte]  - Logical channel
//	Flags   [1 byte]  - Frame flags
//	Counter [8 bytes] - Monotonic counter (big-endian)
//	Payload [...]     - AEAD ciphertext (nonce || ciphertext || tag)
//
// The 11 header bytes double as the additional authenticated data for the
// payload, so header tampering fails the same integrity check as payload
// tampering.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Version is the current protocol version.
	Version = 1

	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 1 + 1 + 1 + 8

	// MaxPayloadSize is the maximum AEAD payload size per frame.
	MaxPayloadSize = 16 * 1024 * 1024
)

// Logical channels.
const (
	// ChannelControl carries session control messages.
	ChannelControl uint8 = 0x00

	// ChannelData carries application request/response envelopes.
	ChannelData uint8 = 0x01

	// ChannelMedia carries media chunks.
	ChannelMedia uint8 = 0x02
)

// Frame flags.
const (
	// FlagRekeyNeeded signals that the sender's counters are approaching
	// the rekey ceiling and the session should be renegotiated.
	FlagRekeyNeeded uint8 = 0x01
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrVersionMismatch is returned for frames with an unknown version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Frame represents a wire protocol frame.
type Frame struct {
	Version uint8
	Channel uint8
	Flags   uint8
	Counter uint64
	Payload []byte
}

// Header returns the 11 header bytes. These are the additional
// authenticated data for the frame payload.
func (f *Frame) Header() [HeaderSize]byte {
	var h [HeaderSize]byte
	h[0] = f.Version
	h[1] = f.Channel
	h[2] = f.Flags
	binary.BigEndian.PutUint64(h[3:11], f.Counter)
	return h
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	h := f.Header()
	copy(buf, h[:])
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// Decode deserializes a frame from bytes. The payload is copied.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	f := &Frame{
		Version: buf[0],
		Channel: buf[1],
		Flags:   buf[2],
		Counter: binary.BigEndian.Uint64(buf[3:11]),
	}

	if f.Version != Version {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrVersionMismatch, f.Version, Version)
	}

	if len(buf)-HeaderSize > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	f.Payload = make([]byte, len(buf)-HeaderSize)
	copy(f.Payload, buf[HeaderSize:])

	return f, nil
}

// String returns a debug representation of the frame. The payload is
// never included.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Version=%d, Channel=0x%02x, Flags=0x%02x, Counter=%d, PayloadLen=%d}",
		f.Version, f.Channel, f.Flags, f.Counter, len(f.Payload))
}
