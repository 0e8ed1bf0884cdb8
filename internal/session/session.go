// Package session implements the authenticated transport session used for
// all post-handshake traffic. A session owns a symmetric key derived by the
// key exchange engine, a transmit counter, and per-channel receive counters
// used for replay rejection.
package session

import (
	"fmt"
	"sync"

	"github.com/dwongdev/mydia-relay/internal/crypto"
	"github.com/dwongdev/mydia-relay/internal/protocol"
)

// DefaultRekeyThreshold is the counter value at which a session starts
// signaling that it needs to be renegotiated. Far below the uint64 ceiling
// so there is ample room to rotate before exhaustion.
const DefaultRekeyThreshold = uint64(1) << 62

// Config configures a transport session.
type Config struct {
	// SessionID identifies the session. It is bound into every frame's
	// additional data through the direction string.
	SessionID string

	// Key is the 32-byte session key from the handshake.
	Key [crypto.KeySize]byte

	// RekeyThreshold is the counter value that raises the rekey-needed
	// signal. Zero selects DefaultRekeyThreshold.
	RekeyThreshold uint64
}

// Session is an authenticated transport session. It is safe for
// concurrent use.
type Session struct {
	id        string
	key       [crypto.KeySize]byte
	threshold uint64

	mu         sync.Mutex
	txCounter  uint64
	rxCounters map[uint8]uint64 // channel -> highest accepted counter
	rxStarted  map[uint8]bool   // channel has accepted at least one frame
	closed     bool
}

// New creates a transport session from a handshake-derived key.
func New(cfg Config) *Session {
	threshold := cfg.RekeyThreshold
	if threshold == 0 {
		threshold = DefaultRekeyThreshold
	}
	return &Session{
		id:         cfg.SessionID,
		key:        cfg.Key,
		threshold:  threshold,
		rxCounters: make(map[uint8]uint64),
		rxStarted:  make(map[uint8]bool),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// frameAAD concatenates the 11 header bytes with the caller's binding
// into the additional authenticated data for one frame.
func frameAAD(f *protocol.Frame, binding []byte) []byte {
	header := f.Header()
	aad := make([]byte, 0, len(header)+len(binding))
	aad = append(aad, header[:]...)
	return append(aad, binding...)
}

// Seal encrypts plaintext into a frame on the given channel. The frame
// header, including the assigned monotonic counter, plus the caller's
// binding bytes are authenticated as additional data; the tunnel layer
// passes its session/direction string as the binding. If the transmit
// direction needs rekeying the frame carries FlagRekeyNeeded.
func (s *Session) Seal(channel, flags uint8, binding, plaintext []byte) (*protocol.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s is closed", s.id)
	}
	s.txCounter++
	counter := s.txCounter
	if counter >= s.threshold {
		flags |= protocol.FlagRekeyNeeded
	}
	s.mu.Unlock()

	f := &protocol.Frame{
		Version: protocol.Version,
		Channel: channel,
		Flags:   flags,
		Counter: counter,
	}

	payload, err := crypto.Seal(s.key, plaintext, frameAAD(f, binding))
	if err != nil {
		return nil, fmt.Errorf("seal frame: %w", err)
	}
	f.Payload = payload

	return f, nil
}

// Open authenticates and decrypts a received frame; binding must match the
// bytes the peer sealed with. Frames whose counter is not strictly greater
// than the highest accepted counter for their channel are rejected.
// Replayed frames and frames with a bad authentication tag fail with the
// same error value so neither outcome leaks which check tripped.
func (s *Session) Open(f *protocol.Frame, binding []byte) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s is closed", s.id)
	}
	if s.rxStarted[f.Channel] && f.Counter <= s.rxCounters[f.Channel] {
		s.mu.Unlock()
		return nil, crypto.ErrDecryptionFailed
	}
	s.mu.Unlock()

	plaintext, err := crypto.Open(s.key, f.Payload, frameAAD(f, binding))
	if err != nil {
		return nil, crypto.ErrDecryptionFailed
	}

	// Only advance the counter after authentication: a forged frame with a
	// high counter must not block legitimate traffic.
	s.mu.Lock()
	if !s.rxStarted[f.Channel] || f.Counter > s.rxCounters[f.Channel] {
		s.rxCounters[f.Channel] = f.Counter
		s.rxStarted[f.Channel] = true
	} else {
		// Lost the race with a concurrent Open for the same counter.
		s.mu.Unlock()
		return nil, crypto.ErrDecryptionFailed
	}
	s.mu.Unlock()

	return plaintext, nil
}

// NeedsRekey reports whether either direction has crossed the rekey
// threshold. Transmit and receive are checked independently.
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txCounter >= s.threshold {
		return true
	}
	for _, c := range s.rxCounters {
		if c >= s.threshold {
			return true
		}
	}
	return false
}

// Counters returns the current transmit counter and a copy of the receive
// counters per channel, for diagnostics.
func (s *Session) Counters() (tx uint64, rx map[uint8]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rx = make(map[uint8]uint64, len(s.rxCounters))
	for ch, c := range s.rxCounters {
		rx[ch] = c
	}
	return s.txCounter, rx
}

// Close destroys the session key and marks the session unusable.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	crypto.ZeroKey(&s.key)
}
