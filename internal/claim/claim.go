// Package claim implements the pairing claim registry: short human-readable
// codes that introduce a remote device to a server. A claim moves through a
// monotonic lifecycle (valid, locked, consumed, expired); no transition
// reverses.
package claim

import (
	"errors"
	"time"
)

// State is the lifecycle state of a claim.
type State string

const (
	// StateValid means the claim can still be redeemed.
	StateValid State = "valid"

	// StateLocked means one pairing attempt holds the claim exclusively.
	StateLocked State = "locked"

	// StateConsumed means the claim was redeemed by a device.
	StateConsumed State = "consumed"

	// StateExpired means the claim outlived its TTL unredeemed.
	StateExpired State = "expired"
)

var (
	// ErrNotFound is returned when no claim matches the code.
	ErrNotFound = errors.New("claim not found")

	// ErrExpired is returned when the claim outlived its TTL.
	ErrExpired = errors.New("claim expired")

	// ErrAlreadyConsumed is returned when the claim was already redeemed.
	ErrAlreadyConsumed = errors.New("claim already consumed")

	// ErrLocked is returned when another pairing attempt holds the claim.
	ErrLocked = errors.New("claim locked by another pairing attempt")

	// ErrCodeExists is returned when creating a claim under a code that is
	// already registered.
	ErrCodeExists = errors.New("claim code already exists")

	// ErrTooManyAttempts is returned when redemption attempts exceed the
	// registry's rate limit.
	ErrTooManyAttempts = errors.New("too many redemption attempts")
)

// Claim binds a pairing code to a server address payload for one owner.
type Claim struct {
	// Code is the normalized claim code.
	Code string

	// OwnerID is the account the pairing device will be bound to.
	OwnerID string

	// Payload is the opaque server address payload handed to the
	// redeeming client (candidate addresses, certificate fingerprint).
	Payload []byte

	// State is the current lifecycle state.
	State State

	CreatedAt time.Time
	ExpiresAt time.Time

	// LockedAt is set when a pairing attempt locks the claim.
	LockedAt time.Time

	// ConsumedAt and ConsumingDeviceID are set when the claim is redeemed.
	ConsumedAt        time.Time
	ConsumingDeviceID string
}

// Expired reports whether the claim's TTL has passed at the given time.
// Consumed claims never report expired; AlreadyConsumed wins.
func (c *Claim) Expired(now time.Time) bool {
	return c.State != StateConsumed && now.After(c.ExpiresAt)
}

// clone returns a copy so store internals never escape.
func (c *Claim) clone() *Claim {
	dup := *c
	dup.Payload = append([]byte(nil), c.Payload...)
	return &dup
}
