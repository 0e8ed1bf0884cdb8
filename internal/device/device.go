// Package device holds the registry of paired devices. Each device is a
// remote client that completed a pairing handshake: it is identified by
// its static X25519 public key and carries the tokens issued at pairing
// time. Revoked devices stay on record but are invisible to lookups.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/dwongdev/mydia-relay/internal/crypto"
)

// ErrDeviceNotFound is returned when a device does not exist. Lookups
// against revoked devices return this same error so a caller probing
// with stolen key material cannot distinguish "never paired" from
// "revoked".
var ErrDeviceNotFound = errors.New("device: not found")

// ErrDeviceExists is returned when registering a public key that is
// already bound to an active device.
var ErrDeviceExists = errors.New("device: already registered")

// Device is one paired client.
type Device struct {
	ID          string
	DisplayName string
	Platform    string
	PublicKey   [crypto.KeySize]byte
	AuthToken   string
	OwnerID     string
	CreatedAt   time.Time
	LastSeenAt  time.Time
	RevokedAt   time.Time
}

// Revoked reports whether the device has been revoked.
func (d *Device) Revoked() bool {
	return !d.RevokedAt.IsZero()
}

// Store persists paired devices.
type Store interface {
	// Create registers a new device. The device ID must be set by the
	// caller. Returns ErrDeviceExists when the public key already
	// belongs to an active device.
	Create(ctx context.Context, d *Device) error

	// FindByPublicKey resolves an active device by its static public
	// key. Revoked and unknown devices both yield ErrDeviceNotFound.
	FindByPublicKey(ctx context.Context, publicKey [crypto.KeySize]byte) (*Device, error)

	// FindByID resolves an active device by ID. Revoked and unknown
	// devices both yield ErrDeviceNotFound.
	FindByID(ctx context.Context, id string) (*Device, error)

	// UpdateLastSeen stamps the device's last successful handshake.
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error

	// UpdateAuthToken replaces the device's issued token.
	UpdateAuthToken(ctx context.Context, id, token string) error

	// Revoke marks the device revoked. Idempotent for already revoked
	// devices; unknown IDs yield ErrDeviceNotFound.
	Revoke(ctx context.Context, id string, at time.Time) error

	// ListByOwner returns all devices for an owner, revoked included,
	// so an owner can audit and un-pair from the management surface.
	ListByOwner(ctx context.Context, ownerID string) ([]*Device, error)
}
