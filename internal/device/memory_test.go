package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwongdev/mydia-relay/internal/crypto"
)

func testDevice(id string, keyByte byte) *Device {
	var key [crypto.KeySize]byte
	key[0] = keyByte
	return &Device{
		ID:          id,
		DisplayName: "Living Room TV",
		Platform:    "tvos",
		PublicKey:   key,
		AuthToken:   "tok-" + id,
		OwnerID:     "owner-1",
		CreatedAt:   time.Now(),
	}
}

func TestMemoryStoreCreateAndFind(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := testDevice("dev-1", 0xAA)
	require.NoError(t, s.Create(ctx, d))

	byKey, err := s.FindByPublicKey(ctx, d.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", byKey.ID)

	byID, err := s.FindByID(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, d.PublicKey, byID.PublicKey)
}

func TestMemoryStoreDuplicateKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testDevice("dev-1", 0xAA)))
	err := s.Create(ctx, testDevice("dev-2", 0xAA))
	assert.ErrorIs(t, err, ErrDeviceExists)
}

func TestRevokedLooksLikeMissing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := testDevice("dev-1", 0xAA)
	require.NoError(t, s.Create(ctx, d))
	require.NoError(t, s.Revoke(ctx, "dev-1", time.Now()))

	var neverPaired [crypto.KeySize]byte
	neverPaired[0] = 0xBB

	_, errRevoked := s.FindByPublicKey(ctx, d.PublicKey)
	_, errUnknown := s.FindByPublicKey(ctx, neverPaired)

	// A caller with stolen key material must learn nothing: both paths
	// return the identical error value.
	assert.ErrorIs(t, errRevoked, ErrDeviceNotFound)
	assert.Equal(t, errUnknown, errRevoked)

	_, err := s.FindByID(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	assert.ErrorIs(t, s.UpdateLastSeen(ctx, "dev-1", time.Now()), ErrDeviceNotFound)
	assert.ErrorIs(t, s.UpdateAuthToken(ctx, "dev-1", "new"), ErrDeviceNotFound)
}

func TestRevokeIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testDevice("dev-1", 0xAA)))
	require.NoError(t, s.Revoke(ctx, "dev-1", time.Now()))
	require.NoError(t, s.Revoke(ctx, "dev-1", time.Now()))

	assert.ErrorIs(t, s.Revoke(ctx, "dev-404", time.Now()), ErrDeviceNotFound)
}

func TestRepairAfterRevocation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testDevice("dev-1", 0xAA)))
	require.NoError(t, s.Revoke(ctx, "dev-1", time.Now()))

	// Same key pairs again under a fresh identity.
	require.NoError(t, s.Create(ctx, testDevice("dev-2", 0xAA)))

	found, err := s.FindByPublicKey(ctx, testDevice("", 0xAA).PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "dev-2", found.ID)
}

func TestUpdateLastSeenAndToken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testDevice("dev-1", 0xAA)))

	seen := time.Now().Add(time.Hour)
	require.NoError(t, s.UpdateLastSeen(ctx, "dev-1", seen))
	require.NoError(t, s.UpdateAuthToken(ctx, "dev-1", "rotated"))

	d, err := s.FindByID(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, d.LastSeenAt.Equal(seen))
	assert.Equal(t, "rotated", d.AuthToken)
}

func TestListByOwnerIncludesRevoked(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testDevice("dev-1", 0xAA)))
	require.NoError(t, s.Create(ctx, testDevice("dev-2", 0xBB)))
	require.NoError(t, s.Revoke(ctx, "dev-1", time.Now()))

	list, err := s.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	revoked := 0
	for _, d := range list {
		if d.Revoked() {
			revoked++
		}
	}
	assert.Equal(t, 1, revoked)
}
