package device

import (
	"context"
	"sync"
	"time"

	"github.com/dwongdev/mydia-relay/internal/crypto"
)

// MemoryStore keeps devices in process memory. Used in tests and in
// single-node deployments that do not run Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Device
	byKey   map[[crypto.KeySize]byte]string
	byOwner map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Device),
		byKey:   make(map[[crypto.KeySize]byte]string),
		byOwner: make(map[string][]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[d.PublicKey]; ok {
		if existing := s.byID[id]; existing != nil && !existing.Revoked() {
			return ErrDeviceExists
		}
	}

	cp := *d
	s.byID[d.ID] = &cp
	s.byKey[d.PublicKey] = d.ID
	s.byOwner[d.OwnerID] = append(s.byOwner[d.OwnerID], d.ID)
	return nil
}

func (s *MemoryStore) FindByPublicKey(ctx context.Context, publicKey [crypto.KeySize]byte) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[publicKey]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return s.activeLocked(id)
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(id)
}

// activeLocked treats revoked devices exactly like missing ones.
func (s *MemoryStore) activeLocked(id string) (*Device, error) {
	d, ok := s.byID[id]
	if !ok || d.Revoked() {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok || d.Revoked() {
		return ErrDeviceNotFound
	}
	d.LastSeenAt = at
	return nil
}

func (s *MemoryStore) UpdateAuthToken(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok || d.Revoked() {
		return ErrDeviceNotFound
	}
	d.AuthToken = token
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return ErrDeviceNotFound
	}
	if d.Revoked() {
		return nil
	}
	d.RevokedAt = at
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byOwner[ownerID]
	out := make([]*Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.byID[id]; ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
