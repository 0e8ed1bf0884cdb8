package claim

import (
	"context"
	"sync"
	"time"
)

// Store is the pluggable backing store for claims. Implementations must
// make Lock and Consume atomic: two concurrent callers for the same code
// see exactly one success.
type Store interface {
	// Put registers a new claim. Fails with ErrCodeExists if the code is
	// already present.
	Put(ctx context.Context, c *Claim) error

	// Get returns the claim for a canonical code, or ErrNotFound.
	Get(ctx context.Context, code string) (*Claim, error)

	// Lock atomically transitions a valid claim to locked. A second
	// locker receives ErrLocked; expired and consumed claims fail with
	// their respective errors.
	Lock(ctx context.Context, code string, now time.Time) (*Claim, error)

	// Consume atomically transitions a valid or locked claim to consumed,
	// recording the consuming device.
	Consume(ctx context.Context, code, deviceID string, now time.Time) (*Claim, error)

	// Cleanup removes claims whose expiry is older than the cutoff and
	// returns the number removed. Consumed claims past the cutoff are
	// removed as well.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is an in-process Store backed by a mutex-guarded map. The
// single lock gives Lock/Consume their required atomicity.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]*Claim
}

// NewMemoryStore creates an empty in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims: make(map[string]*Claim),
	}
}

// Put registers a new claim.
func (s *MemoryStore) Put(ctx context.Context, c *Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claims[c.Code]; ok {
		return ErrCodeExists
	}
	s.claims[c.Code] = c.clone()
	return nil
}

// Get returns the claim for a code.
func (s *MemoryStore) Get(ctx context.Context, code string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[code]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

// Lock atomically transitions a valid claim to locked.
func (s *MemoryStore) Lock(ctx context.Context, code string, now time.Time) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[code]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkRedeemable(c, now); err != nil {
		return nil, err
	}
	if c.State == StateLocked {
		return nil, ErrLocked
	}

	c.State = StateLocked
	c.LockedAt = now
	return c.clone(), nil
}

// Consume atomically transitions a claim to consumed.
func (s *MemoryStore) Consume(ctx context.Context, code, deviceID string, now time.Time) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[code]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkRedeemable(c, now); err != nil {
		return nil, err
	}

	c.State = StateConsumed
	c.ConsumedAt = now
	c.ConsumingDeviceID = deviceID
	return c.clone(), nil
}

// Cleanup removes claims expired before the cutoff.
func (s *MemoryStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, c := range s.claims {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.claims, code)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored claims.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

// checkRedeemable maps a claim's state to the terminal errors shared by
// Lock and Consume. Consumed wins over expired so a late second redemption
// sees AlreadyConsumed, not Expired.
func checkRedeemable(c *Claim, now time.Time) error {
	if c.State == StateConsumed {
		return ErrAlreadyConsumed
	}
	if c.State == StateExpired || c.Expired(now) {
		c.State = StateExpired
		return ErrExpired
	}
	return nil
}
