package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/dwongdev/mydia-relay/internal/logging"
	"github.com/dwongdev/mydia-relay/internal/metrics"
)

const (
	// DefaultTTL is the lifetime of a claim code.
	DefaultTTL = 300 * time.Second

	// DefaultRetentionGrace keeps expired claims around after TTL so
	// recent redemption attempts stay auditable before the sweep.
	DefaultRetentionGrace = 15 * time.Minute

	// redemption attempts per second across all codes, with burst. A
	// claim code has 31^6 variants; this keeps brute forcing far below
	// the code space within any plausible TTL.
	defaultRedeemRate  = rate.Limit(5)
	defaultRedeemBurst = 10
)

// RegistryConfig configures a claim registry.
type RegistryConfig struct {
	// TTL for created claims when the caller passes zero.
	TTL time.Duration

	// RetentionGrace added to TTL before the sweeper deletes a claim.
	RetentionGrace time.Duration

	// RedeemRate and RedeemBurst bound redemption attempts. Zero values
	// select the defaults.
	RedeemRate  rate.Limit
	RedeemBurst int
}

// Registry is the claim code lifecycle front end: code generation and
// normalization, redemption rate limiting, and abuse logging on top of a
// pluggable Store.
type Registry struct {
	store   Store
	log     *slog.Logger
	met     *metrics.Metrics
	ttl     time.Duration
	grace   time.Duration
	limiter *rate.Limiter

	// now is swappable for tests.
	now func() time.Time
}

// NewRegistry creates a claim registry over the given store.
func NewRegistry(store Store, logger *slog.Logger, met *metrics.Metrics, cfg RegistryConfig) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetentionGrace <= 0 {
		cfg.RetentionGrace = DefaultRetentionGrace
	}
	if cfg.RedeemRate == 0 {
		cfg.RedeemRate = defaultRedeemRate
	}
	if cfg.RedeemBurst == 0 {
		cfg.RedeemBurst = defaultRedeemBurst
	}

	return &Registry{
		store:   store,
		log:     logger.With(logging.KeyComponent, "claims"),
		met:     met,
		ttl:     cfg.TTL,
		grace:   cfg.RetentionGrace,
		limiter: rate.NewLimiter(cfg.RedeemRate, cfg.RedeemBurst),
		now:     time.Now,
	}
}

// Create issues a new claim for an owner. When code is empty a fresh code
// is generated; a caller-supplied code is used verbatim (codes are
// generated internally, so no normalization happens here). When ttl is
// zero the registry default applies.
func (r *Registry) Create(ctx context.Context, ownerID string, payload []byte, ttl time.Duration, code string) (*Claim, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}

	if code == "" {
		generated, err := GenerateCode(0)
		if err != nil {
			return nil, err
		}
		code = generated
	}

	now := r.now()
	c := &Claim{
		Code:      code,
		OwnerID:   ownerID,
		Payload:   payload,
		State:     StateValid,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := r.store.Put(ctx, c); err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}

	if r.met != nil {
		r.met.ClaimsCreated.Inc()
	}
	r.log.Info("claim created",
		logging.KeyCodePrefix, LogPrefix(code),
		logging.KeyOwnerID, ownerID,
		"ttl", ttl)

	return c, nil
}

// Lookup resolves a caller-supplied code. The code is normalized before
// matching. Expired claims surface ErrExpired, consumed ones
// ErrAlreadyConsumed.
func (r *Registry) Lookup(ctx context.Context, code string) (*Claim, error) {
	code = Normalize(code)
	if err := r.allowAttempt(code, "lookup"); err != nil {
		return nil, err
	}

	c, err := r.store.Get(ctx, code)
	if err != nil {
		r.observe(code, "lookup", err)
		return nil, err
	}
	if c.State == StateConsumed {
		r.observe(code, "lookup", ErrAlreadyConsumed)
		return nil, ErrAlreadyConsumed
	}
	if c.Expired(r.now()) {
		r.observe(code, "lookup", ErrExpired)
		return nil, ErrExpired
	}

	r.observe(code, "lookup", nil)
	return c, nil
}

// Lock takes the claim exclusively for one pairing attempt. Exactly one of
// two concurrent lockers succeeds; the other receives ErrLocked.
func (r *Registry) Lock(ctx context.Context, code string) (*Claim, error) {
	code = Normalize(code)
	if err := r.allowAttempt(code, "lock"); err != nil {
		return nil, err
	}

	c, err := r.store.Lock(ctx, code, r.now())
	r.observe(code, "lock", err)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Consume marks the claim as redeemed by deviceID.
func (r *Registry) Consume(ctx context.Context, code, deviceID string) (*Claim, error) {
	code = Normalize(code)
	if err := r.allowAttempt(code, "consume"); err != nil {
		return nil, err
	}

	c, err := r.store.Consume(ctx, code, deviceID, r.now())
	r.observe(code, "consume", err)
	if err != nil {
		return nil, err
	}

	if r.met != nil {
		r.met.ClaimsConsumed.Inc()
	}
	r.log.Info("claim consumed",
		logging.KeyCodePrefix, LogPrefix(code),
		logging.KeyDeviceID, deviceID)

	return c, nil
}

// Cleanup removes claims whose expiry plus the retention grace is past.
// Returns the number removed.
func (r *Registry) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = r.grace
	}

	removed, err := r.store.Cleanup(ctx, r.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("claim cleanup: %w", err)
	}

	if removed > 0 {
		if r.met != nil {
			r.met.ClaimsExpired.Add(float64(removed))
		}
		r.log.Debug("claim sweep", logging.KeyCount, removed)
	}
	if r.met != nil {
		r.met.ClaimSweepsTotal.Inc()
	}

	return removed, nil
}

// RunSweeper runs Cleanup on the given interval until the context ends.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Cleanup(ctx, 0); err != nil {
				r.log.Warn("claim sweep failed", logging.KeyError, err)
			}
		}
	}
}

// allowAttempt applies the redemption rate limit. Every attempt is logged
// with only a code prefix so abuse is visible without leaking codes.
func (r *Registry) allowAttempt(code, op string) error {
	if r.limiter.Allow() {
		return nil
	}
	r.log.Warn("redemption rate limit exceeded",
		logging.KeyCodePrefix, LogPrefix(code),
		"op", op)
	if r.met != nil {
		r.met.ClaimConflicts.WithLabelValues("rate_limited").Inc()
	}
	return ErrTooManyAttempts
}

// observe records an attempt's outcome to logs and metrics.
func (r *Registry) observe(code, op string, err error) {
	outcome := "ok"
	switch err {
	case nil:
	case ErrNotFound:
		outcome = "not_found"
	case ErrExpired:
		outcome = "expired"
	case ErrAlreadyConsumed:
		outcome = "consumed"
	case ErrLocked:
		outcome = "locked"
	default:
		outcome = "error"
	}

	if r.met != nil {
		r.met.ClaimLookups.WithLabelValues(outcome).Inc()
		if err == ErrLocked || err == ErrAlreadyConsumed {
			r.met.ClaimConflicts.WithLabelValues(outcome).Inc()
		}
	}

	r.log.Debug("claim attempt",
		logging.KeyCodePrefix, LogPrefix(code),
		"op", op,
		"outcome", outcome)
}

// SetClock overrides the registry's time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}
