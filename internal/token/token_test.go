package token

import (
	"testing"
	"time"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), 0, 0)

	signed, err := iss.SignAccess("dev-1", "owner-1")
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}

	claims, err := iss.Verify(signed, ScopeAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.DeviceID != "dev-1" || claims.OwnerID != "owner-1" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Scope != ScopeAccess {
		t.Errorf("scope = %q, want %q", claims.Scope, ScopeAccess)
	}
}

func TestScopeMismatchRejected(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), 0, 0)

	signed, err := iss.SignMedia("dev-1", "owner-1")
	if err != nil {
		t.Fatalf("SignMedia: %v", err)
	}

	if _, err := iss.Verify(signed, ScopeAccess); err != ErrUnauthorized {
		t.Errorf("media token accepted for access scope, err = %v", err)
	}
	if _, err := iss.Verify(signed, ScopeMedia); err != nil {
		t.Errorf("media token rejected for media scope: %v", err)
	}
}

func TestVerifyFailuresUniform(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), time.Hour, 0)
	other := NewIssuer([]byte("other-secret"), time.Hour, 0)

	signed, err := iss.SignAccess("dev-1", "owner-1")
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}

	// Wrong key, garbage and expiry must all yield the same error value.
	if _, err := other.Verify(signed, ScopeAccess); err != ErrUnauthorized {
		t.Errorf("wrong key: err = %v, want ErrUnauthorized", err)
	}
	if _, err := iss.Verify("not-a-token", ScopeAccess); err != ErrUnauthorized {
		t.Errorf("garbage: err = %v, want ErrUnauthorized", err)
	}

	iss.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	if _, err := iss.Verify(signed, ScopeAccess); err != ErrUnauthorized {
		t.Errorf("expired: err = %v, want ErrUnauthorized", err)
	}
}

func TestDeviceTokenShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		tok, err := NewDeviceToken()
		if err != nil {
			t.Fatalf("NewDeviceToken: %v", err)
		}
		// 32 bytes base64url without padding is 43 characters.
		if len(tok) != 43 {
			t.Fatalf("token length = %d, want 43", len(tok))
		}
		if seen[tok] {
			t.Fatal("duplicate device token")
		}
		seen[tok] = true
	}
}
