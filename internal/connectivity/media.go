package connectivity

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MediaCredential is a time-limited username/password pair in TURN REST
// form: the relay verifies the password by recomputing the HMAC from
// the shared secret, so no credential state is stored anywhere.
type MediaCredential struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

// NewMediaCredential mints a credential for id valid for ttl. The
// username is "{unix_expiry}:{id}", the password
// base64(HMAC-SHA1(secret, username)).
func NewMediaCredential(secret []byte, id string, ttl time.Duration, now time.Time) MediaCredential {
	expiry := now.Add(ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, id)

	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))

	return MediaCredential{
		Username:  username,
		Password:  base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt: time.Unix(expiry, 0),
	}
}

// VerifyMediaCredential checks the HMAC and expiry of a presented
// credential.
func VerifyMediaCredential(secret []byte, username, password string, now time.Time) bool {
	expiryStr, _, ok := strings.Cut(username, ":")
	if !ok {
		return false
	}
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil || now.Unix() >= expiry {
		return false
	}

	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(password))
}
