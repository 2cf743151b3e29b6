package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// authTTL is how far in the future request signatures expire.
const authTTL = 60 * time.Second

// Auth signs exchange requests with the account's API key pair. A request
// signature is HMAC-SHA256(secret, verb + path + expires + body) where path
// includes the query string.
type Auth struct {
	key    string
	secret string

	// now is swapped out by tests to pin the expires timestamp.
	now func() time.Time
}

// NewAuth creates a signer for the given key pair.
func NewAuth(key, secret string) *Auth {
	return &Auth{key: key, secret: secret, now: time.Now}
}

// Sign computes the hex signature over the canonical request string.
func (a *Auth) Sign(verb, path string, expires int64, body string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	fmt.Fprintf(mac, "%s%s%d%s", verb, path, expires, body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers returns the authentication headers for a REST request.
func (a *Auth) Headers(verb, path, body string) map[string]string {
	expires := a.now().Add(authTTL).Unix()
	return map[string]string{
		"api-expires":   fmt.Sprintf("%d", expires),
		"api-key":       a.key,
		"api-signature": a.Sign(verb, path, expires, body),
	}
}

// WSAuthArgs returns the arguments of the authKeyExpires WebSocket command.
func (a *Auth) WSAuthArgs() []any {
	expires := a.now().Add(authTTL).Unix()
	return []any{a.key, expires, a.Sign("GET", "/realtime", expires, "")}
}
