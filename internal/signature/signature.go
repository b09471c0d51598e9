// Package signature verifies webhook payload signatures against a rotating
// list of shared secrets, oldest first, so secrets can be rotated without
// dropping in-flight deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the hex HMAC-SHA256 digest of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether provided matches the digest of body under any of the
// configured secrets. Comparison is constant time per candidate.
func Verify(body []byte, provided string, secrets []string) bool {
	raw, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(raw, mac.Sum(nil)) {
			return true
		}
	}
	return false
}
