// Package signing computes and verifies HMAC-SHA256 signatures over the exact bytes of a
// webhook body. Signatures are payload-only so every retry of a delivery carries the same
// value, which receivers can use as a dedup key.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// Header carries the signature on both inbound and outbound requests
	Header = "X-Hub-Signature-256"
	// Prefix is prepended to the hex digest on the wire
	Prefix = "sha256="
)

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secret
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HeaderValue returns the wire form "sha256=<hex>"
func HeaderValue(secret string, payload []byte) string {
	return Prefix + Sign(secret, payload)
}

// Verify checks provided against the signature of payload in constant time.
// provided may be the wire form or a bare hex digest.
func Verify(secret string, payload []byte, provided string) bool {
	if provided == "" {
		return false
	}
	got := strings.TrimPrefix(strings.TrimSpace(provided), Prefix)
	want := Sign(secret, payload)
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}
