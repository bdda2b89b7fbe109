package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header is the transport header carrying the payload signature.
const Header = "X-Hub-Signature-256"

// Sign computes the HMAC-SHA256 of payload under secret in the transport
// form "sha256=<hex>".
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header against payload. The compare is
// constant time; a malformed or mismatched header is false, never an error.
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
