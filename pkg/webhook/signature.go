package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the payload signature on outbound requests.
// The -256 suffix names the digest algorithm, following the convention
// used by GitHub and other major webhook providers.
const SignatureHeader = "X-Webhook-Signature-256"

// signaturePrefix identifies the digest algorithm inside the header value.
const signaturePrefix = "sha256="

// Sign computes the signature for a payload using the subscriber secret.
// The result is "sha256=" followed by the hex-encoded HMAC-SHA256 digest of
// the payload bytes keyed by the secret bytes. Deterministic, no side effects.
//
// An empty secret is permitted at this level; callers decide whether to sign
// at all (the delivery service skips signing when no secret is configured).
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature against the expected one for
// the payload and secret. Uses constant-time comparison to prevent
// timing-based attacks.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
