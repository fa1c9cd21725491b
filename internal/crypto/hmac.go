// Package crypto holds the webhook signature primitives and the encrypted
// credential store used by broker adapters.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignWebhookHex computes HMAC-SHA256 over the raw webhook body with the
// shared secret and returns the lowercase hex digest. This is the signature
// scheme the alpaca-like venue uses; the paper venue reuses it when a secret
// is configured.
func SignWebhookHex(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookHex compares the presented signature against the expected
// digest in constant time.
func VerifyWebhookHex(secret string, rawBody []byte, signature string) bool {
	expected := SignWebhookHex(secret, rawBody)
	return hmac.Equal([]byte(expected), []byte(signature))
}
