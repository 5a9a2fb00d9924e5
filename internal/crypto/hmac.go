package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HMACAuth holds the L2 credentials for HMAC-authenticated requests against
// the Polymarket CLOB. Secret and Passphrase never leave their Secret
// wrappers except inside the request headers.
type HMACAuth struct {
	Key        string // API key, not secret on its own
	Secret     Secret // base64url-encoded HMAC secret
	Passphrase Secret
}

// Complete reports whether all three credential parts are present.
func (h *HMACAuth) Complete() bool {
	return h != nil && h.Key != "" && !h.Secret.IsZero() && !h.Passphrase.IsZero()
}

// L2Headers returns the HTTP headers for an L2 (CLOB) API request.
//
// Returned header keys:
//   - POLY_ADDRESS
//   - POLY_API_KEY
//   - POLY_TIMESTAMP
//   - POLY_PASSPHRASE
//   - POLY_SIGNATURE
func (h *HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is like L2Headers but lets the caller supply the Unix
// timestamp (useful for deterministic testing).
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	message := ts + method + path + body

	var sig, passphrase string
	_ = h.Secret.Use(func(secret []byte) error {
		sig = hmacSHA256Base64(decodeSecret(secret), message)
		return nil
	})
	_ = h.Passphrase.Use(func(p []byte) error {
		passphrase = string(p)
		return nil
	})

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// decodeSecret base64-decodes the API secret. The CLOB issues URL-safe
// secrets; standard encoding is accepted too. If decoding fails the raw
// bytes are used so the caller gets an obviously-wrong signature rather
// than a panic.
func decodeSecret(secret []byte) []byte {
	s := string(secret)
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	return secret
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a URL-safe base64 string, the form the CLOB verifies.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redactPrefix(h.Key), h.Secret)
}

func redactPrefix(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 4)
}
