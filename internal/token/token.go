// Package token implements the short-lived bearer tokens that gate room
// WebSocket access.
//
// A token is two URL-safe base64 segments joined by a dot: a compact,
// key-sorted JSON payload and an HMAC-SHA256 signature over the encoded
// payload segment. There is no header segment, so the format is deliberately
// not interoperable with JWT.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verification failure kinds. Use [errors.Is] to classify.
var (
	ErrInvalidFormat    = errors.New("token: invalid format")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
)

// Create signs payload with secret and returns the encoded token. The
// payload is augmented with "iat" (now) and "exp" (now + ttl) claims before
// signing. Marshalling a map produces key-sorted compact JSON, which keeps
// the encoding canonical.
func Create(payload map[string]any, secret string, ttl time.Duration) (string, error) {
	now := time.Now().Unix()

	claims := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		claims[k] = v
	}
	claims["iat"] = now
	claims["exp"] = now + int64(ttl.Seconds())

	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: encode payload: %w", err)
	}

	segment := base64.RawURLEncoding.EncodeToString(raw)
	return segment + "." + sign(segment, secret), nil
}

// Verify checks the token's signature and expiry against secret and returns
// the decoded payload. The signature comparison is constant-time.
func Verify(tok, secret string) (map[string]any, error) {
	segment, sigSegment, ok := strings.Cut(tok, ".")
	if !ok || segment == "" || sigSegment == "" {
		return nil, ErrInvalidFormat
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigSegment)
	if err != nil {
		return nil, fmt.Errorf("%w: signature segment", ErrInvalidFormat)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(segment))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return nil, ErrInvalidSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment", ErrInvalidFormat)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload json", ErrInvalidFormat)
	}

	exp, _ := payload["exp"].(float64)
	if int64(exp) < time.Now().Unix() {
		return nil, ErrExpired
	}
	return payload, nil
}

// sign returns the base64url HMAC-SHA256 of segment under secret.
func sign(segment, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(segment))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
