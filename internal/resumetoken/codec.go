// SPDX-License-Identifier: MIT

// Package resumetoken signs and verifies the stateless resume tokens that
// let a client reconnect to an in-flight stream.
//
// A token binds a stream identity, a progress marker and an expiry:
//
//	base64url(JSON(payload)) + ":" + hex(hmac_sha256(secret, JSON(payload)))
//
// Verification needs only the shared secret, never a store lookup.
package resumetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/draftwire/draftwire/internal/event"
)

// Verification failure codes, surfaced verbatim in API error bodies.
const (
	CodeInvalidFormat    = "INVALID_FORMAT"
	CodeDecodeError      = "DECODE_ERROR"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeTokenExpired     = "TOKEN_EXPIRED"
)

// VerifyError is a token verification failure with a stable code.
type VerifyError struct {
	Code string
}

func (e *VerifyError) Error() string {
	return "resume token rejected: " + e.Code
}

var (
	errInvalidFormat    = &VerifyError{Code: CodeInvalidFormat}
	errDecodeError      = &VerifyError{Code: CodeDecodeError}
	errInvalidSignature = &VerifyError{Code: CodeInvalidSignature}
	errTokenExpired     = &VerifyError{Code: CodeTokenExpired}
)

// CodeOf returns the verification failure code of err, or "" if err is not
// a VerifyError.
func CodeOf(err error) string {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// Payload is the signed content of a resume token.
type Payload struct {
	RequestID string     `json:"request_id"`
	Step      event.Step `json:"step"`
	Seq       int64      `json:"seq"`
	ExpiresAt int64      `json:"expires_at"` // epoch milliseconds
}

// Expired reports whether the payload's expiry is at or before now.
func (p Payload) Expired(now time.Time) bool {
	return now.UnixMilli() >= p.ExpiresAt
}

// Codec signs and verifies resume tokens with a shared HMAC secret.
//
// The zero value is unusable; construct with New so a missing secret fails
// at startup instead of surfacing as a runtime 500.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// New builds a Codec from the primary secret, falling back to the shared
// secret when the primary is unset. Errors when both are empty.
func New(primary, fallback string) (*Codec, error) {
	secret := primary
	if secret == "" {
		secret = fallback
	}
	if secret == "" {
		return nil, errors.New("resumetoken: no signing secret configured")
	}
	return &Codec{secret: []byte(secret), now: time.Now}, nil
}

// Generate returns the token for payload. It is a pure function of the
// payload and the configured secret: identical inputs yield an identical
// token, so re-emission is idempotent.
func (c *Codec) Generate(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("resumetoken: marshal payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw) + ":" + c.sign(raw), nil
}

// Verify checks a token and returns its payload.
//
// Checks run in a fixed order: structure, decode, signature, expiry. The
// returned error is always a *VerifyError on rejection.
func (c *Codec) Verify(token string) (Payload, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Payload{}, errInvalidFormat
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Payload{}, errDecodeError
	}

	if !hmac.Equal([]byte(c.sign(raw)), []byte(parts[1])) {
		return Payload{}, errInvalidSignature
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, errDecodeError
	}

	if p.Expired(c.now()) {
		return Payload{}, errTokenExpired
	}
	return p, nil
}

func (c *Codec) sign(raw []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
