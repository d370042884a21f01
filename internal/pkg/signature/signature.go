// Package signature verifies HMAC-SHA256 webhook signatures carried in a
// structured header of the form "t=<unix>,v1=<sig>[,v1=<sig>...]".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gamemarket/gamemarket-api/internal/pkg/logger"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingSecret    = errors.New("signature secret is not configured")
)

// DefaultScheme is the signature key used in headers.
const DefaultScheme = "v1"

// Header is a parsed signature header.
type Header struct {
	Timestamp  string
	Signatures []string
	// SchemeSeen is true when the scheme key appeared, even with empty values.
	SchemeSeen bool
}

// ParseHeader splits a "t=..,v1=.." header. A bare value without any key is
// treated as a single signature candidate.
func ParseHeader(raw, scheme string) Header {
	if scheme == "" {
		scheme = DefaultScheme
	}
	var h Header
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h
	}
	if !isStructured(raw, scheme) {
		h.Signatures = []string{raw}
		return h
	}

	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "t":
			h.Timestamp = value
		case scheme:
			h.SchemeSeen = true
			if value != "" {
				h.Signatures = append(h.Signatures, value)
			}
		}
	}
	return h
}

func isStructured(raw, scheme string) bool {
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") || strings.HasPrefix(part, scheme+"=") {
			return true
		}
	}
	return false
}

// Verifier checks webhook bodies against a shared secret.
type Verifier struct {
	Secret []byte
	Scheme string
	// Tolerance bounds the age of the header timestamp. Zero disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{Secret: []byte(secret), Scheme: DefaultScheme, Tolerance: tolerance, Now: time.Now}
}

// Verify accepts rawBody when any candidate signature in header matches the
// HMAC of the body or of "t.body", in hex or base64.
func (v *Verifier) Verify(rawBody []byte, header string) error {
	if len(v.Secret) == 0 {
		return ErrMissingSecret
	}

	h := ParseHeader(header, v.Scheme)
	if len(h.Signatures) == 0 {
		if h.SchemeSeen {
			log.Warn().Str("timestamp", h.Timestamp).Msg("signature header carries empty signature values")
		}
		return fmt.Errorf("%w: no signature candidates", ErrInvalidSignature)
	}

	if err := v.checkTimestamp(h.Timestamp); err != nil {
		return err
	}

	digests := [][]byte{Compute(v.Secret, "", rawBody)}
	if h.Timestamp != "" {
		digests = append(digests, Compute(v.Secret, h.Timestamp, rawBody))
	}

	for _, candidate := range h.Signatures {
		for _, decoded := range decodeCandidate(candidate) {
			for _, digest := range digests {
				if hmac.Equal(decoded, digest) {
					return nil
				}
			}
		}
	}

	log.Warn().
		Str("received_prefix", logger.Truncate(h.Signatures[0], 8)).
		Str("expected_prefix", logger.Truncate(hex.EncodeToString(digests[len(digests)-1]), 8)).
		Int("candidates", len(h.Signatures)).
		Msg("webhook signature mismatch")
	return ErrInvalidSignature
}

func (v *Verifier) checkTimestamp(ts string) error {
	if v.Tolerance <= 0 || ts == "" {
		return nil
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	age := now().Sub(time.Unix(sec, 0))
	if age < 0 {
		age = -age
	}
	if age > v.Tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	return nil
}

// Compute returns HMAC-SHA256 over body, or over "timestamp.body" when a
// timestamp is given.
func Compute(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	if timestamp != "" {
		mac.Write([]byte(timestamp))
		mac.Write([]byte("."))
	}
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign builds a header value for body. Used by tests and outbound callbacks.
func Sign(secret []byte, timestamp int64, body []byte) string {
	ts := strconv.FormatInt(timestamp, 10)
	return "t=" + ts + "," + DefaultScheme + "=" + hex.EncodeToString(Compute(secret, ts, body))
}

func decodeCandidate(candidate string) [][]byte {
	var out [][]byte
	if b, err := hex.DecodeString(strings.ToLower(candidate)); err == nil {
		out = append(out, b)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(candidate); err == nil {
			out = append(out, b)
		}
	}
	return out
}
