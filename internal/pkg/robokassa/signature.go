package robokassa

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"slices"
	"strings"
)

// HashAlgorithm is the digest configured for the shop in the RoboKassa
// merchant panel. Every signature of the shop uses the same one.
type HashAlgorithm string

const (
	HashMD5    HashAlgorithm = "MD5"
	HashSHA256 HashAlgorithm = "SHA256"
)

var hashers = map[HashAlgorithm]func() hash.Hash{
	HashMD5:    md5.New,
	HashSHA256: sha256.New,
}

// ParseHashAlgorithm reads the configured digest name. Empty means SHA256.
func ParseHashAlgorithm(raw string) (HashAlgorithm, error) {
	algo := HashAlgorithm(strings.ToUpper(strings.TrimSpace(raw)))
	if algo == "" {
		return HashSHA256, nil
	}
	if _, ok := hashers[algo]; !ok {
		return "", fmt.Errorf("robokassa: unsupported hash algorithm %q", raw)
	}
	return algo, nil
}

// Sign returns the hex digest of the colon-joined fields followed by the
// Shp_ parameters.
//
//	payment link: MerchantLogin:OutSum:InvId:Password1[:Shp_*]
//	ResultURL:    OutSum:InvId:Password2[:Shp_*]
//	OpStateExt:   MerchantLogin:InvoiceID:Password2
func (a HashAlgorithm) Sign(shp map[string]string, fields ...string) (string, error) {
	newHash, ok := hashers[a]
	if !ok {
		return "", fmt.Errorf("robokassa: unsupported hash algorithm %q", a)
	}
	h := newHash()
	h.Write([]byte(signatureBase(shp, fields...)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// signatureBase appends Shp_ parameters as key=escaped value, ordered by key
// without regard to case. Keys without the Shp_ prefix are not signed.
func signatureBase(shp map[string]string, fields ...string) string {
	keys := make([]string, 0, len(shp))
	for k := range shp {
		if strings.HasPrefix(strings.ToLower(k), "shp_") {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})

	parts := make([]string, 0, len(fields)+len(keys))
	parts = append(parts, fields...)
	for _, k := range keys {
		parts = append(parts, k+"="+url.QueryEscape(shp[k]))
	}
	return strings.Join(parts, ":")
}

// sameDigest compares two hex digests in constant time. RoboKassa sends
// upper case.
func sameDigest(expected, received string) bool {
	return subtle.ConstantTimeCompare(
		[]byte(strings.ToLower(strings.TrimSpace(expected))),
		[]byte(strings.ToLower(strings.TrimSpace(received))),
	) == 1
}
