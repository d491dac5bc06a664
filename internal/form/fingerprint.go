package form

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Digest is a 256-bit canonical content digest, stable across processes and
// versions. Two submissions with identical semantic content (reordered
// fields, reordered array values, case/whitespace variation) always produce
// the same Digest.
type Digest [32]byte

// ZeroDigest is the zero-value Digest.
var ZeroDigest Digest

// pairSeparator joins name=value pairs in the canonical byte string. A
// control character cannot survive Normalize, so field content can never
// forge a pair boundary.
const pairSeparator = "\x1f"

// emptyContentSeed feeds the sentinel digest for submissions with no
// hashable fields. The sentinel is a reserved constant, never derived from
// the (absent) input, so it cannot collide with real content.
const emptyContentSeed = "\x00formgate/empty-content/v1\x00"

// volatileFields are always excluded from fingerprinting regardless of
// detector configuration: CSRF tokens, nonces, timestamps, and
// challenge-response tokens change per render and would defeat duplicate
// detection.
var volatileFields = map[string]struct{}{
	"csrf_token":            {},
	"_csrf":                 {},
	"_token":                {},
	"authenticity_token":    {},
	"nonce":                 {},
	"_nonce":                {},
	"timestamp":             {},
	"_ts":                   {},
	"captcha_token":         {},
	"g-recaptcha-response":  {},
	"h-captcha-response":    {},
	"cf-turnstile-response": {},
	"formgate_token":        {},
}

// IsVolatileField reports whether name is excluded from fingerprinting.
func IsVolatileField(name string) bool {
	_, ok := volatileFields[strings.ToLower(name)]
	return ok
}

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// String implements fmt.Stringer.
func (d Digest) String() string {
	return d.Hex()
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// ParseDigestHex decodes a 64-character hex string into a Digest.
func ParseDigestHex(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroDigest, fmt.Errorf("form.ParseDigestHex: %w", err)
	}
	if len(b) != 32 {
		return ZeroDigest, fmt.Errorf("form.ParseDigestHex: expected 32 bytes, got %d", len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// Fingerprint computes the canonical digest of a submission: volatile fields
// removed, names sorted lexically, each multi-value normalized and sorted,
// pairs joined as name=value with a fixed separator, hashed with SHA-256.
func Fingerprint(s *Submission) Digest {
	return digestFields(s, func(name string) bool { return !IsVolatileField(name) }, true)
}

// ContentFingerprint computes the content-only auxiliary digest: field names
// are ignored so near-duplicates across differently-named forms still match.
func ContentFingerprint(s *Submission) Digest {
	values := make([]string, 0, len(s.Fields))
	for name, vals := range s.Fields {
		if IsVolatileField(name) {
			continue
		}
		for _, v := range vals {
			if norm := Normalize(v); norm != "" {
				values = append(values, norm)
			}
		}
	}
	if len(values) == 0 {
		return sentinelDigest()
	}
	sort.Strings(values)
	return sha256.Sum256([]byte(strings.Join(values, pairSeparator)))
}

// SubsetFingerprint computes a digest over the named fields only, for
// targeted duplicate checks. Volatile-field exclusion still applies.
func SubsetFingerprint(s *Submission, fields []string) Digest {
	want := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		want[f] = struct{}{}
	}
	return digestFields(s, func(name string) bool {
		if IsVolatileField(name) {
			return false
		}
		_, ok := want[name]
		return ok
	}, false)
}

// digestFields builds the canonical byte string over fields accepted by
// include and hashes it. Names differing only in case are one canonical
// field; their values merge before normalization, and NormalizeAll sorts so
// the merge order never affects the digest. dropEmpty controls whether
// fields whose normalized values are all empty are skipped.
func digestFields(s *Submission, include func(string) bool, dropEmpty bool) Digest {
	merged := make(map[string][]string)
	for name, vals := range s.Fields {
		if include(name) {
			lower := strings.ToLower(name)
			merged[lower] = append(merged[lower], vals...)
		}
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	var pairs []string
	for _, name := range names {
		normalized := NormalizeAll(merged[name])
		joined := strings.Join(normalized, ",")
		if dropEmpty && joined == "" {
			continue
		}
		pairs = append(pairs, name+"="+joined)
	}
	if len(pairs) == 0 {
		return sentinelDigest()
	}
	return sha256.Sum256([]byte(strings.Join(pairs, pairSeparator)))
}

func sentinelDigest() Digest {
	return sha256.Sum256([]byte(emptyContentSeed))
}
