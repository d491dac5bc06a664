package detector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/formgate/formgate/internal/resolver"
)

// TokenField is the form field carrying the timing token. It is one of the
// volatile fields, so tokens never perturb content digests.
const TokenField = "formgate_token"

// ErrTokenInvalid marks a token that is malformed or fails signature
// verification.
var ErrTokenInvalid = errors.New("detector: invalid form token")

// TokenIssuer mints and validates the signed, time-bound tokens embedded in
// served forms. A token binds a scope (endpoint or vhost id) and its issue
// time under an HMAC, so clients can neither forge nor backdate one.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer creates an issuer with the given signing secret.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (i *TokenIssuer) SetClock(now func() time.Time) { i.now = now }

// Issue mints a token bound to scope at the current time.
func (i *TokenIssuer) Issue(scope string) string {
	payload := scope + "\x1f" + strconv.FormatInt(i.now().UnixNano(), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.RawURLEncoding.EncodeToString(i.sign(payload))
}

// Validate checks token against scope and returns its issue time.
func (i *TokenIssuer) Validate(token, scope string) (time.Time, error) {
	payloadPart, macPart, ok := strings.Cut(token, ".")
	if !ok {
		return time.Time{}, ErrTokenInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return time.Time{}, ErrTokenInvalid
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return time.Time{}, ErrTokenInvalid
	}
	if !hmac.Equal(mac, i.sign(string(payload))) {
		return time.Time{}, ErrTokenInvalid
	}
	tokenScope, issuedRaw, ok := strings.Cut(string(payload), "\x1f")
	if !ok || tokenScope != scope {
		return time.Time{}, fmt.Errorf("%w: scope mismatch", ErrTokenInvalid)
	}
	issuedNs, err := strconv.ParseInt(issuedRaw, 10, 64)
	if err != nil {
		return time.Time{}, ErrTokenInvalid
	}
	return time.Unix(0, issuedNs), nil
}

func (i *TokenIssuer) sign(payload string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// TokenScope returns the scope a token is bound to for a resolution:
// the endpoint when one matched, else the virtual host.
func TokenScope(res *resolver.Resolved) string {
	if res.Endpoint != nil {
		return res.Endpoint.ID
	}
	return res.VHost.ID
}

// Timing scores how the submission relates to the token issued when the
// form was served: a missing or forged token, or a fill time faster than a
// human could manage, scores heavily; a stale token scores lightly.
type Timing struct {
	issuer *TokenIssuer
}

// NewTiming creates the detector.
func NewTiming(issuer *TokenIssuer) *Timing {
	return &Timing{issuer: issuer}
}

// Name implements Detector.
func (*Timing) Name() string { return "timing" }

// Run implements Detector.
func (t *Timing) Run(_ context.Context, req *Request) Result {
	res := Result{Detector: "timing"}
	token := req.Submission.Field(TokenField)
	if token == "" {
		res.Score = scoreMissingToken
		res.Flags = append(res.Flags, "missing-form-token")
		return res
	}

	issuedAt, err := t.issuer.Validate(token, TokenScope(req.Resolved))
	if err != nil {
		res.Score = scoreMissingToken
		res.Flags = append(res.Flags, "invalid-form-token")
		return res
	}

	age := req.Now.Sub(issuedAt)
	if age < 0 {
		res.Score = scoreMissingToken
		res.Flags = append(res.Flags, "invalid-form-token")
		return res
	}
	if minFill := req.Resolved.Thresholds.MinFillSecs; minFill > 0 && age < time.Duration(minFill)*time.Second {
		res.Score += scoreTooFast
		res.Flags = append(res.Flags, "submitted-too-fast")
	}
	if maxAge := req.Resolved.Thresholds.MaxTokenAgeSecs; maxAge > 0 && age > time.Duration(maxAge)*time.Second {
		res.Score += scoreExpiredToken
		res.Flags = append(res.Flags, "expired-form-token")
	}
	return res
}
