// Package webhook decides whether an incoming verification webhook can be
// trusted.
//
// A delivery is trusted either because it carries a valid HMAC-SHA256
// signature of its raw body, or because it embeds a widget token that the
// provider confirms. Everything else is rejected.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ageverif_gateway/internal/verifier"
	"ageverif_gateway/types"
)

const SignatureHeader = "x-ageverif-signature"

type TrustKind string

const (
	TrustSigned        TrustKind = "signed"
	TrustEmbeddedToken TrustKind = "embedded-token"
)

type RejectReason string

const (
	RejectMalformed    RejectReason = "malformed"
	RejectMissingToken RejectReason = "missing-token"
	RejectInvalidToken RejectReason = "invalid-token"
)

// Rejection is returned when a delivery cannot be trusted.
type Rejection struct {
	Reason RejectReason
	Err    error
}

func (r *Rejection) Error() string {
	switch r.Reason {
	case RejectMalformed:
		return "invalid JSON body"
	case RejectMissingToken:
		return "missing signature or verification token"
	case RejectInvalidToken:
		return "invalid verification token"
	}
	return string(r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

type VerificationBody struct {
	Token          string `json:"token,omitempty"`
	UID            string `json:"uid,omitempty"`
	AssuranceLevel string `json:"assuranceLevel,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

type Payload struct {
	OrderNumber      string            `json:"orderNumber,omitempty"`
	ConfirmationCode string            `json:"confirmationCode,omitempty"`
	CustomerID       string            `json:"customerId,omitempty"`
	Token            string            `json:"token,omitempty"`
	UID              string            `json:"uid,omitempty"`
	AssuranceLevel   string            `json:"assuranceLevel,omitempty"`
	Timestamp        string            `json:"timestamp,omitempty"`
	Verification     *VerificationBody `json:"verification,omitempty"`
}

// Verified is a trusted delivery.
type Verified struct {
	Kind     TrustKind
	Payload  Payload
	Evidence types.Evidence
}

type Validator struct {
	secret   []byte
	verifier verifier.TokenVerifier
	now      func() time.Time
}

func NewValidator(secret string, tokenVerifier verifier.TokenVerifier) *Validator {
	return &Validator{
		secret:   []byte(secret),
		verifier: tokenVerifier,
		now:      time.Now,
	}
}

// Validate returns either a trusted delivery or an error. A *Rejection error
// means the delivery is untrusted; any other error is an upstream failure
// while checking the embedded token.
func (v *Validator) Validate(ctx context.Context, raw []byte, signature string) (*Verified, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &Rejection{Reason: RejectMalformed, Err: err}
	}

	if v.SignatureValid(raw, signature) {
		return &Verified{Kind: TrustSigned, Payload: p, Evidence: v.payloadEvidence(p)}, nil
	}

	token := p.Token
	if p.Verification != nil && p.Verification.Token != "" {
		token = p.Verification.Token
	}
	if token == "" {
		return nil, &Rejection{Reason: RejectMissingToken}
	}

	result, err := v.verifier.VerifyToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to verify embedded token: %w", err)
	}
	// Тестовый токен не доказывает ничего, на вебхуке он не принимается
	if result == nil || result.Mock {
		return nil, &Rejection{Reason: RejectInvalidToken}
	}

	return &Verified{
		Kind:     TrustEmbeddedToken,
		Payload:  p,
		Evidence: types.NewEvidence(result.UID, result.AssuranceLevel, types.EvidenceSourceWebhook, result.VerifiedAt),
	}, nil
}

// SignatureValid checks signature against the HMAC of raw. It is always false
// when no secret is configured.
func (v *Validator) SignatureValid(raw []byte, signature string) bool {
	if len(v.secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	return hmac.Equal(got, mac.Sum(nil))
}

func (v *Validator) payloadEvidence(p Payload) types.Evidence {
	uid, level, ts := p.UID, p.AssuranceLevel, p.Timestamp
	if vb := p.Verification; vb != nil {
		if vb.UID != "" {
			uid = vb.UID
		}
		if vb.AssuranceLevel != "" {
			level = vb.AssuranceLevel
		}
		if vb.Timestamp != "" {
			ts = vb.Timestamp
		}
	}

	at := v.now()
	if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
		at = parsed
	}
	return types.NewEvidence(uid, types.AssuranceLevel(strings.ToUpper(level)), types.EvidenceSourceWebhook, at)
}

// Sign returns the hex HMAC-SHA256 of raw, the value expected in the
// signature header.
func Sign(secret string, raw []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
