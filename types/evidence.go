package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type AssuranceLevel string

const (
	AssuranceLevelNone        AssuranceLevel = "NONE"
	AssuranceLevelLow         AssuranceLevel = "LOW"
	AssuranceLevelSubstantial AssuranceLevel = "SUBSTANTIAL"
	AssuranceLevelHigh        AssuranceLevel = "HIGH"
)

type EvidenceSource string

const (
	EvidenceSourceManualTest EvidenceSource = "manual-test"
	EvidenceSourceVerify     EvidenceSource = "verify"
	EvidenceSourceWebhook    EvidenceSource = "webhook"
)

// Evidence is the verification result attached to a customer or an order.
// Once stored it is never edited, only replaced by a later verification.
type Evidence struct {
	UID            string         `json:"uid"`
	AssuranceLevel AssuranceLevel `json:"assuranceLevel"`
	Timestamp      string         `json:"timestamp"`
	Source         EvidenceSource `json:"source"`
}

// NewEvidence stamps the evidence with the given time in RFC3339 UTC.
func NewEvidence(uid string, level AssuranceLevel, source EvidenceSource, at time.Time) Evidence {
	if level == "" {
		level = AssuranceLevelNone
	}
	return Evidence{
		UID:            uid,
		AssuranceLevel: level,
		Timestamp:      at.UTC().Format(time.RFC3339),
		Source:         source,
	}
}

// Hash identifies the logical content of the evidence. The timestamp is left
// out so that re-submitting the same verification hashes identically.
func (e Evidence) Hash() string {
	sum := sha256.Sum256([]byte(e.UID + "|" + string(e.AssuranceLevel) + "|" + string(e.Source)))
	return hex.EncodeToString(sum[:])
}

// JSON is the metafield value stored on the commerce platform.
func (e Evidence) JSON() string {
	data, _ := json.Marshal(e)
	return string(data)
}

type PersistTarget string

const (
	PersistTargetCustomer PersistTarget = "customer"
	PersistTargetOrder    PersistTarget = "order"
	PersistTargetLedger   PersistTarget = "ledger"
)

// PersistResult describes where evidence ended up.
type PersistResult struct {
	Target          PersistTarget `json:"target"`
	OwnerID         string        `json:"ownerId,omitempty"`
	Key             string        `json:"key"`
	CustomerCreated bool          `json:"customerCreated"`
	Evidence        Evidence      `json:"evidence"`
}
