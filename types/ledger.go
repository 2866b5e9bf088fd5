package types

import "time"

// LedgerRecord представляет запись в таблице evidence_ledger
type LedgerRecord struct {
	ID             string         `json:"id" db:"id"`
	TargetKey      string         `json:"target_key" db:"target_key"`
	Target         PersistTarget  `json:"target" db:"target"`
	OwnerID        string         `json:"owner_id" db:"owner_id"`
	UID            string         `json:"uid" db:"uid"`
	AssuranceLevel AssuranceLevel `json:"assurance_level" db:"assurance_level"`
	Source         EvidenceSource `json:"source" db:"source"`
	EvidenceHash   string         `json:"evidence_hash" db:"evidence_hash"`
	VerifiedAt     time.Time      `json:"verified_at" db:"verified_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// Evidence восстанавливает доказательство из записи журнала
func (r *LedgerRecord) Evidence() Evidence {
	return Evidence{
		UID:            r.UID,
		AssuranceLevel: r.AssuranceLevel,
		Timestamp:      r.VerifiedAt.UTC().Format(time.RFC3339),
		Source:         r.Source,
	}
}
