package transaction

import (
	"time"
)

// Transaction lifecycle states. A transaction never skips the staged state
// and the submitted state is terminal.
const (
	StateNew       uint8 = 0
	StateReady     uint8 = 1
	StateSubmitted uint8 = 2
)

// SignerWeight is one signer enumerated for a source account, with the weight
// its signature contributes and the 8 character hex signature hint used for
// envelope level lookup.
type SignerWeight struct {
	PublicKey string `json:"key"`
	Weight    uint32 `json:"weight"`
	Hint      string `json:"hint"`
}

// SourceRequirement is the authorization requirement of a single source
// account: the weight threshold selected by the highest operation level and
// the authoritative signer set at resolution time.
type SourceRequirement struct {
	Threshold uint32         `json:"threshold"`
	Signers   []SignerWeight `json:"signers"`
}

// ResolvedSources maps every source account of a transaction to its
// requirement. Marshaled with sorted keys so identical resolutions are byte
// identical.
type ResolvedSources map[string]SourceRequirement

// Transaction is the stored multi-signature coordination record. Body holds
// the envelope with signatures cleared, collected signatures live in their
// own table.
type Transaction struct {
	Hash            string          `json:"hash"             db:"hash"`
	UUID            string          `json:"uuid"             db:"uuid"`
	Description     string          `json:"description"      db:"description"`
	Body            string          `json:"body"             db:"body"`
	ResolvedSources ResolvedSources `json:"resolved_sources" db:"resolved_sources"`
	State           uint8           `json:"state"            db:"state"`
	StellarSequence int64           `json:"stellar_sequence" db:"stellar_sequence"`
	SourceAccount   string          `json:"source_account"   db:"source_account"`
	OwnerID         string          `json:"owner_id"         db:"owner_id"`
	AddDt           time.Time       `json:"add_dt"           db:"add_dt"`
	UpdatedDt       time.Time       `json:"updated_dt"       db:"updated_dt"`
}
