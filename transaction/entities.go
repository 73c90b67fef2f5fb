package transaction

import "time"

// AnonymousUsername is the sentinel display handle given to signers the
// directory does not know yet. Such an entry may later be upgraded in place,
// the public key itself never changes.
const AnonymousUsername = "anonymous"

// Signer is a known signing key. SignatureHint is derived from PublicKey,
// the last four bytes in hex.
type Signer struct {
	ID            int64  `json:"id"             db:"id"`
	PublicKey     string `json:"public_key"     db:"public_key"`
	SignatureHint string `json:"signature_hint" db:"signature_hint"`
	Username      string `json:"username"       db:"username"`
	TgID          *int64 `json:"tg_id"          db:"tg_id"`
}

// Signature is one collected decorated signature. SignerID is nil when the
// signing key is unknown to the system. A hidden signature is excluded from
// readiness computation but retained for audit.
type Signature struct {
	ID              int64     `json:"id"               db:"id"`
	TransactionHash string    `json:"transaction_hash" db:"transaction_hash"`
	SignerID        *int64    `json:"signer_id"        db:"signer_id"`
	SignatureXDR    []byte    `json:"signature_xdr"    db:"signature_xdr"`
	Hidden          bool      `json:"hidden"           db:"hidden"`
	AddDt           time.Time `json:"add_dt"           db:"add_dt"`
}

// Summary is a search result row with the aggregate signature count.
type Summary struct {
	Hash           string    `json:"hash"`
	UUID           string    `json:"uuid"`
	Description    string    `json:"description"`
	State          uint8     `json:"state"`
	SourceAccount  string    `json:"source_account"`
	OwnerID        string    `json:"owner_id"`
	SignatureCount int       `json:"signature_count"`
	AddDt          time.Time `json:"add_dt"`
}
