package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
)

var (
	ErrBadEnvelope       = errors.New("envelope does not decode")
	ErrSignatureEncoding = errors.New("decorated signature encoding failed")
)

// Passphrase is the network passphrase all hashes are computed over.
// The service coordinates signatures for the Stellar public network only.
const Passphrase = network.PublicNetworkPassphrase

// Envelope wraps a Stellar transaction envelope and exposes the small
// set of accessors the coordination service needs.
type Envelope struct {
	inner xdr.TransactionEnvelope
}

// Parse decodes the base64 canonical envelope representation.
func Parse(body string) (*Envelope, error) {
	var env xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(strings.TrimSpace(body), &env); err != nil {
		return nil, errors.Join(ErrBadEnvelope, err)
	}
	return &Envelope{inner: env}, nil
}

// Base64 serializes the envelope back to its canonical base64 form.
func (e *Envelope) Base64() (string, error) {
	return xdr.MarshalBase64(e.inner)
}

// Hash computes the transaction hash over the public network passphrase.
func (e *Envelope) Hash() ([32]byte, error) {
	return network.HashTransactionInEnvelope(e.inner, Passphrase)
}

// HashHex returns the transaction hash as a lower case 64 character hex string.
func (e *Envelope) HashHex() (string, error) {
	h, err := e.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// Sequence returns the sequence number of the transaction.
func (e *Envelope) Sequence() int64 {
	return e.inner.SeqNum()
}

// SourceAccount returns the primary source account of the transaction.
func (e *Envelope) SourceAccount() string {
	return e.inner.SourceAccount().ToAccountId().Address()
}

// Operations returns the transaction operations. For a fee bump envelope the
// inner transaction operations are returned.
func (e *Envelope) Operations() []xdr.Operation {
	return e.inner.Operations()
}

// SourceAccounts returns the distinct set of accounts that authorize this
// envelope: the transaction source plus every per-operation override source.
// The result is sorted so repeated calls are byte stable.
func (e *Envelope) SourceAccounts() []string {
	seen := map[string]struct{}{e.SourceAccount(): {}}
	for _, op := range e.Operations() {
		if op.SourceAccount == nil {
			continue
		}
		seen[op.SourceAccount.ToAccountId().Address()] = struct{}{}
	}
	sources := make([]string, 0, len(seen))
	for s := range seen {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources
}

// OperationSource returns the effective source of the operation, falling back
// to the transaction source when the operation carries no override.
func (e *Envelope) OperationSource(op xdr.Operation) string {
	if op.SourceAccount != nil {
		return op.SourceAccount.ToAccountId().Address()
	}
	return e.SourceAccount()
}

// MemoText returns the text memo of the transaction or an empty string when
// the memo is absent or of a different kind.
func (e *Envelope) MemoText() string {
	var memo xdr.Memo
	switch e.inner.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		memo = e.inner.V0.Tx.Memo
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		memo = e.inner.V1.Tx.Memo
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		memo = e.inner.FeeBump.Tx.InnerTx.V1.Tx.Memo
	}
	if text, ok := memo.GetText(); ok {
		return text
	}
	return ""
}

// Signatures returns the decorated signatures carried by the envelope.
func (e *Envelope) Signatures() []xdr.DecoratedSignature {
	return e.inner.Signatures()
}

// StripSignatures removes every decorated signature from the envelope.
// Stripping does not change the transaction hash.
func (e *Envelope) StripSignatures() {
	e.setSignatures(nil)
}

// AttachSignatures appends decorated signatures to the envelope.
func (e *Envelope) AttachSignatures(sigs ...xdr.DecoratedSignature) {
	e.setSignatures(append(e.Signatures(), sigs...))
}

func (e *Envelope) setSignatures(sigs []xdr.DecoratedSignature) {
	switch e.inner.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		e.inner.V0.Signatures = sigs
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		e.inner.V1.Signatures = sigs
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		e.inner.FeeBump.Signatures = sigs
	}
}

// Describe renders a short human readable dump of the transaction used by
// the decode endpoint. It is informational only and carries no contract.
func (e *Envelope) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "source: %s\n", e.SourceAccount())
	fmt.Fprintf(&b, "sequence: %d\n", e.Sequence())
	if memo := e.MemoText(); memo != "" {
		fmt.Fprintf(&b, "memo: %s\n", memo)
	}
	for i, op := range e.Operations() {
		fmt.Fprintf(&b, "op %d: %s", i+1, opName(op.Body.Type))
		if op.SourceAccount != nil {
			fmt.Fprintf(&b, " (source %s)", op.SourceAccount.ToAccountId().Address())
		}
		switch op.Body.Type {
		case xdr.OperationTypePayment:
			p := op.Body.MustPaymentOp()
			fmt.Fprintf(&b, ": %s %s -> %s", amountString(p.Amount), assetString(p.Asset), p.Destination.ToAccountId().Address())
		case xdr.OperationTypeManageData:
			m := op.Body.MustManageDataOp()
			if m.DataValue != nil {
				fmt.Fprintf(&b, ": %s = %s", m.DataName, string(*m.DataValue))
			} else {
				fmt.Fprintf(&b, ": delete %s", m.DataName)
			}
		case xdr.OperationTypeAccountMerge:
			fmt.Fprintf(&b, ": into %s", op.Body.MustDestination().ToAccountId().Address())
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "signatures: %d\n", len(e.Signatures()))
	return b.String()
}

// SignatureHint derives the 8 character hex hint, the last four bytes of the
// ed25519 public key behind the account address.
func SignatureHint(publicKey string) (string, error) {
	raw, err := strkey.Decode(strkey.VersionByteAccountID, publicKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[len(raw)-4:]), nil
}

// HintHex renders a decorated signature hint as an 8 character hex string.
func HintHex(hint xdr.SignatureHint) string {
	return hex.EncodeToString(hint[:])
}

// EncodeSignature serializes a decorated signature into its binary XDR form,
// the representation the signature store persists.
func EncodeSignature(sig xdr.DecoratedSignature) ([]byte, error) {
	raw, err := sig.MarshalBinary()
	if err != nil {
		return nil, errors.Join(ErrSignatureEncoding, err)
	}
	return raw, nil
}

// DecodeSignature deserializes a decorated signature from its binary XDR form.
func DecodeSignature(raw []byte) (xdr.DecoratedSignature, error) {
	var sig xdr.DecoratedSignature
	if err := xdr.SafeUnmarshal(raw, &sig); err != nil {
		return xdr.DecoratedSignature{}, errors.Join(ErrSignatureEncoding, err)
	}
	return sig, nil
}

func opName(t xdr.OperationType) string {
	name := t.String()
	return strings.TrimPrefix(name, "OperationType")
}

func assetString(a xdr.Asset) string {
	if a.Type == xdr.AssetTypeAssetTypeNative {
		return "XLM"
	}
	return a.StringCanonical()
}

func amountString(a xdr.Int64) string {
	whole := int64(a) / 10_000_000
	frac := int64(a) % 10_000_000
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%07d", whole, frac), "0")
}
