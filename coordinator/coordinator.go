package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/xdr"

	"github.com/attid/eurmtl/collector"
	"github.com/attid/eurmtl/envelope"
	"github.com/attid/eurmtl/horizon"
	"github.com/attid/eurmtl/logger"
	"github.com/attid/eurmtl/repository"
	"github.com/attid/eurmtl/transaction"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrHashMismatch         = errors.New("envelope hash differs from the stored transaction")
	ErrTransactionSubmitted = errors.New("transaction is already submitted")
	ErrNotAllowed           = errors.New("operation is not allowed for this caller")
	ErrIngestFailed         = errors.New("transaction ingest failed")
	ErrSignatureNotFound    = errors.New("no stored signature of this signer")
)

const hashHexLength = 64

type storage interface {
	WriteTransaction(ctx context.Context, trx *transaction.Transaction) error
	ReadTransaction(ctx context.Context, hash string) (transaction.Transaction, error)
	ReadTransactionByUUID(ctx context.Context, uuid string) (transaction.Transaction, error)
	UpdateResolvedSources(ctx context.Context, hash string, sources transaction.ResolvedSources) error
	UpdateState(ctx context.Context, hash string, state uint8) error
	CountBySequence(ctx context.Context, source string, sequence int64) (int, error)
	ReadPendingBySigner(ctx context.Context, publicKey string) ([]transaction.Transaction, error)
	ReadSignatures(ctx context.Context, hash string) ([]transaction.Signature, error)
	SetSignatureHidden(ctx context.Context, id int64, hidden bool) error
	UpdateSignerIdentity(ctx context.Context, publicKey, username string, tgID *int64) error
	SearchTransactions(ctx context.Context, q repository.SearchQuery) ([]transaction.Summary, error)
	ToggleAlert(ctx context.Context, tgID int64, hash string) (bool, error)
}

type sourceResolver interface {
	Resolve(ctx context.Context, e *envelope.Envelope) (transaction.ResolvedSources, error)
}

type stellarNetwork interface {
	Account(accountID string) (hProtocol.Account, error)
	InvalidateAccount(accountID string)
	SubmitTransaction(body string) (horizon.SubmitResult, error)
}

type signatureCollector interface {
	Collect(ctx context.Context, trx *transaction.Transaction, sigs []xdr.DecoratedSignature) ([]collector.Outcome, int)
}

type eventPublisher interface {
	PublishTrxIngested(hash string) error
	PublishTrxSubmitted(hash string) error
}

// SignerStatus is one resolved signer with the aggregation verdict of its
// stored signature.
type SignerStatus struct {
	PublicKey string `json:"key"`
	Weight    uint32 `json:"weight"`
	Signed    bool   `json:"signed"`
}

// SourceStatus is the readiness of a single source account.
type SourceStatus struct {
	Threshold       uint32         `json:"threshold"`
	CollectedWeight uint32         `json:"collected_weight"`
	Satisfied       bool           `json:"satisfied"`
	Signers         []SignerStatus `json:"signers"`
}

// Status is the full readiness report of a stored transaction.
type Status struct {
	Hash            string                  `json:"hash"`
	UUID            string                  `json:"uuid"`
	Description     string                  `json:"description"`
	State           uint8                   `json:"state"`
	Body            string                  `json:"body"`
	Sources         map[string]SourceStatus `json:"sources"`
	Ready           bool                    `json:"ready"`
	SignatureCount  int                     `json:"signature_count"`
	SequenceWarning string                  `json:"sequence_warning,omitempty"`
}

// Coordinator owns the transaction lifecycle: ingest, signature intake,
// readiness evaluation, assembly and network submission.
type Coordinator struct {
	repo      storage
	resolver  sourceResolver
	network   stellarNetwork
	collector signatureCollector
	events    eventPublisher
	log       logger.Logger
}

// New creates the Coordinator. The event publisher may be nil, lifecycle
// events are best effort.
func New(repo storage, resolver sourceResolver, network stellarNetwork, collector signatureCollector, events eventPublisher, log logger.Logger) *Coordinator {
	return &Coordinator{repo: repo, resolver: resolver, network: network, collector: collector, events: events, log: log}
}

// AddTransaction ingests an envelope. Ingest is idempotent on the transaction
// hash: a body already known returns the stored record untouched. Signatures
// carried by the envelope are collected on the side, their failures never
// fail the ingest.
func (c *Coordinator) AddTransaction(ctx context.Context, body, description, ownerID string) (transaction.Transaction, bool, error) {
	e, err := envelope.Parse(body)
	if err != nil {
		return transaction.Transaction{}, false, err
	}
	hash, err := e.HashHex()
	if err != nil {
		return transaction.Transaction{}, false, errors.Join(ErrIngestFailed, err)
	}

	if existing, err := c.repo.ReadTransaction(ctx, hash); err == nil {
		c.collectCarried(ctx, &existing, e.Signatures())
		return existing, false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return transaction.Transaction{}, false, errors.Join(ErrIngestFailed, err)
	}

	resolved, err := c.resolver.Resolve(ctx, e)
	if err != nil {
		return transaction.Transaction{}, false, errors.Join(ErrIngestFailed, err)
	}

	carried := e.Signatures()
	e.StripSignatures()
	clean, err := e.Base64()
	if err != nil {
		return transaction.Transaction{}, false, errors.Join(ErrIngestFailed, err)
	}

	if description == "" {
		description = e.MemoText()
	}

	now := time.Now().UTC()
	trx := transaction.Transaction{
		Hash:            hash,
		UUID:            newUUID(),
		Description:     description,
		Body:            clean,
		ResolvedSources: resolved,
		State:           transaction.StateNew,
		StellarSequence: e.Sequence(),
		SourceAccount:   e.SourceAccount(),
		OwnerID:         ownerID,
		AddDt:           now,
		UpdatedDt:       now,
	}

	if err := c.repo.WriteTransaction(ctx, &trx); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			existing, err := c.repo.ReadTransaction(ctx, hash)
			if err != nil {
				return transaction.Transaction{}, false, errors.Join(ErrIngestFailed, err)
			}
			c.collectCarried(ctx, &existing, carried)
			return existing, false, nil
		}
		return transaction.Transaction{}, false, errors.Join(ErrIngestFailed, err)
	}

	if c.events != nil {
		if err := c.events.PublishTrxIngested(trx.Hash); err != nil {
			c.log.Warn(fmt.Sprintf("ingest event publish failed for %s: %s", trx.Hash, err.Error()))
		}
	}
	c.collectCarried(ctx, &trx, carried)
	return trx, true, nil
}

// AddSignatures accepts a signed envelope and collects its signatures into
// the transaction the envelope hashes to.
func (c *Coordinator) AddSignatures(ctx context.Context, signedBody string) ([]collector.Outcome, error) {
	e, err := envelope.Parse(signedBody)
	if err != nil {
		return nil, err
	}
	hash, err := e.HashHex()
	if err != nil {
		return nil, err
	}
	trx, err := c.repo.ReadTransaction(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTransactionNotFound
	} else if err != nil {
		return nil, err
	}
	return c.addSignatures(ctx, &trx, e.Signatures())
}

// AddSignaturesTo collects signatures from a signed envelope addressed to the
// transaction known by key. An envelope hashing to a different transaction is
// rejected with ErrHashMismatch.
func (c *Coordinator) AddSignaturesTo(ctx context.Context, key, signedBody string) ([]collector.Outcome, error) {
	trx, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	e, err := envelope.Parse(signedBody)
	if err != nil {
		return nil, err
	}
	hash, err := e.HashHex()
	if err != nil {
		return nil, err
	}
	if hash != trx.Hash {
		return nil, ErrHashMismatch
	}
	return c.addSignatures(ctx, &trx, e.Signatures())
}

func (c *Coordinator) addSignatures(ctx context.Context, trx *transaction.Transaction, sigs []xdr.DecoratedSignature) ([]collector.Outcome, error) {
	if trx.State == transaction.StateSubmitted {
		return nil, ErrTransactionSubmitted
	}
	outcomes, added := c.collector.Collect(ctx, trx, sigs)
	if added > 0 {
		if _, err := c.Status(ctx, trx.Hash); err != nil {
			c.log.Warn(fmt.Sprintf("readiness recheck failed for %s: %s", trx.Hash, err.Error()))
		}
	}
	return outcomes, nil
}

// Status reports per source collected weights against the resolved
// thresholds. A transaction whose every source is satisfied is promoted from
// the new to the ready state as a side effect.
func (c *Coordinator) Status(ctx context.Context, key string) (Status, error) {
	trx, err := c.load(ctx, key)
	if err != nil {
		return Status{}, err
	}

	sigs, err := c.repo.ReadSignatures(ctx, trx.Hash)
	if err != nil {
		return Status{}, err
	}
	signedKeys, visible := c.verifiedSigners(&trx, sigs)

	st := Status{
		Hash:           trx.Hash,
		UUID:           trx.UUID,
		Description:    trx.Description,
		State:          trx.State,
		Body:           trx.Body,
		Sources:        make(map[string]SourceStatus, len(trx.ResolvedSources)),
		Ready:          true,
		SignatureCount: visible,
	}

	for source, req := range trx.ResolvedSources {
		ss := SourceStatus{Threshold: req.Threshold, Signers: make([]SignerStatus, 0, len(req.Signers))}
		for _, s := range req.Signers {
			signed := signedKeys[s.PublicKey]
			if signed {
				ss.CollectedWeight += s.Weight
			}
			ss.Signers = append(ss.Signers, SignerStatus{PublicKey: s.PublicKey, Weight: s.Weight, Signed: signed})
		}
		ss.Satisfied = req.Threshold == 0 || ss.CollectedWeight >= req.Threshold
		if !ss.Satisfied {
			st.Ready = false
		}
		st.Sources[source] = ss
	}

	if count, err := c.repo.CountBySequence(ctx, trx.SourceAccount, trx.StellarSequence); err == nil && count > 1 {
		st.SequenceWarning = fmt.Sprintf(
			"%d stored transactions share sequence %d of %s, only one can ever be accepted by the network",
			count, trx.StellarSequence, trx.SourceAccount)
	}

	if st.Ready && trx.State == transaction.StateNew {
		if err := c.repo.UpdateState(ctx, trx.Hash, transaction.StateReady); err != nil {
			c.log.Error(fmt.Sprintf("state promotion failed for %s: %s", trx.Hash, err.Error()))
		} else {
			st.State = transaction.StateReady
		}
	}
	return st, nil
}

// Assemble rebuilds the signed envelope from the clean stored body and every
// visible collected signature.
func (c *Coordinator) Assemble(ctx context.Context, key string) (string, error) {
	trx, err := c.load(ctx, key)
	if err != nil {
		return "", err
	}
	e, err := envelope.Parse(trx.Body)
	if err != nil {
		return "", err
	}
	sigs, err := c.repo.ReadSignatures(ctx, trx.Hash)
	if err != nil {
		return "", err
	}
	for _, s := range sigs {
		if s.Hidden {
			continue
		}
		sig, err := envelope.DecodeSignature(s.SignatureXDR)
		if err != nil {
			c.log.Error(fmt.Sprintf("stored signature %d of %s does not decode: %s", s.ID, trx.Hash, err.Error()))
			continue
		}
		e.AttachSignatures(sig)
	}
	return e.Base64()
}

// Submit assembles the transaction and posts it to the network. Success moves
// the record to the submitted state. A network rejection keeps the state
// untouched and surfaces the result codes verbatim.
func (c *Coordinator) Submit(ctx context.Context, key string) (horizon.SubmitResult, error) {
	trx, err := c.load(ctx, key)
	if err != nil {
		return horizon.SubmitResult{}, err
	}
	if trx.State == transaction.StateSubmitted {
		return horizon.SubmitResult{}, ErrTransactionSubmitted
	}

	signed, err := c.Assemble(ctx, key)
	if err != nil {
		return horizon.SubmitResult{}, err
	}
	res, err := c.network.SubmitTransaction(signed)
	if err != nil {
		return horizon.SubmitResult{}, err
	}
	if res.Successful {
		if err := c.repo.UpdateState(ctx, trx.Hash, transaction.StateSubmitted); err != nil {
			c.log.Error(fmt.Sprintf("submitted state write failed for %s: %s", trx.Hash, err.Error()))
		}
		c.network.InvalidateAccount(trx.SourceAccount)
		if c.events != nil {
			if err := c.events.PublishTrxSubmitted(trx.Hash); err != nil {
				c.log.Warn(fmt.Sprintf("submit event publish failed for %s: %s", trx.Hash, err.Error()))
			}
		}
	}
	return res, nil
}

// Refresh drops cached account state of every source and resolves the signer
// requirements again. Only the transaction owner or one of the resolved
// signers may refresh.
func (c *Coordinator) Refresh(ctx context.Context, key, requester string) (transaction.Transaction, error) {
	trx, err := c.load(ctx, key)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if trx.State == transaction.StateSubmitted {
		return transaction.Transaction{}, ErrTransactionSubmitted
	}
	if !c.mayRefresh(&trx, requester) {
		return transaction.Transaction{}, ErrNotAllowed
	}

	e, err := envelope.Parse(trx.Body)
	if err != nil {
		return transaction.Transaction{}, err
	}
	for _, source := range e.SourceAccounts() {
		c.network.InvalidateAccount(source)
	}
	resolved, err := c.resolver.Resolve(ctx, e)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if err := c.repo.UpdateResolvedSources(ctx, trx.Hash, resolved); err != nil {
		return transaction.Transaction{}, err
	}
	trx.ResolvedSources = resolved
	return trx, nil
}

// Search lists stored transactions narrowed by the query.
func (c *Coordinator) Search(ctx context.Context, q repository.SearchQuery) ([]transaction.Summary, error) {
	return c.repo.SearchTransactions(ctx, q)
}

// ListForSigner lists pending transactions that still await a signature of
// the public key.
func (c *Coordinator) ListForSigner(ctx context.Context, publicKey string) ([]transaction.Transaction, error) {
	return c.repo.ReadPendingBySigner(ctx, publicKey)
}

// HideSignature flips the soft hide flag on every stored signature of the
// signer, excluding it from aggregation and assembly without deleting the
// rows. The readiness verdict changes accordingly on the next status read.
func (c *Coordinator) HideSignature(ctx context.Context, key, signerKey string, hidden bool) error {
	trx, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	if trx.State == transaction.StateSubmitted {
		return ErrTransactionSubmitted
	}
	kp, err := keypair.ParseAddress(signerKey)
	if err != nil {
		return err
	}
	hashBytes, err := hex.DecodeString(trx.Hash)
	if err != nil {
		return err
	}
	sigs, err := c.repo.ReadSignatures(ctx, trx.Hash)
	if err != nil {
		return err
	}
	found := false
	for _, s := range sigs {
		sig, err := envelope.DecodeSignature(s.SignatureXDR)
		if err != nil {
			continue
		}
		if kp.Verify(hashBytes, sig.Signature) != nil {
			continue
		}
		if err := c.repo.SetSignatureHidden(ctx, s.ID, hidden); err != nil {
			return err
		}
		found = true
	}
	if !found {
		return ErrSignatureNotFound
	}
	return nil
}

// BindSignerIdentity attaches the directory identity to a known signing key.
// An unknown key is a no-op, the signer row appears on its first signature.
func (c *Coordinator) BindSignerIdentity(ctx context.Context, publicKey, username string, tgID *int64) error {
	err := c.repo.UpdateSignerIdentity(ctx, publicKey, username, tgID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

// ToggleAlert flips the alert subscription of a messaging user on the
// transaction and returns the resulting state.
func (c *Coordinator) ToggleAlert(ctx context.Context, tgID int64, key string) (bool, error) {
	trx, err := c.load(ctx, key)
	if err != nil {
		return false, err
	}
	return c.repo.ToggleAlert(ctx, tgID, trx.Hash)
}

func (c *Coordinator) load(ctx context.Context, key string) (transaction.Transaction, error) {
	var trx transaction.Transaction
	var err error
	if isHashKey(key) {
		trx, err = c.repo.ReadTransaction(ctx, key)
	} else {
		trx, err = c.repo.ReadTransactionByUUID(ctx, key)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return transaction.Transaction{}, ErrTransactionNotFound
	}
	return trx, err
}

func (c *Coordinator) collectCarried(ctx context.Context, trx *transaction.Transaction, sigs []xdr.DecoratedSignature) {
	if len(sigs) == 0 || trx.State == transaction.StateSubmitted {
		return
	}
	outcomes, _ := c.collector.Collect(ctx, trx, sigs)
	for _, o := range outcomes {
		if o.Err != nil && !errors.Is(o.Err, collector.ErrDuplicateSignature) {
			c.log.Warn(fmt.Sprintf("carried signature dropped on ingest of %s: %s", trx.Hash, o.Message))
		}
	}
}

// verifiedSigners maps stored visible signatures back to resolved signer
// public keys by hint match plus an ed25519 check against the hash.
func (c *Coordinator) verifiedSigners(trx *transaction.Transaction, sigs []transaction.Signature) (map[string]bool, int) {
	signed := make(map[string]bool)
	hashBytes, err := hex.DecodeString(trx.Hash)
	if err != nil {
		c.log.Error(fmt.Sprintf("transaction %s carries an undecodable hash: %s", trx.Hash, err.Error()))
		return signed, 0
	}

	visible := 0
	for _, s := range sigs {
		if s.Hidden {
			continue
		}
		visible++
		sig, err := envelope.DecodeSignature(s.SignatureXDR)
		if err != nil {
			continue
		}
		hint := envelope.HintHex(sig.Hint)
		for _, req := range trx.ResolvedSources {
			for _, signer := range req.Signers {
				if signer.Hint != hint || signed[signer.PublicKey] {
					continue
				}
				kp, err := keypair.ParseAddress(signer.PublicKey)
				if err != nil {
					continue
				}
				if kp.Verify(hashBytes, sig.Signature) == nil {
					signed[signer.PublicKey] = true
				}
			}
		}
	}
	return signed, visible
}

func (c *Coordinator) mayRefresh(trx *transaction.Transaction, requester string) bool {
	if requester == "" {
		return false
	}
	if requester == trx.OwnerID {
		return true
	}
	for _, req := range trx.ResolvedSources {
		for _, s := range req.Signers {
			if s.PublicKey == requester {
				return true
			}
		}
	}
	return false
}

func isHashKey(key string) bool {
	if len(key) != hashHexLength {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

func newUUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return base58.Encode(buf)
}
