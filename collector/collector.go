package collector

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/xdr"

	"github.com/attid/eurmtl/envelope"
	"github.com/attid/eurmtl/logger"
	"github.com/attid/eurmtl/repository"
	"github.com/attid/eurmtl/transaction"
)

var (
	ErrDuplicateSignature = errors.New("signature already stored")
	ErrUnknownHint        = errors.New("signature hint matches no resolved signer")
	ErrBadSignature       = errors.New("signature verification failed")
)

type signatureStore interface {
	WriteSignature(ctx context.Context, hash string, signerID *int64, signatureXDR []byte) error
	ReadSignerByPublicKey(ctx context.Context, publicKey string) (transaction.Signer, error)
	ReadAlertSubscribers(ctx context.Context, hash string) ([]int64, error)
}

type notifier interface {
	SendMessage(chatID int64, text string) error
}

type eventPublisher interface {
	PublishSignatureCollected(hash, signerPublicKey string) error
}

// Outcome is the per signature result of a collection batch. Err is nil when
// the signature was verified and persisted, otherwise it wraps one of the
// package sentinels. Failures of one signature never abort the batch.
type Outcome struct {
	Hint     string `json:"hint"`
	SignedBy string `json:"signed_by,omitempty"`
	Err      error  `json:"-"`
	Message  string `json:"message"`
}

// Collector verifies decorated signatures against the transaction hash and
// the resolved signer set, deduplicates and persists them.
type Collector struct {
	store  signatureStore
	bot    notifier
	events eventPublisher
	log    logger.Logger
}

// New creates the Collector. The bot and the event publisher may be nil, the
// notification path is best effort.
func New(store signatureStore, bot notifier, events eventPublisher, log logger.Logger) *Collector {
	return &Collector{store: store, bot: bot, events: events, log: log}
}

// Collect processes every decorated signature in the context of the stored
// transaction and returns a per signature outcome list. Added reports how
// many signatures were newly persisted.
func (c *Collector) Collect(ctx context.Context, trx *transaction.Transaction, sigs []xdr.DecoratedSignature) (outcomes []Outcome, added int) {
	hashBytes, err := hex.DecodeString(trx.Hash)
	if err != nil {
		c.log.Error(fmt.Sprintf("transaction %s carries an undecodable hash: %s", trx.Hash, err.Error()))
		return nil, 0
	}

	for _, sig := range sigs {
		outcome := c.collectOne(ctx, trx, hashBytes, sig)
		if outcome.Err == nil {
			added++
		}
		outcomes = append(outcomes, outcome)
	}

	if added > 0 {
		go c.notifySubscribers(trx.Hash, added)
	}
	return outcomes, added
}

func (c *Collector) collectOne(ctx context.Context, trx *transaction.Transaction, hashBytes []byte, sig xdr.DecoratedSignature) Outcome {
	hint := envelope.HintHex(sig.Hint)

	candidates := candidateKeys(trx.ResolvedSources, hint)
	if len(candidates) == 0 {
		return Outcome{
			Hint: hint,
			Err:  ErrUnknownHint,
			Message: fmt.Sprintf(
				"signature with hint %s does not belong to any signer of this transaction and was dropped", hint),
		}
	}

	var signedBy string
	for _, publicKey := range candidates {
		kp, err := keypair.ParseAddress(publicKey)
		if err != nil {
			c.log.Error(fmt.Sprintf("resolved signer %s does not parse: %s", publicKey, err.Error()))
			continue
		}
		if kp.Verify(hashBytes, sig.Signature) == nil {
			signedBy = publicKey
			break
		}
	}
	if signedBy == "" {
		return Outcome{
			Hint:    hint,
			Err:     ErrBadSignature,
			Message: fmt.Sprintf("signature with hint %s does not verify against the transaction hash and was dropped", hint),
		}
	}

	raw, err := envelope.EncodeSignature(sig)
	if err != nil {
		return Outcome{Hint: hint, SignedBy: signedBy, Err: err, Message: "signature could not be encoded"}
	}

	var signerID *int64
	signerName := signedBy
	signer, err := c.store.ReadSignerByPublicKey(ctx, signedBy)
	switch {
	case err == nil:
		signerID = &signer.ID
		if signer.Username != transaction.AnonymousUsername {
			signerName = signer.Username
		}
	case !errors.Is(err, repository.ErrNotFound):
		c.log.Error(fmt.Sprintf("signer lookup failed for %s: %s", signedBy, err.Error()))
	}

	if err := c.store.WriteSignature(ctx, trx.Hash, signerID, raw); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return Outcome{
				Hint:     hint,
				SignedBy: signedBy,
				Err:      ErrDuplicateSignature,
				Message:  fmt.Sprintf("signature of %s is already collected", signerName),
			}
		}
		return Outcome{Hint: hint, SignedBy: signedBy, Err: err, Message: "signature could not be stored"}
	}

	if c.events != nil {
		if err := c.events.PublishSignatureCollected(trx.Hash, signedBy); err != nil {
			c.log.Warn(fmt.Sprintf("signature event publish failed: %s", err.Error()))
		}
	}

	return Outcome{
		Hint:     hint,
		SignedBy: signedBy,
		Message:  fmt.Sprintf("signature of %s collected", signerName),
	}
}

func (c *Collector) notifySubscribers(hash string, added int) {
	if c.bot == nil {
		return
	}
	subscribers, err := c.store.ReadAlertSubscribers(context.Background(), hash)
	if err != nil {
		c.log.Warn(fmt.Sprintf("alert subscribers lookup failed for %s: %s", hash, err.Error()))
		return
	}
	text := fmt.Sprintf("Transaction <code>%s</code> gained %d new signature(s).", hash, added)
	for _, tgID := range subscribers {
		if err := c.bot.SendMessage(tgID, text); err != nil {
			c.log.Warn(fmt.Sprintf("alert notification to %d failed: %s", tgID, err.Error()))
		}
	}
}

func candidateKeys(sources transaction.ResolvedSources, hint string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, req := range sources {
		for _, s := range req.Signers {
			if s.Hint != hint {
				continue
			}
			if _, ok := seen[s.PublicKey]; ok {
				continue
			}
			seen[s.PublicKey] = struct{}{}
			keys = append(keys, s.PublicKey)
		}
	}
	return keys
}
