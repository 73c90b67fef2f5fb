package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/xdr"

	"github.com/attid/eurmtl/envelope"
	"github.com/attid/eurmtl/logger"
	"github.com/attid/eurmtl/transaction"
)

var ErrResolveFailed = errors.New("signer resolution failed")

// Level is the canonical Stellar threshold level of an operation.
type Level uint8

const (
	LevelLow Level = iota
	LevelMed
	LevelHigh
)

const ed25519SignerType = "ed25519_public_key"

type accountReader interface {
	Account(accountID string) (hProtocol.Account, error)
}

type signerUpserter interface {
	UpsertSigner(ctx context.Context, publicKey, hint, username string) (int64, error)
}

// Resolver derives, for every source account of an envelope, the weight
// threshold required by the highest operation level and the authoritative
// signer set from the live network state.
type Resolver struct {
	network accountReader
	repo    signerUpserter
	log     logger.Logger
}

// New creates the Resolver.
func New(network accountReader, repo signerUpserter, log logger.Logger) *Resolver {
	return &Resolver{network: network, repo: repo, log: log}
}

// ClassifyOperation maps an operation to its threshold level. SetOptions is
// high only when it touches signers, thresholds or the master weight. Types
// unknown to the table default to high, the safe overapproximation.
func (r *Resolver) ClassifyOperation(op xdr.Operation) Level {
	switch op.Body.Type {
	case xdr.OperationTypeAccountMerge:
		return LevelHigh
	case xdr.OperationTypeSetOptions:
		so, ok := op.Body.GetSetOptionsOp()
		if !ok {
			return LevelHigh
		}
		if so.Signer != nil || so.MasterWeight != nil ||
			so.LowThreshold != nil || so.MedThreshold != nil || so.HighThreshold != nil {
			return LevelHigh
		}
		return LevelMed
	case xdr.OperationTypeBumpSequence,
		xdr.OperationTypeAllowTrust,
		xdr.OperationTypeSetTrustLineFlags,
		xdr.OperationTypeClaimClaimableBalance:
		return LevelLow
	case xdr.OperationTypeCreateAccount,
		xdr.OperationTypePayment,
		xdr.OperationTypePathPaymentStrictReceive,
		xdr.OperationTypePathPaymentStrictSend,
		xdr.OperationTypeManageBuyOffer,
		xdr.OperationTypeManageSellOffer,
		xdr.OperationTypeCreatePassiveSellOffer,
		xdr.OperationTypeChangeTrust,
		xdr.OperationTypeManageData,
		xdr.OperationTypeCreateClaimableBalance,
		xdr.OperationTypeBeginSponsoringFutureReserves,
		xdr.OperationTypeEndSponsoringFutureReserves,
		xdr.OperationTypeRevokeSponsorship,
		xdr.OperationTypeClawback,
		xdr.OperationTypeClawbackClaimableBalance,
		xdr.OperationTypeLiquidityPoolDeposit,
		xdr.OperationTypeLiquidityPoolWithdraw,
		xdr.OperationTypeInvokeHostFunction,
		xdr.OperationTypeExtendFootprintTtl,
		xdr.OperationTypeRestoreFootprint:
		return LevelMed
	default:
		r.log.Warn(fmt.Sprintf("unknown operation type %d classified as high threshold", op.Body.Type))
		return LevelHigh
	}
}

// Resolve computes the per source requirement mapping for the envelope.
// When Horizon is unreachable for a source the account falls back to a
// single signature self signed requirement so ingest stays live.
func (r *Resolver) Resolve(ctx context.Context, e *envelope.Envelope) (transaction.ResolvedSources, error) {
	levels := r.maxLevels(e)

	resolved := make(transaction.ResolvedSources, len(levels))
	for _, source := range e.SourceAccounts() {
		level := levels[source]
		req, err := r.resolveSource(ctx, source, level)
		if err != nil {
			return nil, errors.Join(ErrResolveFailed, err)
		}
		resolved[source] = req
	}
	return resolved, nil
}

func (r *Resolver) maxLevels(e *envelope.Envelope) map[string]Level {
	levels := make(map[string]Level)
	for _, source := range e.SourceAccounts() {
		levels[source] = LevelLow
	}
	for _, op := range e.Operations() {
		source := e.OperationSource(op)
		if level := r.ClassifyOperation(op); level > levels[source] {
			levels[source] = level
		}
	}
	return levels
}

func (r *Resolver) resolveSource(ctx context.Context, source string, level Level) (transaction.SourceRequirement, error) {
	acc, err := r.network.Account(source)
	if err != nil {
		r.log.Warn(fmt.Sprintf(
			"account %s unreachable, falling back to single signature requirement: %s", source, err.Error()))
		return r.fallbackRequirement(ctx, source)
	}

	var threshold uint32
	switch level {
	case LevelLow:
		threshold = uint32(acc.Thresholds.LowThreshold)
	case LevelMed:
		threshold = uint32(acc.Thresholds.MedThreshold)
	default:
		threshold = uint32(acc.Thresholds.HighThreshold)
	}

	signers := make([]transaction.SignerWeight, 0, len(acc.Signers))
	for _, s := range acc.Signers {
		if s.Type != ed25519SignerType {
			r.log.Debug(fmt.Sprintf("skipping signer %s of unsupported type %s on %s", s.Key, s.Type, source))
			continue
		}
		hint, err := envelope.SignatureHint(s.Key)
		if err != nil {
			return transaction.SourceRequirement{}, err
		}
		signers = append(signers, transaction.SignerWeight{
			PublicKey: s.Key,
			Weight:    uint32(s.Weight),
			Hint:      hint,
		})
		if _, err := r.repo.UpsertSigner(ctx, s.Key, hint, transaction.AnonymousUsername); err != nil {
			r.log.Error(fmt.Sprintf("signer upsert failed for %s: %s", s.Key, err.Error()))
		}
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i].PublicKey < signers[j].PublicKey })

	return transaction.SourceRequirement{Threshold: threshold, Signers: signers}, nil
}

func (r *Resolver) fallbackRequirement(ctx context.Context, source string) (transaction.SourceRequirement, error) {
	hint, err := envelope.SignatureHint(source)
	if err != nil {
		return transaction.SourceRequirement{}, err
	}
	if _, err := r.repo.UpsertSigner(ctx, source, hint, transaction.AnonymousUsername); err != nil {
		r.log.Error(fmt.Sprintf("signer upsert failed for %s: %s", source, err.Error()))
	}
	return transaction.SourceRequirement{
		Threshold: 0,
		Signers:   []transaction.SignerWeight{{PublicKey: source, Weight: 1, Hint: hint}},
	}, nil
}
