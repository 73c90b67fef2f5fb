package deal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"

	"github.com/attid/eurmtl/directory"
	"github.com/attid/eurmtl/envelope"
	"github.com/attid/eurmtl/logger"
	"github.com/attid/eurmtl/transaction"
)

var (
	ErrNoParticipants  = errors.New("deal has no participants")
	ErrInvalidDeal     = errors.New("deal validation failed")
	ErrDealBuildFailed = errors.New("deal transaction build failed")
)

const minAmount = 0.1

// Config contains configuration of the deal processor.
type Config struct {
	DealsTable        string `yaml:"deals_table"`
	ParticipantsTable string `yaml:"participants_table"`
	UsersTable        string `yaml:"users_table"`
	AssetCode         string `yaml:"asset_code"`
	AssetIssuer       string `yaml:"asset_issuer"`
	Account           string `yaml:"account"`       // Collecting account and primary source of every deal transaction.
	ServiceURL        string `yaml:"service_url"`   // Base of the signing URL written back to the deal row.
	AdminChatID       int64  `yaml:"admin_chat_id"` // Humans notified about deal outcomes.
}

// Record is one deal row carried by the webhook.
type Record struct {
	ID          int64  `json:"id"`
	Checked     bool   `json:"checked"`
	Transaction string `json:"transaction"`
}

type directoryReader interface {
	Filtered(table, field string, values []string) ([]directory.Record, error)
}

type directoryClient interface {
	FilteredRecords(table, field string, value any) ([]directory.Record, error)
	UpdateDealTransaction(table string, dealID int64, signingURL string) error
	ClearDealChecked(table string, dealID int64) error
}

type sequencer interface {
	Sequence(accountID string) (int64, error)
}

type ingester interface {
	AddTransaction(ctx context.Context, body, description, ownerID string) (transaction.Transaction, bool, error)
}

type notifier interface {
	SendMessage(chatID int64, text string) error
}

type participant struct {
	address string
	name    string
	amount  float64
}

// Processor turns checked deal records into payment transactions and injects
// them into the lifecycle engine. Each deal is processed under its own mutex,
// a concurrent webhook for the same deal is skipped.
type Processor struct {
	cfg      Config
	cache    directoryReader
	client   directoryClient
	network  sequencer
	engine   ingester
	bot      notifier
	log      logger.Logger
	mu       sync.Mutex
	inflight map[int64]*sync.Mutex
}

// New creates the Processor. The bot may be nil.
func New(cfg Config, cache directoryReader, client directoryClient, network sequencer, engine ingester, bot notifier, log logger.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		cache:    cache,
		client:   client,
		network:  network,
		engine:   engine,
		bot:      bot,
		log:      log,
		inflight: make(map[int64]*sync.Mutex),
	}
}

// Process handles every webhook record that is checked and not yet bound to a
// transaction. Returns the number of deals handled in this call.
func (p *Processor) Process(ctx context.Context, records []Record) int {
	handled := 0
	for _, rec := range records {
		if !rec.Checked || rec.Transaction != "" {
			continue
		}
		lock := p.dealLock(rec.ID)
		if !lock.TryLock() {
			p.log.Info(fmt.Sprintf("deal %d is already being processed, skipping", rec.ID))
			continue
		}
		p.handle(ctx, rec.ID)
		lock.Unlock()
		handled++
	}
	return handled
}

func (p *Processor) handle(ctx context.Context, dealID int64) {
	participants, err := p.loadParticipants(dealID)
	if err != nil {
		p.fail(dealID, err)
		return
	}
	if errs := validate(participants); len(errs) > 0 {
		p.fail(dealID, errors.Join(ErrInvalidDeal, errors.New(strings.Join(errs, "; "))))
		return
	}

	body, err := p.buildTransaction(dealID, participants)
	if err != nil {
		p.fail(dealID, err)
		return
	}

	trx, _, err := p.engine.AddTransaction(ctx, body, fmt.Sprintf("Deal #%d", dealID), "deals")
	if err != nil {
		p.fail(dealID, err)
		return
	}

	signingURL := fmt.Sprintf("%s/sign_tools/%s", p.cfg.ServiceURL, trx.UUID)
	if err := p.client.UpdateDealTransaction(p.cfg.DealsTable, dealID, signingURL); err != nil {
		p.log.Error(fmt.Sprintf("deal %d signing url write back failed: %s", dealID, err.Error()))
	}
	p.notify(fmt.Sprintf("Deal #%d is ready for signing: %s", dealID, signingURL))
}

// loadParticipants reads the participant rows live from the directory, a
// stale snapshot must never decide deal amounts. Holders come from the cached
// users table.
func (p *Processor) loadParticipants(dealID int64) ([]participant, error) {
	rows, err := p.client.FilteredRecords(p.cfg.ParticipantsTable, "deal_id", dealID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoParticipants
	}

	holderIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		holderIDs = append(holderIDs, directory.FieldString(row, "holder_id"))
	}
	holders, err := p.cache.Filtered(p.cfg.UsersTable, "id", holderIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]directory.Record, len(holders))
	for _, h := range holders {
		byID[directory.FieldString(h, "id")] = h
	}

	participants := make([]participant, 0, len(rows))
	for _, row := range rows {
		holderID := directory.FieldString(row, "holder_id")
		holder, ok := byID[holderID]
		if !ok {
			return nil, fmt.Errorf("holder %s of deal %d is unknown to the directory", holderID, dealID)
		}
		participants = append(participants, participant{
			address: directory.FieldString(holder, "account_id"),
			name:    directory.FieldString(holder, "username"),
			amount:  directory.FieldFloat(row, "amount"),
		})
	}
	return participants, nil
}

func validate(participants []participant) []string {
	var errs []string
	for i, part := range participants {
		if _, err := strkey.Decode(strkey.VersionByteAccountID, part.address); err != nil {
			errs = append(errs, fmt.Sprintf("participant %d (%s) has no valid stellar address", i+1, part.name))
		}
		if part.amount < minAmount {
			errs = append(errs, fmt.Sprintf("participant %d (%s) amount %v is below the minimum %v",
				i+1, part.name, part.amount, minAmount))
		}
	}
	return errs
}

func (p *Processor) buildTransaction(dealID int64, participants []participant) (string, error) {
	sequence, err := p.network.Sequence(p.cfg.Account)
	if err != nil {
		return "", errors.Join(ErrDealBuildFailed, err)
	}

	asset := txnbuild.CreditAsset{Code: p.cfg.AssetCode, Issuer: p.cfg.AssetIssuer}
	ops := make([]txnbuild.Operation, 0, len(participants))
	for _, part := range participants {
		ops = append(ops, &txnbuild.Payment{
			SourceAccount: part.address,
			Destination:   p.cfg.Account,
			Amount:        strconv.FormatFloat(part.amount, 'f', 7, 64),
			Asset:         asset,
		})
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: p.cfg.Account, Sequence: sequence},
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              txnbuild.MinBaseFee,
		Memo:                 txnbuild.MemoText(fmt.Sprintf("Deal #%d", dealID)),
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	if err != nil {
		return "", errors.Join(ErrDealBuildFailed, err)
	}
	body, err := tx.Base64()
	if err != nil {
		return "", errors.Join(ErrDealBuildFailed, err)
	}
	// round trip through the codec guards against building what we cannot parse
	if _, err := envelope.Parse(body); err != nil {
		return "", errors.Join(ErrDealBuildFailed, err)
	}
	return body, nil
}

func (p *Processor) fail(dealID int64, err error) {
	p.log.Error(fmt.Sprintf("deal %d failed: %s", dealID, err.Error()))
	if clearErr := p.client.ClearDealChecked(p.cfg.DealsTable, dealID); clearErr != nil {
		p.log.Error(fmt.Sprintf("deal %d checked flag clear failed: %s", dealID, clearErr.Error()))
	}
	p.notify(fmt.Sprintf("Deal #%d was not processed: %s", dealID, err.Error()))
}

func (p *Processor) notify(text string) {
	if p.bot == nil {
		return
	}
	if err := p.bot.SendMessage(p.cfg.AdminChatID, text); err != nil {
		p.log.Warn(fmt.Sprintf("deal notification failed: %s", err.Error()))
	}
}

func (p *Processor) dealLock(id int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.inflight[id]
	if !ok {
		lock = &sync.Mutex{}
		p.inflight[id] = lock
	}
	return lock
}
