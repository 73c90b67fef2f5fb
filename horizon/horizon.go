package horizon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	hProtocol "github.com/stellar/go/protocols/horizon"

	"github.com/attid/eurmtl/httpclient"
	"github.com/attid/eurmtl/logger"
	"github.com/attid/eurmtl/ttlcache"
)

var (
	ErrAccountLookupFailed = errors.New("account lookup failed")
	ErrOffersLookupFailed  = errors.New("offers lookup failed")
	ErrPoolLookupFailed    = errors.New("liquidity pool lookup failed")
	ErrAssetLookupFailed   = errors.New("asset lookup failed")
	ErrSubmitFailed        = errors.New("transaction submit failed")
)

const (
	defaultTimeoutSeconds = 10

	accountLongevitySeconds = 30
	offersLongevitySeconds  = 30
	poolLongevitySeconds    = 60
	assetLongevitySeconds   = 600
)

// Config contains configuration of the Horizon client.
type Config struct {
	Address        string `yaml:"address"`         // Address of the Horizon API.
	TimeoutSeconds uint64 `yaml:"timeout_seconds"` // Total budget of a single outgoing call.
}

// SubmitResult carries the outcome of a transaction submission together with
// the result codes Horizon reports on rejection.
type SubmitResult struct {
	Successful bool   `json:"successful"`
	Hash       string `json:"hash"`
	Ledger     int32  `json:"ledger"`
	// Rejection details, verbatim from Horizon.
	TransactionCode string   `json:"transaction_code,omitempty"`
	OperationCodes  []string `json:"operation_codes,omitempty"`
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Extras struct {
		ResultCodes struct {
			Transaction string   `json:"transaction"`
			Operations  []string `json:"operations"`
		} `json:"result_codes"`
	} `json:"extras"`
}

type offersPage struct {
	Embedded struct {
		Records []hProtocol.Offer `json:"records"`
	} `json:"_embedded"`
}

type assetsPage struct {
	Embedded struct {
		Records []hProtocol.AssetStat `json:"records"`
	} `json:"_embedded"`
}

// Client provides typed access to the subset of the Horizon HTTP API the
// service consumes. Reads are cached, failures of a single call are retried
// once on transport level errors.
type Client struct {
	address  string
	timeout  time.Duration
	log      logger.Logger
	accounts *ttlcache.Cache[string, hProtocol.Account]
	offers   *ttlcache.Cache[string, []hProtocol.Offer]
	pools    *ttlcache.Cache[string, hProtocol.LiquidityPool]
	assets   *ttlcache.Cache[string, bool]
}

// NewClient creates a Horizon client with per-resource TTL caches bound to ctx.
func NewClient(ctx context.Context, cfg Config, log logger.Logger) *Client {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = defaultTimeoutSeconds
	}
	return &Client{
		address:  strings.TrimSuffix(cfg.Address, "/"),
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		log:      log,
		accounts: ttlcache.New[string, hProtocol.Account](ctx, ttlcache.Config{Longevity: accountLongevitySeconds}),
		offers:   ttlcache.New[string, []hProtocol.Offer](ctx, ttlcache.Config{Longevity: offersLongevitySeconds}),
		pools:    ttlcache.New[string, hProtocol.LiquidityPool](ctx, ttlcache.Config{Longevity: poolLongevitySeconds}),
		assets:   ttlcache.New[string, bool](ctx, ttlcache.Config{Longevity: assetLongevitySeconds}),
	}
}

// Account returns the account snapshot with signers, thresholds and sequence.
func (c *Client) Account(accountID string) (hProtocol.Account, error) {
	acc, err := c.accounts.GetOrLoad(accountID, func() (hProtocol.Account, error) {
		var acc hProtocol.Account
		err := c.get(fmt.Sprintf("%s/accounts/%s", c.address, accountID), &acc)
		return acc, err
	})
	if err != nil {
		return hProtocol.Account{}, errors.Join(ErrAccountLookupFailed, err)
	}
	return acc, nil
}

// InvalidateAccount drops the cached snapshot so that the next Account call
// fetches live network state. Used by the refresh operation.
func (c *Client) InvalidateAccount(accountID string) {
	c.accounts.Delete(accountID)
}

// Sequence returns the current sequence number of the account.
func (c *Client) Sequence(accountID string) (int64, error) {
	acc, err := c.Account(accountID)
	if err != nil {
		return 0, err
	}
	return acc.Sequence, nil
}

// AccountOffers returns open offers of the account.
func (c *Client) AccountOffers(accountID string) ([]hProtocol.Offer, error) {
	offers, err := c.offers.GetOrLoad(accountID, func() ([]hProtocol.Offer, error) {
		var page offersPage
		err := c.get(fmt.Sprintf("%s/accounts/%s/offers?limit=200", c.address, accountID), &page)
		return page.Embedded.Records, err
	})
	if err != nil {
		return nil, errors.Join(ErrOffersLookupFailed, err)
	}
	return offers, nil
}

// LiquidityPool returns the liquidity pool snapshot.
func (c *Client) LiquidityPool(poolID string) (hProtocol.LiquidityPool, error) {
	pool, err := c.pools.GetOrLoad(poolID, func() (hProtocol.LiquidityPool, error) {
		var pool hProtocol.LiquidityPool
		err := c.get(fmt.Sprintf("%s/liquidity_pools/%s", c.address, poolID), &pool)
		return pool, err
	})
	if err != nil {
		return hProtocol.LiquidityPool{}, errors.Join(ErrPoolLookupFailed, err)
	}
	return pool, nil
}

// AssetExists reports whether the asset is known to the network.
func (c *Client) AssetExists(code, issuer string) (bool, error) {
	key := code + ":" + issuer
	exists, err := c.assets.GetOrLoad(key, func() (bool, error) {
		var page assetsPage
		uri := fmt.Sprintf("%s/assets?asset_code=%s&asset_issuer=%s",
			c.address, url.QueryEscape(code), url.QueryEscape(issuer))
		if err := c.get(uri, &page); err != nil {
			return false, err
		}
		return len(page.Embedded.Records) > 0, nil
	})
	if err != nil {
		return false, errors.Join(ErrAssetLookupFailed, err)
	}
	return exists, nil
}

// SubmitTransaction posts the base64 envelope to the network. A rejected
// transaction is not an error here, the caller inspects SubmitResult.
func (c *Client) SubmitTransaction(body string) (SubmitResult, error) {
	status, raw, err := httpclient.MakePostForm(c.timeout, c.address+"/transactions", map[string]string{"tx": body})
	if err != nil {
		return SubmitResult{}, errors.Join(ErrSubmitFailed, err)
	}

	if status >= 200 && status < 300 {
		var res SubmitResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return SubmitResult{}, errors.Join(ErrSubmitFailed, err)
		}
		return res, nil
	}

	var p problem
	if err := json.Unmarshal(raw, &p); err != nil {
		return SubmitResult{}, errors.Join(ErrSubmitFailed,
			fmt.Errorf("status %d with undecodable body", status))
	}
	return SubmitResult{
		Successful:      false,
		TransactionCode: p.Extras.ResultCodes.Transaction,
		OperationCodes:  p.Extras.ResultCodes.Operations,
	}, nil
}

func (c *Client) get(uri string, out any) error {
	err := httpclient.MakeGet(c.timeout, uri, out)
	if err == nil {
		return nil
	}
	if errors.Is(err, httpclient.ErrStatusCodeMismatch) {
		return err
	}
	// one retry on transport level failures
	c.log.Warn(fmt.Sprintf("horizon call retried after transport error: %s", err.Error()))
	return httpclient.MakeGet(c.timeout, uri, out)
}
