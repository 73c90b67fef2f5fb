package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/attid/eurmtl/httpclient"
)

var (
	ErrTableFetchFailed = errors.New("directory table fetch failed")
	ErrWriteBackFailed  = errors.New("directory write back failed")
)

const defaultTimeoutSeconds = 10

// Record is one directory row: a numeric row id plus the named fields.
type Record struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields"`
}

type recordsPage struct {
	Records []Record `json:"records"`
}

// ClientConfig contains configuration of the directory REST client.
type ClientConfig struct {
	Address        string `yaml:"address"`         // Base address of the directory API.
	Token          string `yaml:"token"`           // Bearer token, never logged.
	TimeoutSeconds uint64 `yaml:"timeout_seconds"` // Budget of a single outgoing call.
}

// Client talks to the external tabular directory over its records API.
type Client struct {
	address string
	token   string
	timeout time.Duration
}

// NewClient creates the directory Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = defaultTimeoutSeconds
	}
	return &Client{
		address: cfg.Address,
		token:   cfg.Token,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

// Records fetches the full content of a table.
func (c *Client) Records(table string) ([]Record, error) {
	var page recordsPage
	uri := fmt.Sprintf("%s/tables/%s/records", c.address, table)
	if err := httpclient.MakeGet(c.timeout, uri, &page, httpclient.Options{BearerToken: c.token}); err != nil {
		return nil, errors.Join(ErrTableFetchFailed, err)
	}
	return page.Records, nil
}

// FilteredRecords fetches live rows whose field matches the value, bypassing
// any snapshot. Used where a stale read is not acceptable.
func (c *Client) FilteredRecords(table, field string, value any) ([]Record, error) {
	filter, err := json.Marshal(map[string][]any{field: {value}})
	if err != nil {
		return nil, err
	}
	var page recordsPage
	uri := fmt.Sprintf("%s/tables/%s/records?filter=%s", c.address, table, url.QueryEscape(string(filter)))
	if err := httpclient.MakeGet(c.timeout, uri, &page, httpclient.Options{BearerToken: c.token}); err != nil {
		return nil, errors.Join(ErrTableFetchFailed, err)
	}
	return page.Records, nil
}

// UpdateRecords patches existing rows of a table in place.
func (c *Client) UpdateRecords(table string, records []Record) error {
	uri := fmt.Sprintf("%s/tables/%s/records", c.address, table)
	payload := recordsPage{Records: records}
	if err := httpclient.MakePatch(c.timeout, uri, payload, nil, httpclient.Options{BearerToken: c.token}); err != nil {
		return errors.Join(ErrWriteBackFailed, err)
	}
	return nil
}

// AddRecords appends new rows to a table.
func (c *Client) AddRecords(table string, records []Record) error {
	uri := fmt.Sprintf("%s/tables/%s/records", c.address, table)
	payload := recordsPage{Records: records}
	if err := httpclient.MakePost(c.timeout, uri, payload, nil, httpclient.Options{BearerToken: c.token}); err != nil {
		return errors.Join(ErrWriteBackFailed, err)
	}
	return nil
}

// UpdateDealTransaction writes the signing URL into the deal row after the
// deal transaction was ingested.
func (c *Client) UpdateDealTransaction(table string, dealID int64, signingURL string) error {
	return c.UpdateRecords(table, []Record{{
		ID:     dealID,
		Fields: map[string]any{"transaction": signingURL},
	}})
}

// ClearDealChecked drops the checked flag of a deal row so that a failed deal
// is not retried until a human looks at it.
func (c *Client) ClearDealChecked(table string, dealID int64) error {
	return c.UpdateRecords(table, []Record{{
		ID:     dealID,
		Fields: map[string]any{"checked": false},
	}})
}
