package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/attid/eurmtl/httpclient"
)

var ErrSendFailed = errors.New("bot message send failed")

const defaultTimeoutSeconds = 10

// Config contains configuration of the messaging bot sink.
type Config struct {
	Address        string `yaml:"address"`         // Base address of the bot API.
	Token          string `yaml:"token"`           // Bot token, never logged.
	TimeoutSeconds uint64 `yaml:"timeout_seconds"` // Budget of a single outgoing call.
}

// Client is a write-only sink for human notifications. Delivery failures are
// reported to the caller who logs and continues, a notification never blocks
// the main flow.
type Client struct {
	address string
	token   string
	timeout time.Duration
}

// NewClient creates the bot Client.
func NewClient(cfg Config) *Client {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = defaultTimeoutSeconds
	}
	return &Client{
		address: cfg.Address,
		token:   cfg.Token,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	Ok bool `json:"ok"`
}

// SendMessage delivers one HTML formatted message to the chat.
func (c *Client) SendMessage(chatID int64, text string) error {
	uri := fmt.Sprintf("%s/bot%s/sendMessage", c.address, c.token)
	req := sendMessageRequest{ChatID: chatID, Text: text, ParseMode: "HTML"}
	var resp sendMessageResponse
	if err := httpclient.MakePost(c.timeout, uri, req, &resp); err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if !resp.Ok {
		return ErrSendFailed
	}
	return nil
}
