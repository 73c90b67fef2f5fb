package natsclient

import (
	"errors"
	"net/url"

	"github.com/nats-io/nats.go"
)

// Subjects of the lifecycle events the service emits.
const (
	PubSubTrxIngested  string = "eurmtl.tx.ingested"
	PubSubTrxSigned    string = "eurmtl.tx.signed"
	PubSubTrxSubmitted string = "eurmtl.tx.submitted"
)

var ErrEmptyAddressProvided = errors.New("nats address is empty")

// Config contains all arguments required to connect to the nats service.
type Config struct {
	Address string `yaml:"server_address"`
	Name    string `yaml:"client_name"`
	Token   string `yaml:"token"`
}

type socket struct {
	conn *nats.Conn
}

func connect(cfg Config) (*socket, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddressProvided
	}
	if _, err := url.Parse(cfg.Address); err != nil {
		return nil, err
	}
	var s socket
	var err error
	s.conn, err = nats.Connect(cfg.Address, nats.Name(cfg.Name), nats.Token(cfg.Token))
	return &s, err
}

// Disconnect drains the message queue and disconnects from the pub/sub.
// All subscriptions will immediately be put into a drain state and upon
// completion the publisher can not publish any additional messages.
func (s *socket) Disconnect() error {
	return s.conn.Drain()
}
