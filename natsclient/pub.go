package natsclient

import (
	"encoding/json"
	"time"
)

// Publisher provides functionality to push messages to the pub/sub queue.
type Publisher struct {
	*socket
}

// PublisherConnect connects publisher to the pub/sub queue using provided config.
func PublisherConnect(cfg Config) (*Publisher, error) {
	var p Publisher
	var err error
	p.socket, err = connect(cfg)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// TransactionEvent is the JSON payload of every lifecycle subject.
type TransactionEvent struct {
	Hash      string `json:"hash"`
	Signer    string `json:"signer,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (p *Publisher) publish(subject string, ev TransactionEvent) error {
	ev.Timestamp = time.Now().UnixMilli()
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, msg)
}

// PublishTrxIngested publishes the hash of a newly ingested transaction.
func (p *Publisher) PublishTrxIngested(hash string) error {
	return p.publish(PubSubTrxIngested, TransactionEvent{Hash: hash})
}

// PublishSignatureCollected publishes a hash and the signer public key after
// a signature was verified and stored.
func (p *Publisher) PublishSignatureCollected(hash, signerPublicKey string) error {
	return p.publish(PubSubTrxSigned, TransactionEvent{Hash: hash, Signer: signerPublicKey})
}

// PublishTrxSubmitted publishes the hash of a transaction accepted by the network.
func (p *Publisher) PublishTrxSubmitted(hash string) error {
	return p.publish(PubSubTrxSubmitted, TransactionEvent{Hash: hash})
}
