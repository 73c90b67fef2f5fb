package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/attid/eurmtl/envelope"
	"github.com/attid/eurmtl/logger"
)

var (
	ErrBadRequest       = errors.New("challenge request is malformed")
	ErrBadChallenge     = errors.New("challenge envelope is malformed")
	ErrNonceUnknown     = errors.New("nonce is unknown or consumed")
	ErrNonceExpired     = errors.New("nonce expired")
	ErrSignatureInvalid = errors.New("client signature does not verify")
	ErrSigningFailed    = errors.New("challenge signing failed")
)

const (
	nonceTTL        = 5 * time.Minute
	maxNonces       = 1000
	maxNonceLength  = 64
	maxSaltLength   = 64
	mintedSequence  = 100 // the built transaction carries sequence 101
	webAuthDataName = "web_auth_domain"

	// SEP-7 request signing payload layout.
	sep7PayloadPrefix = "stellar.sep.7 - URI Scheme"
	sep7SignerByte    = byte(4)
)

// Config contains configuration of the challenge auth flow.
type Config struct {
	ServerDomain  string `yaml:"server_domain"`  // Domain minted into the first manage data entry.
	ServiceURL    string `yaml:"service_url"`    // Public base URL callbacks are routed to.
	DomainAccount string `yaml:"domain_account"` // Public account the second manage data entry is sourced from.
	SigningKey    string `yaml:"signing_key"`    // Secret seed of the URI signing key, never logged.
}

type accountReader interface {
	Account(accountID string) (hProtocol.Account, error)
}

// Challenge is the outcome of minting.
type Challenge struct {
	URI       string `json:"uri"`
	StatusURL string `json:"status_url"`
	QRPath    string `json:"qr_path"`
	Salt      string `json:"salt"`
}

// TxInfo is the authenticated payload written by a valid callback.
type TxInfo struct {
	Hash          string `json:"hash"`
	ClientAddress string `json:"client_address"`
	Timestamp     int64  `json:"timestamp"`
	Domain        string `json:"domain"`
}

type entry struct {
	createdAt time.Time
	domain    string
	salt      string
	txInfo    *TxInfo
}

// Flow mints server signed challenge URIs and validates signed replies. The
// nonce registry is process local, capped and cleaned lazily on every mint.
type Flow struct {
	cfg     Config
	signer  *keypair.Full
	network accountReader
	log     logger.Logger
	now     func() time.Time

	mu     sync.Mutex
	nonces map[string]*entry
}

// New creates the Flow. The signing key must be a valid secret seed.
func New(cfg Config, network accountReader, log logger.Logger) (*Flow, error) {
	signer, err := keypair.ParseFull(cfg.SigningKey)
	if err != nil {
		return nil, errors.Join(ErrSigningFailed, err)
	}
	return &Flow{
		cfg:     cfg,
		signer:  signer,
		network: network,
		log:     log,
		now:     time.Now,
		nonces:  make(map[string]*entry),
	}, nil
}

// Mint builds a signed SEP-7 style challenge URI bound to the nonce. The
// wallet replaces the placeholder source with the proving account, signs and
// posts the envelope back to the callback.
func (f *Flow) Mint(domain, nonce, salt string) (Challenge, error) {
	if nonce == "" || len(nonce) > maxNonceLength || len(salt) > maxSaltLength || domain == "" {
		return Challenge{}, ErrBadRequest
	}
	if salt == "" {
		salt = randomToken(8)
	}

	body, err := f.buildEnvelope(domain, nonce)
	if err != nil {
		return Challenge{}, err
	}
	uri, err := f.signURI(body)
	if err != nil {
		return Challenge{}, err
	}

	now := f.now()
	f.mu.Lock()
	f.cleanupLocked(now)
	f.nonces[nonce] = &entry{createdAt: now, domain: domain, salt: salt}
	f.mu.Unlock()

	return Challenge{
		URI:       uri,
		StatusURL: fmt.Sprintf("%s/remote/sep07/auth/status/%s/%s", f.cfg.ServiceURL, nonce, salt),
		QRPath:    fmt.Sprintf("/remote/sep07/auth/qr/%s", nonce),
		Salt:      salt,
	}, nil
}

// Callback validates the signed challenge reply and stamps the nonce with the
// authenticated payload. The client signature is verified against the live
// signer set of the proving account before the nonce can authenticate.
func (f *Flow) Callback(ctx context.Context, xdrBody string) (TxInfo, error) {
	if _, err := base64.StdEncoding.DecodeString(xdrBody); err != nil {
		return TxInfo{}, errors.Join(ErrBadChallenge, err)
	}
	e, err := envelope.Parse(xdrBody)
	if err != nil {
		return TxInfo{}, errors.Join(ErrBadChallenge, err)
	}

	nonce, domain, err := f.challengeValues(e)
	if err != nil {
		return TxInfo{}, err
	}
	clientAddress := e.SourceAccount()

	if err := f.verifyClientSignature(e, clientAddress); err != nil {
		return TxInfo{}, err
	}

	hash, err := e.HashHex()
	if err != nil {
		return TxInfo{}, errors.Join(ErrBadChallenge, err)
	}

	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	ent, ok := f.nonces[nonce]
	if !ok {
		return TxInfo{}, ErrNonceUnknown
	}
	if now.Sub(ent.createdAt) > nonceTTL {
		delete(f.nonces, nonce)
		return TxInfo{}, ErrNonceExpired
	}
	info := TxInfo{
		Hash:          hash,
		ClientAddress: clientAddress,
		Timestamp:     now.Unix(),
		Domain:        domain,
	}
	ent.txInfo = &info
	return info, nil
}

// Status reports the authentication outcome of a nonce. A successful read
// returns the payload and evicts the nonce, the nonce is single use.
func (f *Flow) Status(nonce, salt string) (*TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ent, ok := f.nonces[nonce]
	if !ok || subtle.ConstantTimeCompare([]byte(ent.salt), []byte(salt)) != 1 {
		return nil, ErrNonceUnknown
	}
	if f.now().Sub(ent.createdAt) > nonceTTL {
		delete(f.nonces, nonce)
		return nil, ErrNonceExpired
	}
	if ent.txInfo == nil {
		return nil, nil
	}
	info := *ent.txInfo
	delete(f.nonces, nonce)
	return &info, nil
}

func (f *Flow) buildEnvelope(domain, nonce string) (string, error) {
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: placeholderAccount(), Sequence: mintedSequence},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.ManageData{
				Name:  f.cfg.ServerDomain + " auth",
				Value: []byte(nonce),
			},
			&txnbuild.ManageData{
				Name:          webAuthDataName,
				Value:         []byte(domain),
				SourceAccount: f.cfg.DomainAccount,
			},
		},
		BaseFee:       txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	if err != nil {
		return "", errors.Join(ErrSigningFailed, err)
	}
	return tx.Base64()
}

// signURI assembles the web+stellar request and appends the signature over
// the SEP-7 payload: 35 zero bytes, the signer discriminant byte and the
// prefixed URI text.
func (f *Flow) signURI(body string) (string, error) {
	uri := fmt.Sprintf(
		"web+stellar:tx?xdr=%s&callback=%s&origin_domain=%s&replace=sourceAccount:X",
		url.QueryEscape(body),
		url.QueryEscape("url:"+f.cfg.ServiceURL+"/remote/sep07/auth/callback"),
		url.QueryEscape(f.cfg.ServerDomain),
	)

	payload := make([]byte, 0, 36+len(sep7PayloadPrefix)+len(uri))
	payload = append(payload, make([]byte, 35)...)
	payload = append(payload, sep7SignerByte)
	payload = append(payload, []byte(sep7PayloadPrefix)...)
	payload = append(payload, []byte(uri)...)

	sig, err := f.signer.Sign(payload)
	if err != nil {
		return "", errors.Join(ErrSigningFailed, err)
	}
	return uri + "&signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig)), nil
}

func (f *Flow) challengeValues(e *envelope.Envelope) (nonce, domain string, err error) {
	ops := e.Operations()
	if len(ops) != 2 {
		return "", "", ErrBadChallenge
	}

	first, ok := manageData(ops[0])
	if !ok || string(first.DataName) != f.cfg.ServerDomain+" auth" || first.DataValue == nil {
		return "", "", ErrBadChallenge
	}
	second, ok := manageData(ops[1])
	if !ok || string(second.DataName) != webAuthDataName || second.DataValue == nil {
		return "", "", ErrBadChallenge
	}
	if e.OperationSource(ops[1]) != f.cfg.DomainAccount {
		return "", "", ErrBadChallenge
	}
	return string(*first.DataValue), string(*second.DataValue), nil
}

// verifyClientSignature checks that at least one envelope signature verifies
// against a signer of the proving account. When the account is unreachable
// the master key alone is accepted.
func (f *Flow) verifyClientSignature(e *envelope.Envelope, clientAddress string) error {
	hash, err := e.Hash()
	if err != nil {
		return errors.Join(ErrBadChallenge, err)
	}

	keys := []string{clientAddress}
	if acc, err := f.network.Account(clientAddress); err == nil {
		keys = keys[:0]
		for _, s := range acc.Signers {
			if s.Type == "ed25519_public_key" {
				keys = append(keys, s.Key)
			}
		}
		sort.Strings(keys)
	} else {
		f.log.Warn(fmt.Sprintf(
			"account %s unreachable during challenge verification, accepting the master key only: %s",
			clientAddress, err.Error()))
	}

	for _, sig := range e.Signatures() {
		for _, key := range keys {
			kp, err := keypair.ParseAddress(key)
			if err != nil {
				continue
			}
			if kp.Verify(hash[:], sig.Signature) == nil {
				return nil
			}
		}
	}
	return ErrSignatureInvalid
}

func (f *Flow) cleanupLocked(now time.Time) {
	for nonce, ent := range f.nonces {
		if now.Sub(ent.createdAt) > nonceTTL {
			delete(f.nonces, nonce)
		}
	}
	for len(f.nonces) >= maxNonces {
		oldestNonce := ""
		var oldest time.Time
		for nonce, ent := range f.nonces {
			if oldestNonce == "" || ent.createdAt.Before(oldest) {
				oldestNonce = nonce
				oldest = ent.createdAt
			}
		}
		delete(f.nonces, oldestNonce)
	}
}

// placeholderAccount is the all zero public key the wallet replaces with the
// proving account before signing.
func placeholderAccount() string {
	addr, err := strkey.Encode(strkey.VersionByteAccountID, make([]byte, 32))
	if err != nil {
		panic(err)
	}
	return addr
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base58.Encode(buf)
}

func manageData(op xdr.Operation) (xdr.ManageDataOp, bool) {
	if op.Body.Type != xdr.OperationTypeManageData {
		return xdr.ManageDataOp{}, false
	}
	return op.Body.MustManageDataOp(), true
}
