package challenge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attid/eurmtl/envelope"
)

type testLoggerMock struct{}

func (testLoggerMock) Debug(msg string) {}
func (testLoggerMock) Info(msg string)  {}
func (testLoggerMock) Warn(msg string)  {}
func (testLoggerMock) Error(msg string) {}
func (testLoggerMock) Fatal(msg string) {}

type testNetworkMock struct {
	accounts map[string]hProtocol.Account
}

func (m testNetworkMock) Account(accountID string) (hProtocol.Account, error) {
	acc, ok := m.accounts[accountID]
	if !ok {
		return hProtocol.Account{}, errors.New("not found")
	}
	return acc, nil
}

func newFlow(t *testing.T, network accountReader) (*Flow, *keypair.Full, *keypair.Full) {
	t.Helper()
	signing := keypair.MustRandom()
	domainAccount := keypair.MustRandom()
	f, err := New(Config{
		ServerDomain:  "eurmtl.me",
		ServiceURL:    "https://eurmtl.me",
		DomainAccount: domainAccount.Address(),
		SigningKey:    signing.Seed(),
	}, network, testLoggerMock{})
	require.Nil(t, err)
	return f, signing, domainAccount
}

// walletReply builds the envelope a wallet produces: the placeholder source
// replaced with the proving account, both manage data entries kept, signed.
func walletReply(t *testing.T, f *Flow, client *keypair.Full, domainAccount, domain, nonce string, sign bool) string {
	t.Helper()
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: client.Address(), Sequence: 100},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.ManageData{Name: f.cfg.ServerDomain + " auth", Value: []byte(nonce)},
			&txnbuild.ManageData{Name: webAuthDataName, Value: []byte(domain), SourceAccount: domainAccount},
		},
		BaseFee:       txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	require.Nil(t, err)
	if sign {
		tx, err = tx.Sign(envelope.Passphrase, client)
		require.Nil(t, err)
	}
	b64, err := tx.Base64()
	require.Nil(t, err)
	return b64
}

func TestMintProducesSignedURI(t *testing.T) {
	f, _, _ := newFlow(t, testNetworkMock{})

	ch, err := f.Mint("example.com", "abc", "")
	require.Nil(t, err)

	assert.True(t, strings.HasPrefix(ch.URI, "web+stellar:tx?xdr="))
	assert.Contains(t, ch.URI, "&signature=")
	assert.Contains(t, ch.URI, "replace=sourceAccount:X")
	assert.Contains(t, ch.StatusURL, "/remote/sep07/auth/status/abc/")
	assert.NotEmpty(t, ch.Salt)

	parsed, err := url.Parse(ch.URI)
	require.Nil(t, err)
	values := parsed.Query()
	e, err := envelope.Parse(values.Get("xdr"))
	require.Nil(t, err)
	assert.Equal(t, int64(101), e.Sequence())
	assert.Len(t, e.Operations(), 2)
}

func TestMintValidatesInput(t *testing.T) {
	f, _, _ := newFlow(t, testNetworkMock{})

	_, err := f.Mint("example.com", "", "")
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = f.Mint("", "abc", "")
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = f.Mint("example.com", strings.Repeat("x", 65), "")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestChallengeRoundTrip(t *testing.T) {
	client := keypair.MustRandom()
	network := testNetworkMock{accounts: map[string]hProtocol.Account{
		client.Address(): {
			AccountID: client.Address(),
			Signers:   []hProtocol.Signer{{Key: client.Address(), Weight: 1, Type: "ed25519_public_key"}},
		},
	}}
	f, _, domainAccount := newFlow(t, network)

	ch, err := f.Mint("example.com", "abc", "")
	require.Nil(t, err)

	reply := walletReply(t, f, client, domainAccount.Address(), "example.com", "abc", true)
	info, err := f.Callback(context.Background(), reply)
	require.Nil(t, err)
	assert.Equal(t, client.Address(), info.ClientAddress)
	assert.Equal(t, "example.com", info.Domain)
	assert.NotEmpty(t, info.Hash)

	got, err := f.Status("abc", ch.Salt)
	require.Nil(t, err)
	require.NotNil(t, got)
	assert.Equal(t, client.Address(), got.ClientAddress)

	// the nonce is single use
	_, err = f.Status("abc", ch.Salt)
	assert.ErrorIs(t, err, ErrNonceUnknown)
}

func TestCallbackRejectsUnsignedReply(t *testing.T) {
	client := keypair.MustRandom()
	f, _, domainAccount := newFlow(t, testNetworkMock{})

	_, err := f.Mint("example.com", "abc", "")
	require.Nil(t, err)

	reply := walletReply(t, f, client, domainAccount.Address(), "example.com", "abc", false)
	_, err = f.Callback(context.Background(), reply)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCallbackRejectsMalformedShapes(t *testing.T) {
	f, _, _ := newFlow(t, testNetworkMock{})

	_, err := f.Callback(context.Background(), "not base64!!!")
	assert.ErrorIs(t, err, ErrBadChallenge)

	client := keypair.MustRandom()
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: client.Address(), Sequence: 100},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.ManageData{Name: "something else", Value: []byte("x")},
		},
		BaseFee:       txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	require.Nil(t, err)
	b64, err := tx.Base64()
	require.Nil(t, err)
	_, err = f.Callback(context.Background(), b64)
	assert.ErrorIs(t, err, ErrBadChallenge)
}

func TestCallbackExpiredNonce(t *testing.T) {
	client := keypair.MustRandom()
	f, _, domainAccount := newFlow(t, testNetworkMock{})

	now := time.Now()
	f.now = func() time.Time { return now }
	_, err := f.Mint("example.com", "abc", "")
	require.Nil(t, err)

	f.now = func() time.Time { return now.Add(nonceTTL + time.Second) }
	reply := walletReply(t, f, client, domainAccount.Address(), "example.com", "abc", true)
	_, err = f.Callback(context.Background(), reply)
	assert.ErrorIs(t, err, ErrNonceExpired)

	// the expired nonce was evicted on the way
	_, err = f.Callback(context.Background(), reply)
	assert.ErrorIs(t, err, ErrNonceUnknown)
}

func TestStatusSaltMismatch(t *testing.T) {
	f, _, _ := newFlow(t, testNetworkMock{})
	ch, err := f.Mint("example.com", "abc", "")
	require.Nil(t, err)

	_, err = f.Status("abc", "wrong")
	assert.ErrorIs(t, err, ErrNonceUnknown)

	_, err = f.Status("missing", ch.Salt)
	assert.ErrorIs(t, err, ErrNonceUnknown)
}

func TestRegistryStaysBounded(t *testing.T) {
	f, _, _ := newFlow(t, testNetworkMock{})
	for i := 0; i < maxNonces+25; i++ {
		_, err := f.Mint("example.com", fmt.Sprintf("nonce-%d", i), "s")
		require.Nil(t, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.LessOrEqual(t, len(f.nonces), maxNonces)
}
