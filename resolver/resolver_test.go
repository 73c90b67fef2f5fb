package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

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
	err      error
}

func (m testNetworkMock) Account(accountID string) (hProtocol.Account, error) {
	if m.err != nil {
		return hProtocol.Account{}, m.err
	}
	acc, ok := m.accounts[accountID]
	if !ok {
		return hProtocol.Account{}, errors.New("not found")
	}
	return acc, nil
}

type testUpserterMock struct {
	upserted []string
}

func (m *testUpserterMock) UpsertSigner(_ context.Context, publicKey, hint, username string) (int64, error) {
	m.upserted = append(m.upserted, publicKey)
	return int64(len(m.upserted)), nil
}

func buildEnvelope(t *testing.T, source string, ops ...txnbuild.Operation) *envelope.Envelope {
	t.Helper()
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: source, Sequence: 1},
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	})
	require.Nil(t, err)
	b64, err := tx.Base64()
	require.Nil(t, err)
	e, err := envelope.Parse(b64)
	require.Nil(t, err)
	return e
}

func accountWithSigners(id string, low, med, high byte, signers ...hProtocol.Signer) hProtocol.Account {
	return hProtocol.Account{
		AccountID: id,
		Thresholds: hProtocol.AccountThresholds{
			LowThreshold:  low,
			MedThreshold:  med,
			HighThreshold: high,
		},
		Signers: signers,
	}
}

func ed25519Signer(key string, weight int32) hProtocol.Signer {
	return hProtocol.Signer{Key: key, Weight: weight, Type: "ed25519_public_key"}
}

func TestClassifyOperation(t *testing.T) {
	r := New(testNetworkMock{}, &testUpserterMock{}, testLoggerMock{})
	dest := keypair.MustRandom().Address()
	weight := txnbuild.Threshold(5)

	cases := []struct {
		name string
		op   txnbuild.Operation
		want Level
	}{
		{"payment is med", &txnbuild.Payment{Destination: dest, Amount: "1", Asset: txnbuild.NativeAsset{}}, LevelMed},
		{"change trust is med", &txnbuild.ChangeTrust{Line: txnbuild.ChangeTrustAssetWrapper{Asset: txnbuild.CreditAsset{Code: "EURMTL", Issuer: dest}}, Limit: "1000"}, LevelMed},
		{"manage data is med", &txnbuild.ManageData{Name: "k", Value: []byte("v")}, LevelMed},
		{"bump sequence is low", &txnbuild.BumpSequence{BumpTo: 100}, LevelLow},
		{"claim claimable balance is low", &txnbuild.ClaimClaimableBalance{BalanceID: "000000000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"}, LevelLow},
		{"account merge is high", &txnbuild.AccountMerge{Destination: dest}, LevelHigh},
		{"set options with signer is high", &txnbuild.SetOptions{Signer: &txnbuild.Signer{Address: dest, Weight: weight}}, LevelHigh},
		{"set options thresholds is high", &txnbuild.SetOptions{MasterWeight: txnbuild.NewThreshold(10)}, LevelHigh},
		{"set options home domain is med", &txnbuild.SetOptions{HomeDomain: txnbuild.NewHomeDomain("eurmtl.me")}, LevelMed},
	}

	source := keypair.MustRandom().Address()
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := buildEnvelope(t, source, c.op)
			ops := e.Operations()
			require.Len(t, ops, 1)
			assert.Equal(t, c.want, r.ClassifyOperation(ops[0]))
		})
	}
}

func TestResolvePicksMaxLevelThreshold(t *testing.T) {
	source := keypair.MustRandom()
	x := keypair.MustRandom().Address()
	y := keypair.MustRandom().Address()

	network := testNetworkMock{accounts: map[string]hProtocol.Account{
		source.Address(): accountWithSigners(source.Address(), 1, 5, 10,
			ed25519Signer(x, 5), ed25519Signer(y, 5)),
	}}
	repo := &testUpserterMock{}
	r := New(network, repo, testLoggerMock{})

	// payment (med) + account merge (high) -> the high threshold wins
	e := buildEnvelope(t, source.Address(),
		&txnbuild.Payment{Destination: x, Amount: "1", Asset: txnbuild.NativeAsset{}},
		&txnbuild.AccountMerge{Destination: x},
	)

	resolved, err := r.Resolve(context.Background(), e)
	require.Nil(t, err)
	require.Contains(t, resolved, source.Address())

	req := resolved[source.Address()]
	assert.Equal(t, uint32(10), req.Threshold)
	require.Len(t, req.Signers, 2)
	assert.ElementsMatch(t, []string{x, y}, repo.upserted)
}

func TestResolveSeparatesOperationSources(t *testing.T) {
	source := keypair.MustRandom()
	other := keypair.MustRandom()
	dest := keypair.MustRandom().Address()

	network := testNetworkMock{accounts: map[string]hProtocol.Account{
		source.Address(): accountWithSigners(source.Address(), 0, 2, 4, ed25519Signer(source.Address(), 2)),
		other.Address():  accountWithSigners(other.Address(), 1, 1, 1, ed25519Signer(other.Address(), 1)),
	}}
	r := New(network, &testUpserterMock{}, testLoggerMock{})

	e := buildEnvelope(t, source.Address(),
		&txnbuild.Payment{Destination: dest, Amount: "1", Asset: txnbuild.NativeAsset{}},
		&txnbuild.BumpSequence{BumpTo: 0, SourceAccount: other.Address()},
	)

	resolved, err := r.Resolve(context.Background(), e)
	require.Nil(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, uint32(2), resolved[source.Address()].Threshold)  // med for the payment
	assert.Equal(t, uint32(1), resolved[other.Address()].Threshold)   // low for the bump
}

func TestResolveFallsBackToSingleSig(t *testing.T) {
	source := keypair.MustRandom()
	dest := keypair.MustRandom().Address()

	network := testNetworkMock{err: errors.New("horizon is down")}
	repo := &testUpserterMock{}
	r := New(network, repo, testLoggerMock{})

	e := buildEnvelope(t, source.Address(),
		&txnbuild.Payment{Destination: dest, Amount: "1", Asset: txnbuild.NativeAsset{}})

	resolved, err := r.Resolve(context.Background(), e)
	require.Nil(t, err)

	req := resolved[source.Address()]
	assert.Equal(t, uint32(0), req.Threshold)
	require.Len(t, req.Signers, 1)
	assert.Equal(t, source.Address(), req.Signers[0].PublicKey)
	assert.Equal(t, uint32(1), req.Signers[0].Weight)

	wantHint, err := envelope.SignatureHint(source.Address())
	require.Nil(t, err)
	assert.Equal(t, wantHint, req.Signers[0].Hint)
}

func TestResolveDeterministicJSON(t *testing.T) {
	source := keypair.MustRandom()
	dest := keypair.MustRandom().Address()
	x := keypair.MustRandom().Address()
	y := keypair.MustRandom().Address()

	network := testNetworkMock{accounts: map[string]hProtocol.Account{
		source.Address(): accountWithSigners(source.Address(), 1, 2, 3,
			ed25519Signer(y, 1), ed25519Signer(x, 2)),
	}}
	r := New(network, &testUpserterMock{}, testLoggerMock{})

	e := buildEnvelope(t, source.Address(),
		&txnbuild.Payment{Destination: dest, Amount: "1", Asset: txnbuild.NativeAsset{}})

	first, err := r.Resolve(context.Background(), e)
	require.Nil(t, err)
	second, err := r.Resolve(context.Background(), e)
	require.Nil(t, err)

	rawFirst, err := json.Marshal(first)
	require.Nil(t, err)
	rawSecond, err := json.Marshal(second)
	require.Nil(t, err)
	assert.Equal(t, rawFirst, rawSecond)
}
