package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attid/eurmtl/challenge"
	"github.com/attid/eurmtl/collector"
	"github.com/attid/eurmtl/coordinator"
	"github.com/attid/eurmtl/deal"
	"github.com/attid/eurmtl/directory"
	"github.com/attid/eurmtl/horizon"
	"github.com/attid/eurmtl/repository"
	"github.com/attid/eurmtl/transaction"
)

type testLoggerMock struct{}

func (testLoggerMock) Debug(msg string) {}
func (testLoggerMock) Info(msg string)  {}
func (testLoggerMock) Warn(msg string)  {}
func (testLoggerMock) Error(msg string) {}
func (testLoggerMock) Fatal(msg string) {}

type hideCall struct {
	key    string
	signer string
	hidden bool
}

type bindCall struct {
	publicKey string
	username  string
	tgID      *int64
}

type testEngineMock struct {
	hides []hideCall
	binds []bindCall
}

func (m *testEngineMock) AddTransaction(_ context.Context, body, description, ownerID string) (transaction.Transaction, bool, error) {
	return transaction.Transaction{Hash: strings.Repeat("a", 64)}, true, nil
}

func (m *testEngineMock) AddSignatures(_ context.Context, signedBody string) ([]collector.Outcome, error) {
	return nil, nil
}

func (m *testEngineMock) AddSignaturesTo(_ context.Context, key, signedBody string) ([]collector.Outcome, error) {
	return nil, nil
}

func (m *testEngineMock) Status(_ context.Context, key string) (coordinator.Status, error) {
	return coordinator.Status{Hash: key}, nil
}

func (m *testEngineMock) Assemble(_ context.Context, key string) (string, error) {
	return "", nil
}

func (m *testEngineMock) Submit(_ context.Context, key string) (horizon.SubmitResult, error) {
	return horizon.SubmitResult{}, nil
}

func (m *testEngineMock) Refresh(_ context.Context, key, requester string) (transaction.Transaction, error) {
	return transaction.Transaction{}, nil
}

func (m *testEngineMock) HideSignature(_ context.Context, key, signerKey string, hidden bool) error {
	m.hides = append(m.hides, hideCall{key: key, signer: signerKey, hidden: hidden})
	return nil
}

func (m *testEngineMock) BindSignerIdentity(_ context.Context, publicKey, username string, tgID *int64) error {
	m.binds = append(m.binds, bindCall{publicKey: publicKey, username: username, tgID: tgID})
	return nil
}

func (m *testEngineMock) Search(_ context.Context, q repository.SearchQuery) ([]transaction.Summary, error) {
	return nil, nil
}

func (m *testEngineMock) ListForSigner(_ context.Context, publicKey string) ([]transaction.Transaction, error) {
	return nil, nil
}

func (m *testEngineMock) ToggleAlert(_ context.Context, tgID int64, key string) (bool, error) {
	return false, nil
}

type testChallengerMock struct{}

func (testChallengerMock) Mint(domain, nonce, salt string) (challenge.Challenge, error) {
	return challenge.Challenge{}, nil
}

func (testChallengerMock) Callback(_ context.Context, xdrBody string) (challenge.TxInfo, error) {
	return challenge.TxInfo{}, nil
}

func (testChallengerMock) Status(nonce, salt string) (*challenge.TxInfo, error) {
	return nil, nil
}

type testDealsMock struct{}

func (testDealsMock) Process(_ context.Context, records []deal.Record) int { return 0 }

type testDirectoryMock struct {
	rows []directory.Record
}

func (m *testDirectoryMock) All(table string) ([]directory.Record, error) { return m.rows, nil }

func (m *testDirectoryMock) ByPrimary(table, key string) (directory.Record, error) {
	return directory.Record{}, directory.ErrRowNotFound
}

func (m *testDirectoryMock) BySecondary(table, field, key string) (directory.Record, error) {
	return directory.Record{}, directory.ErrRowNotFound
}

func (m *testDirectoryMock) Reload(table string) error { return nil }

func newTestServer(engine *testEngineMock, dir *testDirectoryMock) *server {
	return &server{
		cfg: Config{
			Port:         8000,
			BearerToken:  "remote-secret",
			WebhookToken: "webhook-secret",
			Domain:       "eurmtl.me",
			ServiceURL:   "https://eurmtl.me",
		},
		engine:     engine,
		challenger: testChallengerMock{},
		deals:      testDealsMock{},
		dir:        dir,
		log:        testLoggerMock{},
	}
}

func TestReadEndpointsAllowCrossOrigin(t *testing.T) {
	s := newTestServer(&testEngineMock{}, &testDirectoryMock{})
	app := s.router()

	for _, path := range []string{signAllURL, FederationURL, StellarTomlURL} {
		req := httptest.NewRequest(fiber.MethodGet, path, nil)
		req.Header.Set("Origin", "https://wallet.example")
		resp, err := app.Test(req)
		require.Nil(t, err)
		assert.Equal(t, "*", resp.Header.Get(fiber.HeaderAccessControlAllowOrigin), path)
	}
}

func TestHideSignatureRequiresBearer(t *testing.T) {
	engine := &testEngineMock{}
	s := newTestServer(engine, &testDirectoryMock{})
	app := s.router()
	hash := strings.Repeat("b", 64)
	body := `{"hash":"` + hash + `","signer":"GSIGNER","hidden":true}`

	req := httptest.NewRequest(fiber.MethodPost, "/remote/hide_signature", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.Nil(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, engine.hides)

	req = httptest.NewRequest(fiber.MethodPost, "/remote/hide_signature", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer wrong")
	resp, err = app.Test(req)
	require.Nil(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(fiber.MethodPost, "/remote/hide_signature", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer remote-secret")
	resp, err = app.Test(req)
	require.Nil(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, engine.hides, 1)
	assert.Equal(t, hideCall{key: hash, signer: "GSIGNER", hidden: true}, engine.hides[0])
}

func TestDirectoryWebhookBindsSignerIdentities(t *testing.T) {
	engine := &testEngineMock{}
	dir := &testDirectoryMock{rows: []directory.Record{
		{Fields: map[string]any{"account_id": "GALICE", "username": "alice", "telegram_id": float64(42)}},
		{Fields: map[string]any{"account_id": "GNONAME"}},
	}}
	s := newTestServer(engine, dir)
	app := s.router()

	req := httptest.NewRequest(fiber.MethodPost, "/rely/directory-webhook", strings.NewReader(`{"table":"users"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer webhook-secret")
	resp, err := app.Test(req)
	require.Nil(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Len(t, engine.binds, 1)
	assert.Equal(t, "GALICE", engine.binds[0].publicKey)
	assert.Equal(t, "alice", engine.binds[0].username)
	require.NotNil(t, engine.binds[0].tgID)
	assert.Equal(t, int64(42), *engine.binds[0].tgID)
}
