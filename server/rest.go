package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/attid/eurmtl/challenge"
	"github.com/attid/eurmtl/collector"
	"github.com/attid/eurmtl/coordinator"
	"github.com/attid/eurmtl/deal"
	"github.com/attid/eurmtl/directory"
	"github.com/attid/eurmtl/envelope"
	"github.com/attid/eurmtl/repository"
)

// AliveResponse is a response for alive and version check.
type AliveResponse struct {
	Alive      bool   `json:"alive"`
	APIVersion string `json:"api_version"`
	APIHeader  string `json:"api_header"`
}

func (s *server) alive(c *fiber.Ctx) error {
	return c.JSON(
		AliveResponse{
			Alive:      true,
			APIVersion: ApiVersion,
			APIHeader:  Header,
		})
}

// IngestRequest carries a new envelope, either as a posted form or as JSON.
type IngestRequest struct {
	XDR         string `json:"xdr" form:"xdr"`
	Description string `json:"description" form:"description"`
}

func (s *server) signToolsCreate(c *fiber.Ctx) error {
	var req IngestRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}

	owner := s.sessionAddress(c)
	trx, created, err := s.engine.AddTransaction(c.Context(), req.XDR, req.Description, owner)
	if err != nil {
		if errors.Is(err, envelope.ErrBadEnvelope) {
			return fiber.ErrBadRequest
		}
		s.log.Error(fmt.Sprintf("transaction ingest failed: %s", err.Error()))
		return fiber.ErrInternalServerError
	}
	if created && s.tele != nil {
		s.tele.TrxIngested()
	}
	return c.Redirect(signToolsGroupURL+"/"+trx.Hash, fiber.StatusFound)
}

func (s *server) signToolsView(c *fiber.Ctx) error {
	st, err := s.engine.Status(c.Context(), c.Params("key"))
	if err != nil {
		return statusError(err)
	}
	return c.JSON(st)
}

// SignRequest carries a signed envelope pasted or posted back for a stored
// transaction.
type SignRequest struct {
	XDR string `json:"xdr" form:"xdr"`
}

// SignResponse lists the per signature outcomes of an attachment attempt.
type SignResponse struct {
	Success  bool     `json:"SUCCESS"`
	Messages []string `json:"MESSAGES"`
	Hash     string   `json:"hash"`
}

func (s *server) signToolsSign(c *fiber.Ctx) error {
	var req SignRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	outcomes, err := s.engine.AddSignaturesTo(c.Context(), c.Params("key"), req.XDR)
	if err != nil {
		return statusError(err)
	}
	return c.JSON(s.signResponse(c.Params("key"), outcomes))
}

func (s *server) signResponse(hash string, outcomes []collector.Outcome) SignResponse {
	resp := SignResponse{Success: true, Hash: hash, Messages: make([]string, 0, len(outcomes))}
	for _, o := range outcomes {
		resp.Messages = append(resp.Messages, o.Message)
		if o.Err == nil {
			if s.tele != nil {
				s.tele.SignatureCollected()
			}
			continue
		}
		if !errors.Is(o.Err, collector.ErrDuplicateSignature) {
			resp.Success = false
		}
	}
	return resp
}

// SubmitResponse mirrors the network verdict of a submission.
type SubmitResponse struct {
	Successful      bool     `json:"successful"`
	Hash            string   `json:"hash,omitempty"`
	Ledger          int32    `json:"ledger,omitempty"`
	TransactionCode string   `json:"transaction_code,omitempty"`
	OperationCodes  []string `json:"operation_codes,omitempty"`
}

func (s *server) signToolsSubmit(c *fiber.Ctx) error {
	res, err := s.engine.Submit(c.Context(), c.Params("key"))
	if err != nil {
		return statusError(err)
	}
	if s.tele != nil {
		if res.Successful {
			s.tele.TrxSubmitted()
		} else {
			s.tele.SubmitRejected()
		}
	}
	return c.JSON(SubmitResponse{
		Successful:      res.Successful,
		Hash:            res.Hash,
		Ledger:          res.Ledger,
		TransactionCode: res.TransactionCode,
		OperationCodes:  res.OperationCodes,
	})
}

// RefreshRequest names the account asking for re-resolution.
type RefreshRequest struct {
	Requester string `json:"requester" form:"requester"`
}

func (s *server) signToolsRefresh(c *fiber.Ctx) error {
	var req RefreshRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	if req.Requester == "" {
		req.Requester = s.sessionAddress(c)
	}
	trx, err := s.engine.Refresh(c.Context(), c.Params("key"), req.Requester)
	if err != nil {
		return statusError(err)
	}
	return c.JSON(trx)
}

// AlertRequest identifies the messaging user flipping the subscription.
type AlertRequest struct {
	TgID int64 `json:"tg_id" form:"tg_id"`
}

// AlertResponse reports the resulting subscription state.
type AlertResponse struct {
	Subscribed bool `json:"subscribed"`
}

func (s *server) signToolsAlert(c *fiber.Ctx) error {
	var req AlertRequest
	if err := c.BodyParser(&req); err != nil || req.TgID == 0 {
		return fiber.ErrBadRequest
	}
	subscribed, err := s.engine.ToggleAlert(c.Context(), req.TgID, c.Params("key"))
	if err != nil {
		return statusError(err)
	}
	return c.JSON(AlertResponse{Subscribed: subscribed})
}

func (s *server) signAll(c *fiber.Ctx) error {
	q := repository.SearchQuery{
		Text:            c.Query("text"),
		SourceAccount:   c.Query("source"),
		OwnerID:         c.Query("owner"),
		SignerPublicKey: c.Query("signer"),
		Limit:           c.QueryInt("limit"),
		Offset:          c.QueryInt("offset"),
	}
	if raw := c.Query("state"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return fiber.ErrBadRequest
		}
		state := uint8(v)
		q.State = &state
	}
	summaries, err := s.engine.Search(c.Context(), q)
	if err != nil {
		s.log.Error(fmt.Sprintf("transaction search failed: %s", err.Error()))
		return fiber.ErrInternalServerError
	}
	return c.JSON(summaries)
}

// PendingTransaction is one row of the need sign listing.
type PendingTransaction struct {
	Hash        string    `json:"hash"`
	Body        string    `json:"body"`
	AddDt       time.Time `json:"add_dt"`
	Description string    `json:"description"`
}

func (s *server) needSign(c *fiber.Ctx) error {
	trxs, err := s.engine.ListForSigner(c.Context(), c.Params("key"))
	if err != nil {
		s.log.Error(fmt.Sprintf("pending listing failed: %s", err.Error()))
		return fiber.ErrInternalServerError
	}
	rows := make([]PendingTransaction, 0, len(trxs))
	for _, trx := range trxs {
		rows = append(rows, PendingTransaction{
			Hash:        trx.Hash,
			Body:        trx.Body,
			AddDt:       trx.AddDt,
			Description: trx.Description,
		})
	}
	return c.JSON(rows)
}

func (s *server) updateSignature(c *fiber.Ctx) error {
	var req SignRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	e, err := envelope.Parse(req.XDR)
	if err != nil {
		return fiber.ErrBadRequest
	}
	hash, err := e.HashHex()
	if err != nil {
		return fiber.ErrBadRequest
	}
	outcomes, err := s.engine.AddSignatures(c.Context(), req.XDR)
	if err != nil {
		return statusError(err)
	}
	return c.JSON(s.signResponse(hash, outcomes))
}

// HideSignatureRequest addresses one signer's stored signatures on a
// transaction and the hide verdict to apply.
type HideSignatureRequest struct {
	Hash   string `json:"hash"`
	Signer string `json:"signer"`
	Hidden bool   `json:"hidden"`
}

func (s *server) hideSignature(c *fiber.Ctx) error {
	var req HideSignatureRequest
	if err := c.BodyParser(&req); err != nil || req.Hash == "" || req.Signer == "" {
		return fiber.ErrBadRequest
	}
	if err := s.engine.HideSignature(c.Context(), req.Hash, req.Signer, req.Hidden); err != nil {
		return statusError(err)
	}
	st, err := s.engine.Status(c.Context(), req.Hash)
	if err != nil {
		return statusError(err)
	}
	return c.JSON(st)
}

// DecodeResponse carries the informational envelope dump.
type DecodeResponse struct {
	Text string `json:"text"`
}

func (s *server) decode(c *fiber.Ctx) error {
	var req SignRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	e, err := envelope.Parse(req.XDR)
	if err != nil {
		return fiber.ErrBadRequest
	}
	return c.JSON(DecodeResponse{Text: e.Describe()})
}

// AddTransactionRequest is the API shape of the ingest call.
type AddTransactionRequest struct {
	TxBody        string `json:"tx_body"`
	TxDescription string `json:"tx_description"`
}

// AddTransactionResponse returns the hash of the stored transaction.
type AddTransactionResponse struct {
	Hash string `json:"hash"`
}

func (s *server) addTransaction(c *fiber.Ctx) error {
	var req AddTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	trx, created, err := s.engine.AddTransaction(c.Context(), req.TxBody, req.TxDescription, "api")
	if err != nil {
		if errors.Is(err, envelope.ErrBadEnvelope) {
			return fiber.ErrBadRequest
		}
		s.log.Error(fmt.Sprintf("transaction ingest failed: %s", err.Error()))
		return fiber.ErrInternalServerError
	}
	if created && s.tele != nil {
		s.tele.TrxIngested()
	}
	return c.Status(fiber.StatusCreated).JSON(AddTransactionResponse{Hash: trx.Hash})
}

// Sep07Response acknowledges a SEP-7 style signing callback.
type Sep07Response struct {
	Status string `json:"status"`
	Hash   string `json:"hash,omitempty"`
}

func (s *server) sep07Callback(c *fiber.Ctx) error {
	xdrBody := c.FormValue("xdr")
	if xdrBody == "" {
		return fiber.ErrBadRequest
	}
	e, err := envelope.Parse(xdrBody)
	if err != nil {
		return fiber.ErrBadRequest
	}
	hash, err := e.HashHex()
	if err != nil {
		return fiber.ErrBadRequest
	}
	outcomes, err := s.engine.AddSignatures(c.Context(), xdrBody)
	if err != nil {
		return statusError(err)
	}
	resp := s.signResponse(hash, outcomes)
	status := "signed"
	if !resp.Success {
		status = "rejected"
	}
	return c.JSON(Sep07Response{Status: status, Hash: hash})
}

// AuthInitRequest asks for a fresh challenge.
type AuthInitRequest struct {
	Domain string `json:"domain"`
	Nonce  string `json:"nonce"`
	Salt   string `json:"salt"`
}

func (s *server) authInit(c *fiber.Ctx) error {
	var req AuthInitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	ch, err := s.challenger.Mint(req.Domain, req.Nonce, req.Salt)
	if err != nil {
		return fiber.ErrBadRequest
	}
	return c.JSON(ch)
}

// AuthStatusResponse is the poll outcome of a challenge.
type AuthStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Hash          string `json:"hash,omitempty"`
	ClientAddress string `json:"client_address,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	Domain        string `json:"domain,omitempty"`
}

func (s *server) authStatus(c *fiber.Ctx) error {
	info, err := s.challenger.Status(c.Params("nonce"), c.Params("salt"))
	if err != nil {
		return fiber.ErrBadRequest
	}
	if info == nil {
		return c.JSON(AuthStatusResponse{Authenticated: false})
	}
	s.setSession(c, info.ClientAddress)
	return c.JSON(AuthStatusResponse{
		Authenticated: true,
		Hash:          info.Hash,
		ClientAddress: info.ClientAddress,
		Timestamp:     info.Timestamp,
		Domain:        info.Domain,
	})
}

func (s *server) authCallback(c *fiber.Ctx) error {
	xdrBody := c.FormValue("xdr")
	if xdrBody == "" {
		return fiber.ErrBadRequest
	}
	info, err := s.challenger.Callback(c.Context(), xdrBody)
	if err != nil {
		switch {
		case errors.Is(err, challenge.ErrNonceUnknown), errors.Is(err, challenge.ErrNonceExpired):
			return fiber.ErrNotFound
		case errors.Is(err, challenge.ErrSignatureInvalid):
			return fiber.ErrUnauthorized
		default:
			return fiber.ErrBadRequest
		}
	}
	return c.JSON(Sep07Response{Status: "pending", Hash: info.Hash})
}

// WebhookResponse acknowledges a processed webhook.
type WebhookResponse struct {
	Status string `json:"status"`
}

func (s *server) gristWebhook(c *fiber.Ctx) error {
	var records []deal.Record
	if err := c.BodyParser(&records); err != nil {
		return fiber.ErrBadRequest
	}
	handled := s.deals.Process(c.Context(), records)
	if s.tele != nil {
		for i := 0; i < handled; i++ {
			s.tele.DealProcessed()
		}
	}
	return c.JSON(WebhookResponse{Status: "ok"})
}

// DirectoryWebhookRequest names the mutated table.
type DirectoryWebhookRequest struct {
	Table string `json:"table"`
}

func (s *server) directoryWebhook(c *fiber.Ctx) error {
	var req DirectoryWebhookRequest
	if err := c.BodyParser(&req); err != nil || req.Table == "" {
		return fiber.ErrBadRequest
	}
	if err := s.dir.Reload(req.Table); err != nil {
		if errors.Is(err, directory.ErrUnknownTable) {
			return fiber.ErrBadRequest
		}
		s.log.Error(fmt.Sprintf("table %s reload failed: %s", req.Table, err.Error()))
		return fiber.ErrInternalServerError
	}
	s.syncSignerIdentities(c.Context(), req.Table)
	return c.JSON(WebhookResponse{Status: "ok"})
}

// syncSignerIdentities pushes the directory identity of every reloaded row
// down to the signers store. Rows without an account and a username are
// skipped, so reloads of non-user tables are a no-op.
func (s *server) syncSignerIdentities(ctx context.Context, table string) {
	rows, err := s.dir.All(table)
	if err != nil {
		s.log.Warn(fmt.Sprintf("signer identity sync of table %s failed: %s", table, err.Error()))
		return
	}
	for _, row := range rows {
		account := directory.FieldString(row, "account_id")
		username := directory.FieldString(row, "username")
		if account == "" || username == "" {
			continue
		}
		var tgID *int64
		if raw := directory.FieldString(row, "telegram_id"); raw != "" {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				tgID = &v
			}
		}
		if err := s.engine.BindSignerIdentity(ctx, account, username, tgID); err != nil {
			s.log.Warn(fmt.Sprintf("signer identity bind failed for %s: %s", account, err.Error()))
		}
	}
}

// FederationResponse is the SEP-2 lookup answer.
type FederationResponse struct {
	StellarAddress string `json:"stellar_address"`
	AccountID      string `json:"account_id"`
	Memo           string `json:"memo,omitempty"`
	MemoType       string `json:"memo_type,omitempty"`
}

func (s *server) federation(c *fiber.Ctx) error {
	q := c.Query("q")
	if q == "" {
		return fiber.ErrBadRequest
	}
	var row directory.Record
	var err error
	switch c.Query("type") {
	case "name":
		name, _, _ := strings.Cut(q, "*")
		row, err = s.dir.BySecondary("users", "username", name)
	case "id":
		row, err = s.dir.ByPrimary("users", q)
	default:
		return fiber.ErrBadRequest
	}
	if err != nil {
		if errors.Is(err, directory.ErrRowNotFound) {
			return fiber.ErrNotFound
		}
		s.log.Error(fmt.Sprintf("federation lookup failed: %s", err.Error()))
		return fiber.ErrInternalServerError
	}
	resp := FederationResponse{
		StellarAddress: directory.FieldString(row, "username") + "*" + s.cfg.Domain,
		AccountID:      directory.FieldString(row, "account_id"),
		Memo:           directory.FieldString(row, "memo"),
	}
	if resp.Memo != "" {
		resp.MemoType = "text"
	}
	return c.JSON(resp)
}

func (s *server) stellarToml(c *fiber.Ctx) error {
	var b strings.Builder
	fmt.Fprintf(&b, "FEDERATION_SERVER=\"%s%s\"\n", s.cfg.ServiceURL, FederationURL)
	fmt.Fprintf(&b, "WEB_AUTH_ENDPOINT=\"%s%s%s%s\"\n", s.cfg.ServiceURL, remoteGroupURL, sep07GroupURL, AuthInitURL)
	fmt.Fprintf(&b, "SIGNING_KEY=\"%s\"\n", s.cfg.SigningKey)
	fmt.Fprintf(&b, "NETWORK_PASSPHRASE=\"%s\"\n", envelope.Passphrase)
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	return c.SendString(b.String())
}

// statusError maps lifecycle errors to their HTTP verdicts.
func statusError(err error) error {
	switch {
	case errors.Is(err, coordinator.ErrTransactionNotFound),
		errors.Is(err, coordinator.ErrSignatureNotFound):
		return fiber.ErrNotFound
	case errors.Is(err, coordinator.ErrHashMismatch),
		errors.Is(err, coordinator.ErrTransactionSubmitted),
		errors.Is(err, envelope.ErrBadEnvelope):
		return fiber.ErrBadRequest
	case errors.Is(err, coordinator.ErrNotAllowed):
		return fiber.ErrForbidden
	default:
		return fiber.ErrInternalServerError
	}
}
