package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/attid/eurmtl/challenge"
	"github.com/attid/eurmtl/collector"
	"github.com/attid/eurmtl/coordinator"
	"github.com/attid/eurmtl/deal"
	"github.com/attid/eurmtl/directory"
	"github.com/attid/eurmtl/horizon"
	"github.com/attid/eurmtl/logger"
	"github.com/attid/eurmtl/repository"
	"github.com/attid/eurmtl/transaction"
)

const (
	ApiVersion = "1.0.0"
	Header     = "EURMTL-Coordinator"
)

const (
	signToolsGroupURL = "/sign_tools"
	signAllURL        = "/sign_all"
	remoteGroupURL    = "/remote"
	relyGroupURL      = "/rely"
	sep07GroupURL     = "/sep07"
)

const (
	AliveURL            = "/alive"                       // URL to check if server is alive and version.
	NeedSignURL         = "/need_sign/:key"              // URL to list transactions awaiting a signer.
	UpdateSignatureURL  = "/update_signature"            // URL to attach signatures from a signed envelope.
	HideSignatureURL    = "/hide_signature"              // URL to soft hide a collected signature, bearer protected.
	DecodeURL           = "/decode"                      // URL to render a human readable envelope dump.
	AddTransactionURL   = "/add_transaction"             // URL to ingest a transaction, bearer protected.
	AuthInitURL         = "/auth/init"                   // URL to mint an auth challenge.
	AuthStatusURL       = "/auth/status/:nonce/:salt"    // URL to poll the auth outcome.
	AuthCallbackURL     = "/auth/callback"               // URL to receive the signed challenge.
	GristWebhookURL     = "/grist-webhook"               // URL the deal webhook posts to, bearer protected.
	DirectoryWebhookURL = "/directory-webhook"           // URL the directory posts table mutations to.
	FederationURL       = "/federation"                  // URL of the stellar federation lookup.
	StellarTomlURL      = "/.well-known/stellar.toml"    // URL of the SEP-1 service descriptor.
)

var ErrWrongPortSpecified = errors.New("port must be between 1 and 65535")

const sessionCookie = "eurmtl_session"

// Config contains configuration of the server.
type Config struct {
	Port          int    `yaml:"port"`           // Port to listen on.
	BearerToken   string `yaml:"bearer_token"`   // Shared secret of the privileged remote endpoints, never logged.
	WebhookToken  string `yaml:"webhook_token"`  // Shared secret of the deal webhook, never logged.
	SessionSecret string `yaml:"session_secret"` // Key the session cookie is authenticated with, never logged.
	Domain        string `yaml:"domain"`         // Public domain of the service.
	ServiceURL    string `yaml:"service_url"`    // Public base URL of the service.
	SigningKey    string `yaml:"signing_key"`    // Public signing key published in stellar.toml.
}

// TransactionCoordinator drives the transaction lifecycle on behalf of the
// HTTP surface.
type TransactionCoordinator interface {
	AddTransaction(ctx context.Context, body, description, ownerID string) (transaction.Transaction, bool, error)
	AddSignatures(ctx context.Context, signedBody string) ([]collector.Outcome, error)
	AddSignaturesTo(ctx context.Context, key, signedBody string) ([]collector.Outcome, error)
	Status(ctx context.Context, key string) (coordinator.Status, error)
	Assemble(ctx context.Context, key string) (string, error)
	Submit(ctx context.Context, key string) (horizon.SubmitResult, error)
	Refresh(ctx context.Context, key, requester string) (transaction.Transaction, error)
	HideSignature(ctx context.Context, key, signerKey string, hidden bool) error
	BindSignerIdentity(ctx context.Context, publicKey, username string, tgID *int64) error
	Search(ctx context.Context, q repository.SearchQuery) ([]transaction.Summary, error)
	ListForSigner(ctx context.Context, publicKey string) ([]transaction.Transaction, error)
	ToggleAlert(ctx context.Context, tgID int64, key string) (bool, error)
}

// Challenger mints and settles auth challenges.
type Challenger interface {
	Mint(domain, nonce, salt string) (challenge.Challenge, error)
	Callback(ctx context.Context, xdrBody string) (challenge.TxInfo, error)
	Status(nonce, salt string) (*challenge.TxInfo, error)
}

// DealTrigger consumes deal webhook records.
type DealTrigger interface {
	Process(ctx context.Context, records []deal.Record) int
}

// DirectoryView reads and reloads the cached directory tables.
type DirectoryView interface {
	All(table string) ([]directory.Record, error)
	ByPrimary(table, key string) (directory.Record, error)
	BySecondary(table, field, key string) (directory.Record, error)
	Reload(table string) error
}

// Measurer counts the service level events exposed on telemetry.
type Measurer interface {
	TrxIngested()
	SignatureCollected()
	TrxSubmitted()
	SubmitRejected()
	DealProcessed()
	ObserveRequest(route string, seconds float64)
}

type server struct {
	cfg        Config
	engine     TransactionCoordinator
	challenger Challenger
	deals      DealTrigger
	dir        DirectoryView
	tele       Measurer
	log        logger.Logger
}

// Run initializes routing and runs the server. To stop the server cancel the context.
// It blocks until the context is canceled.
func Run(
	ctx context.Context, c Config, engine TransactionCoordinator,
	challenger Challenger, deals DealTrigger, dir DirectoryView,
	tele Measurer, log logger.Logger,
) error {
	var err error
	ctxx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.Port <= 0 || c.Port > 65535 {
		return ErrWrongPortSpecified
	}

	s := &server{
		cfg:        c,
		engine:     engine,
		challenger: challenger,
		deals:      deals,
		dir:        dir,
		tele:       tele,
		log:        log,
	}
	router := s.router()

	go func() {
		err := router.Listen(fmt.Sprintf("0.0.0.0:%v", c.Port))
		if err != nil {
			cancel()
		}
	}()

	<-ctxx.Done()

	if errx := router.Shutdown(); errx != nil {
		err = errors.Join(err, errx)
	}
	return err
}

func (s *server) router() *fiber.App {
	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		StrictRouting: false,
		ReadTimeout:   time.Second * 5,
		WriteTimeout:  time.Second * 5,
		ServerHeader:  Header,
		AppName:       ApiVersion,
		Concurrency:   4096,
	})
	router.Use(recover.New())
	router.Use(s.measure)

	router.Get(AliveURL, s.alive)
	router.Get(FederationURL, cors.New(), s.federation)
	router.Get(StellarTomlURL, cors.New(), s.stellarToml)

	signTools := router.Group(signToolsGroupURL)
	signTools.Post("/", s.signToolsCreate)
	signTools.Get("/:key", s.signToolsView)
	signTools.Post("/:key", s.signToolsSign)
	signTools.Post("/:key/submit", s.signToolsSubmit)
	signTools.Post("/:key/refresh", s.signToolsRefresh)
	signTools.Post("/:key/alert", s.signToolsAlert)

	router.Get(signAllURL, cors.New(), s.signAll)

	remote := router.Group(remoteGroupURL, cors.New())
	remote.Get(NeedSignURL, s.needSign)
	remote.Post(UpdateSignatureURL, s.updateSignature)
	remote.Post(DecodeURL, s.decode)
	remote.Post(AddTransactionURL, s.bearer(s.cfg.BearerToken), s.addTransaction)
	remote.Post(HideSignatureURL, s.bearer(s.cfg.BearerToken), s.hideSignature)

	sep07 := remote.Group(sep07GroupURL)
	sep07.Post("/", s.sep07Callback)
	sep07.Post(AuthInitURL, s.authInit)
	sep07.Get(AuthStatusURL, s.authStatus)
	sep07.Post(AuthCallbackURL, s.authCallback)

	rely := router.Group(relyGroupURL)
	rely.Post(GristWebhookURL, s.bearer(s.cfg.WebhookToken), s.gristWebhook)
	rely.Post(DirectoryWebhookURL, s.bearer(s.cfg.WebhookToken), s.directoryWebhook)

	return router
}

// bearer guards an endpoint with a static shared secret. The comparison is
// constant time and a mismatch returns 401 with no body.
func (s *server) bearer(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	}
}

func (s *server) measure(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if s.tele != nil {
		s.tele.ObserveRequest(c.Route().Path, time.Since(start).Seconds())
	}
	return err
}

// setSession binds the authenticated account to a tamper evident cookie.
func (s *server) setSession(c *fiber.Ctx, address string) {
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    address + "." + s.sessionMAC(address),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})
}

// sessionAddress returns the account bound to the request session, empty when
// the cookie is absent or does not authenticate.
func (s *server) sessionAddress(c *fiber.Ctx) string {
	raw := c.Cookies(sessionCookie)
	address, mac, ok := strings.Cut(raw, ".")
	if !ok {
		return ""
	}
	if subtle.ConstantTimeCompare([]byte(mac), []byte(s.sessionMAC(address))) != 1 {
		return ""
	}
	return address
}

func (s *server) sessionMAC(address string) string {
	h := hmac.New(sha256.New, []byte(s.cfg.SessionSecret))
	h.Write([]byte(address))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
