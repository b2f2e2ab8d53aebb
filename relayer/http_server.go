package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/ap-relay/core/auth"
	"github.com/AvaProtocol/ap-relay/core/chainio/aa"
	"github.com/AvaProtocol/ap-relay/core/relay"
	"github.com/AvaProtocol/ap-relay/model"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/nonce"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
	"github.com/AvaProtocol/ap-relay/storage/schema"
	"github.com/AvaProtocol/ap-relay/version"
)

const userContextKey = "user"

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

func (s *Service) initSentry() {
	if s.config.SentryDsn == "" {
		s.logger.Info("sentry disabled: no sentry_dsn configured")
		return
	}

	env := "production"
	if s.config.Environment == sdklogging.Development {
		env = "development"
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              s.config.SentryDsn,
		ServerName:       s.config.ServerName,
		Environment:      env,
		Release:          fmt.Sprintf("%s@%s", version.Get(), version.Commit()),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	}); err != nil {
		s.logger.Errorf("Sentry initialization failed: %v", err)
	}
}

func (s *Service) startHttpServer(ctx context.Context) {
	if s.config.HttpBindAddress == "" {
		s.logger.Info("HTTP server disabled: no http_bind_address configured")
		return
	}

	e := s.newEcho()
	s.echo = e

	addr := s.config.HttpBindAddress
	s.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "address", addr, "error", err)
		}
	})
}

func (s *Service) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())

	// Register Sentry before Recover so panics are reported
	if s.config.SentryDsn != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}

	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if s.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1", s.requireAuth)
	v1.POST("/operations", s.createOperation)
	v1.GET("/operations/:key", s.getOperation)
	v1.GET("/accounts/resolve", s.resolveAccount)

	return e
}

func (s *Service) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}

		user, err := auth.VerifyJwt(s.config.JwtSecret, token)
		if err != nil {
			s.logger.Debug("rejected token", "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrorUnAuthorized.Error())
		}

		c.Set(userContextKey, user)
		return next(c)
	}
}

func currentUser(c echo.Context) *model.User {
	user, _ := c.Get(userContextKey).(*model.User)
	return user
}

func errorJSON(c echo.Context, err *relayerr.Error) error {
	return c.JSON(httpStatus(err), &ErrorResp{Error: err})
}

func recordStatusCode(record *model.SubmissionRecord) int {
	switch record.Status {
	case model.SubmissionConfirmed:
		return http.StatusOK
	case model.SubmissionFailed:
		return httpStatus(record.Error)
	}
	return http.StatusAccepted
}

func (s *Service) createOperation(c echo.Context) error {
	user := currentUser(c)

	var body OperationReq
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, relayerr.Encoding(relayerr.StageCompose, "malformed body: %v", err))
	}
	parsed, err := body.parse()
	if err != nil {
		e, _ := relayerr.As(err)
		return errorJSON(c, e)
	}

	// the operation outlives the HTTP request once it may have reached the bundler
	ctx := context.WithoutCancel(c.Request().Context())

	sender, initCode, err := s.senderFor(ctx, parsed)
	if err != nil {
		if e, ok := relayerr.As(err); ok {
			return errorJSON(c, e)
		}
		s.logger.Error("cannot resolve sender", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	record, created, err := s.submissions.Reserve(model.NewSubmissionRecord(parsed.idempotencyKey, user.Subject, sender))
	if err != nil {
		s.logger.Error("cannot reserve submission", "idempotencyKey", parsed.idempotencyKey, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, InternalError)
	}
	if !created {
		if record.Requester != user.Subject {
			return echo.NewHTTPError(http.StatusConflict, "idempotency key already used")
		}
		return c.JSON(recordStatusCode(record), &HttpJsonResp[*model.SubmissionRecord]{Data: record})
	}

	res := s.relayer.Relay(ctx, relay.Request{
		Sender:         sender,
		Calls:          parsed.calls,
		CallData:       parsed.callData,
		InitCode:       initCode,
		Gas:            parsed.gas,
		IdempotencyKey: parsed.idempotencyKey,
		Purpose:        nonce.Purpose{Requester: user.Subject, At: time.Now()},
	})

	applyResult(record, res)
	if err := s.submissions.Save(record); err != nil {
		s.logger.Error("cannot persist submission", "idempotencyKey", record.IdempotencyKey, "error", err)
	}

	return c.JSON(recordStatusCode(record), &HttpJsonResp[*model.SubmissionRecord]{Data: record})
}

// senderFor returns the sender of the operation. Without one in the request it is the
// account of the relay signer, deployed by this operation when it has no code yet.
func (s *Service) senderFor(ctx context.Context, op *operation) (common.Address, []byte, error) {
	if op.sender != nil {
		return *op.sender, op.initCode, nil
	}
	if s.config.Signer == nil || s.resolver == nil {
		return common.Address{}, nil, relayerr.Encoding(relayerr.StageCompose, "sender is required")
	}

	owner := s.config.Signer.Address()
	candidate, err := s.resolver.Resolve(ctx, owner, nil)
	if err != nil {
		return common.Address{}, nil, err
	}

	initCode := op.initCode
	if len(initCode) == 0 && !candidate.HasEvidence(aa.EvidenceHasCode) {
		scheme := aa.FactoryScheme{Kind: candidate.Scheme, Factory: candidate.Factory}
		if initCode, err = scheme.InitCode(owner, candidate.Salt); err != nil {
			return common.Address{}, nil, relayerr.New(relayerr.KindEncoding, relayerr.StageBuild, "cannot encode initCode", err)
		}
	}
	return candidate.Address, initCode, nil
}

func applyResult(record *model.SubmissionRecord, res *relay.Result) {
	record.OperationHash = res.OperationHash
	record.BundlerOperationID = res.BundlerOperationID
	record.Attempts = res.Attempts
	if res.Nonce != nil {
		record.Nonce = res.Nonce.String()
	}

	switch res.Status {
	case relay.StatusConfirmed:
		record.Settle(model.SubmissionConfirmed, res.TransactionHash, nil)
	case relay.StatusPending:
		record.Settle(model.SubmissionPending, nil, res.Error)
	default:
		record.Settle(model.SubmissionFailed, res.TransactionHash, res.Error)
	}
}

func (s *Service) getOperation(c echo.Context) error {
	record, err := s.submissions.Get(c.Param("key"))
	if err != nil {
		s.logger.Error("cannot load submission", "idempotencyKey", c.Param("key"), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, InternalError)
	}
	if record == nil || record.Requester != currentUser(c).Subject {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*model.SubmissionRecord]{Data: record})
}

// ResolveResp carries the candidate even when the resolution failed as foreign, so an
// operator can see where the funds are.
type ResolveResp struct {
	Data  *aa.Candidate   `json:"data,omitempty"`
	Error *relayerr.Error `json:"error,omitempty"`
}

func (s *Service) resolveAccount(c echo.Context) error {
	if s.resolver == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "resolver disabled")
	}

	owner, err := ownerParam(c)
	if err != nil {
		return errorJSON(c, relayerr.Encoding(relayerr.StageResolve, "%v", err))
	}

	var bookkeeping *common.Address
	if v := c.QueryParam("bookkeeping"); v != "" {
		if !common.IsHexAddress(v) {
			return errorJSON(c, relayerr.Encoding(relayerr.StageResolve, "invalid bookkeeping address %q", v))
		}
		addr := common.HexToAddress(v)
		bookkeeping = &addr
	}

	candidate, err := s.resolver.Resolve(c.Request().Context(), owner, bookkeeping)
	if err != nil {
		e, ok := relayerr.As(err)
		if !ok {
			s.logger.Error("resolution failed", "owner", owner.Hex(), "error", err)
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		return c.JSON(httpStatus(e), &ResolveResp{Data: candidate, Error: e})
	}

	if bookkeeping != nil && candidate.Address == *bookkeeping {
		if data, err := json.Marshal(candidate); err == nil {
			if err := s.db.Set(schema.ResolutionKey(owner, *bookkeeping), data); err != nil {
				s.logger.Warn("cannot persist resolution", "owner", owner.Hex(), "error", err)
			}
		}
	}

	return c.JSON(http.StatusOK, &ResolveResp{Data: candidate})
}

// ownerParam defaults to the caller's own address when the subject is one.
func ownerParam(c echo.Context) (common.Address, error) {
	if v := c.QueryParam("owner"); v != "" {
		if !common.IsHexAddress(v) {
			return common.Address{}, fmt.Errorf("invalid owner address %q", v)
		}
		return common.HexToAddress(v), nil
	}
	if user := currentUser(c); user != nil && user.Address != nil {
		return *user.Address, nil
	}
	return common.Address{}, fmt.Errorf("owner is required")
}
