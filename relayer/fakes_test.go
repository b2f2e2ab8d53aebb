package relayer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relay/core/auth"
	"github.com/AvaProtocol/ap-relay/core/chainio/aa"
	"github.com/AvaProtocol/ap-relay/core/config"
	"github.com/AvaProtocol/ap-relay/core/relay"
	"github.com/AvaProtocol/ap-relay/core/testutil"
)

const (
	aliceSubject = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	bobSubject   = "bob-backend"
)

var (
	testSender = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	testTxHash = common.HexToHash("0x5d0b7a1a4bf2b6e3f76d4f4c6a8f6e41bb3bc1a4a70f2d8c0c4f2f8f6e0b1a2c")
	testOpHash = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
)

type fakeRelayer struct {
	mu       sync.Mutex
	result   *relay.Result
	outcome  *relay.Outcome
	requests []relay.Request
	polled   []string
}

func (f *fakeRelayer) Relay(ctx context.Context, req relay.Request) *relay.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	res := *f.result
	return &res
}

func (f *fakeRelayer) Poll(ctx context.Context, bundlerOpID string, timeout time.Duration) *relay.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, bundlerOpID)
	if f.outcome == nil {
		return &relay.Outcome{Status: relay.StatusPending}
	}
	return f.outcome
}

func (f *fakeRelayer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeResolver struct {
	candidate *aa.Candidate
	err       error
	owners    []common.Address
}

func (f *fakeResolver) Resolve(ctx context.Context, owner common.Address, bookkeeping *common.Address) (*aa.Candidate, error) {
	f.owners = append(f.owners, owner)
	return f.candidate, f.err
}

func confirmedResult() *relay.Result {
	tx := testTxHash
	return &relay.Result{
		Status:             relay.StatusConfirmed,
		TransactionHash:    &tx,
		BundlerOperationID: testOpHash.Hex(),
		OperationHash:      testOpHash,
		Attempts:           1,
	}
}

type harness struct {
	svc      *Service
	echo     *echo.Echo
	relayer  *fakeRelayer
	resolver *fakeResolver
	config   *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.TestMustDB()
	t.Cleanup(func() { db.Close() })

	c := testutil.GetRelayConfig()
	r := &fakeRelayer{result: confirmedResult()}
	res := &fakeResolver{}
	svc := newService(c, db, r, res, nil, nil)

	return &harness{
		svc:      svc,
		echo:     svc.newEcho(),
		relayer:  r,
		resolver: res,
		config:   c,
	}
}

func (h *harness) do(t *testing.T, method, path, subject, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if subject != "" {
		token, err := auth.IssueJwt(h.config.JwtSecret, subject, time.Hour)
		require.NoError(t, err)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)
	return rec
}
