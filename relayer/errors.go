package relayer

import (
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

const (
	InternalError = "Internal Error"
)

// goSafe runs fn in a goroutine, reporting a panic to Sentry before re-panicking.
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentryRecover(r)
				panic(r)
			}
		}()
		fn()
	}()
}

// no-op when Sentry isn't initialized
func sentryRecover(rec interface{}) {
	sentry.CurrentHub().Recover(rec)
}

func sentryFlushSafely(timeout time.Duration) {
	_ = sentry.Flush(timeout)
}

// ErrorResp is the body of every non 2xx response.
type ErrorResp struct {
	Error *relayerr.Error `json:"error"`
}

// httpStatus maps a relay error to the status code the API answers with.
func httpStatus(err *relayerr.Error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, relayerr.ErrEncoding):
		return http.StatusBadRequest
	case errors.Is(err, relayerr.ErrResolutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, relayerr.ErrResolutionForeign):
		return http.StatusConflict
	case errors.Is(err, relayerr.ErrNonceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, relayerr.ErrSponsorRejected),
		errors.Is(err, relayerr.ErrBundlerRejected),
		errors.Is(err, relayerr.ErrFeeEscalationExhausted),
		errors.Is(err, relayerr.ErrReplacementRejected):
		return http.StatusBadGateway
	case errors.Is(err, relayerr.ErrExecutionReverted):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
