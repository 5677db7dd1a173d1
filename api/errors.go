package api

import (
	"errors"
	"net/http"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/ratelimit"
	"github.com/xraph/metarelay/submitter"
	"github.com/xraph/metarelay/watcher"
)

// errorResponse is the body of every failed request. Code is the stable
// protocol code when the failure is a protocol error, so remote clients can
// rebuild the sentinel with metatx.FromCode.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps an error to its HTTP status and wire code.
func statusFor(err error) (int, string) {
	if code := metatx.Code(err); code != "" {
		return protocolStatus(err), code
	}

	switch {
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, metarelay.ErrSubmissionNotFound),
		errors.Is(err, metarelay.ErrOperationNotFound),
		errors.Is(err, metarelay.ErrAttemptNotFound),
		errors.Is(err, metarelay.ErrDLQNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, watcher.ErrIdentityBusy):
		return http.StatusConflict, "identity_busy"
	case errors.Is(err, dlq.ErrAlreadyReplayed):
		return http.StatusConflict, "already_replayed"
	case errors.Is(err, submitter.ErrNoQuoter):
		return http.StatusNotImplemented, "no_quoter"
	default:
		return http.StatusInternalServerError, ""
	}
}

func protocolStatus(err error) int {
	switch {
	case errors.Is(err, metatx.ErrSignatureMismatch),
		errors.Is(err, metatx.ErrNonceGap),
		errors.Is(err, metatx.ErrInsufficientGasBudget):
		return http.StatusBadRequest
	case errors.Is(err, metatx.ErrUnauthorizedRelayer):
		return http.StatusForbidden
	case errors.Is(err, metatx.ErrNonceReplay):
		return http.StatusConflict
	case errors.Is(err, metatx.ErrLiquidityUnavailable),
		errors.Is(err, metatx.ErrQuoteStale),
		errors.Is(err, metatx.ErrSigningUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, metatx.ErrSubmissionRejected):
		return http.StatusBadGateway
	case errors.Is(err, metatx.ErrSubmissionTimeout),
		errors.Is(err, metatx.ErrAllRelayersExhausted):
		return http.StatusGatewayTimeout
	case errors.Is(err, metatx.ErrRevertedExecution):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
