package metatx

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel errors of the relay protocol. Verification failures are terminal:
// the request must be rebuilt. Submission-layer failures are classified by
// Retryable.
var (
	// ErrSignatureMismatch is returned when the recovered signer is not request.From.
	ErrSignatureMismatch = errors.New("metatx: signature does not match sender")

	// ErrNonceReplay is returned when the request nonce is below the stored next nonce.
	ErrNonceReplay = errors.New("metatx: nonce already used")

	// ErrNonceGap is returned when the request nonce is above the stored next nonce.
	ErrNonceGap = errors.New("metatx: nonce ahead of expected")

	// ErrUnauthorizedRelayer is returned when the caller is not the relayer named in the request.
	ErrUnauthorizedRelayer = errors.New("metatx: caller is not the authorized relayer")

	// ErrLiquidityUnavailable is returned when the fee pool has an empty reserve.
	ErrLiquidityUnavailable = errors.New("metatx: liquidity unavailable")

	// ErrQuoteStale is returned when price inputs are older than the freshness window.
	ErrQuoteStale = errors.New("metatx: quote is stale")

	// ErrInsufficientGasBudget is returned when request.Gas cannot cover the inner call.
	ErrInsufficientGasBudget = errors.New("metatx: insufficient gas budget")

	// ErrRevertedExecution is returned when the inner call failed after the nonce was consumed.
	ErrRevertedExecution = errors.New("metatx: forwarded call reverted")

	// ErrSubmissionRejected is returned when the ledger refused the transaction before execution.
	ErrSubmissionRejected = errors.New("metatx: submission rejected")

	// ErrSubmissionTimeout is returned when no confirmation was observed within the timeout.
	ErrSubmissionTimeout = errors.New("metatx: submission timed out")

	// ErrAllRelayersExhausted is returned when the primary and every fallback relayer failed.
	ErrAllRelayersExhausted = errors.New("metatx: all relayers exhausted")

	// ErrSigningUnavailable is returned when the signer's key material cannot be accessed.
	ErrSigningUnavailable = errors.New("metatx: signing unavailable")
)

// Retryable reports whether err may succeed when attempted again without
// rebuilding the request under a new nonce.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrSubmissionRejected),
		errors.Is(err, ErrSubmissionTimeout),
		errors.Is(err, ErrLiquidityUnavailable),
		errors.Is(err, ErrQuoteStale):
		return true
	default:
		return false
	}
}

// OperationError reports a terminal failure together with the identity and
// nonce it concerns, so the caller can decide whether to restart the
// operation under a new nonce.
type OperationError struct {
	From   common.Address
	Nonce  uint64
	Reason error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("metatx: operation from %s nonce %d: %v", e.From.Hex(), e.Nonce, e.Reason)
}

func (e *OperationError) Unwrap() error { return e.Reason }

var codes = []struct {
	code string
	err  error
}{
	{"signature_mismatch", ErrSignatureMismatch},
	{"nonce_replay", ErrNonceReplay},
	{"nonce_gap", ErrNonceGap},
	{"unauthorized_relayer", ErrUnauthorizedRelayer},
	{"liquidity_unavailable", ErrLiquidityUnavailable},
	{"quote_stale", ErrQuoteStale},
	{"insufficient_gas_budget", ErrInsufficientGasBudget},
	{"reverted_execution", ErrRevertedExecution},
	{"submission_rejected", ErrSubmissionRejected},
	{"submission_timeout", ErrSubmissionTimeout},
	{"all_relayers_exhausted", ErrAllRelayersExhausted},
	{"signing_unavailable", ErrSigningUnavailable},
}

// Code returns the stable wire code of the protocol error wrapped by err, or
// the empty string if err wraps none.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// FromCode rebuilds a protocol error from its wire code, keeping msg as
// detail. Unknown codes yield nil.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code != code {
			continue
		}
		if msg == "" || msg == c.err.Error() {
			return c.err
		}
		return fmt.Errorf("%w: %s", c.err, msg)
	}
	return nil
}
