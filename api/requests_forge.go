package api

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/xraph/metarelay/metatx"
)

// ---------------------------------------------------------------------------
// Operator requests
// ---------------------------------------------------------------------------

// ForwardForgeRequest binds the body for POST /forward.
type ForwardForgeRequest struct {
	From      string `description:"Identity that signed the request"      json:"from"`
	To        string `description:"Target contract"                       json:"to"`
	Relayer   string `description:"Relayer the request is bound to"       json:"relayer"`
	Gas       uint64 `description:"Gas budget of the forwarded call"      json:"gas"`
	Nonce     uint64 `description:"Signer's forwarder nonce"              json:"nonce"`
	Data      string `description:"Calldata (0x-prefixed hex)"            json:"data"`
	Signature string `description:"Signature over the request (65 bytes)" json:"signature"`
}

func (r *ForwardForgeRequest) forwardRequest() (*metatx.ForwardRequest, error) {
	data, err := hexutil.Decode(r.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", errInvalidRequest, err)
	}
	sig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", errInvalidRequest, err)
	}
	return &metatx.ForwardRequest{
		From:      common.HexToAddress(r.From),
		To:        common.HexToAddress(r.To),
		Relayer:   common.HexToAddress(r.Relayer),
		Gas:       r.Gas,
		Nonce:     r.Nonce,
		Data:      data,
		Signature: sig,
	}, nil
}

// GetSubmissionForgeRequest binds the path for GET /submissions/:handle.
type GetSubmissionForgeRequest struct {
	Handle string `description:"Submission handle" path:"handle"`
}

// QuoteForgeRequest binds query parameters for GET /quote.
type QuoteForgeRequest struct {
	Gas uint64 `description:"Gas budget to price" query:"gas"`
}

// IdentityForgeRequest is the empty request for GET /identity.
type IdentityForgeRequest struct{}

// ---------------------------------------------------------------------------
// Node requests
// ---------------------------------------------------------------------------

// GetOperationForgeRequest binds the path for GET /operations/:operationId.
type GetOperationForgeRequest struct {
	OperationID string `description:"Operation ID" path:"operationId"`
}

// ---------------------------------------------------------------------------
// DLQ requests
// ---------------------------------------------------------------------------

// ListDLQForgeRequest binds query parameters for GET /dlq.
type ListDLQForgeRequest struct {
	From   string `description:"Filter by identity"     query:"from"`
	Offset int    `description:"Pagination offset"      query:"offset"`
	Limit  int    `description:"Page size (default 50)" query:"limit"`
}

// ReplayDLQForgeRequest binds the path for POST /dlq/:dlqId/replay.
type ReplayDLQForgeRequest struct {
	DLQID string `description:"DLQ entry ID" path:"dlqId"`
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// StatsForgeRequest is the empty request for GET /stats.
type StatsForgeRequest struct{}
