package api

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/xraph/metarelay/fee"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/settlement"
	"github.com/xraph/metarelay/watcher"
)

// SettleRequest is the body of POST /v1/settle: a payment promise to settle
// on the hub, wrapped in a meta-transaction signed by the provider. It
// carries no fee field; the fee is derived by the operator.
type SettleRequest struct {
	Amount          string `description:"Cumulative promise amount (decimal)"         json:"amount"`
	ChainID         uint64 `description:"Chain the promise was issued for"             json:"chainID,omitempty"`
	ChannelID       string `description:"Payment channel ID (0x-prefixed 32 bytes)"    json:"channelID"`
	HermesID        string `description:"Payment hub address"                          json:"hermesID"`
	Preimage        string `description:"Hashlock preimage (0x-prefixed 32 bytes)"     json:"preimage"`
	ProviderID      string `description:"Provider identity the request is signed by"   json:"providerID"`
	Signature       string `description:"Promise signature (65 bytes hex)"             json:"signature"`
	Gas             string `description:"Gas budget of the forwarded call (decimal)"   json:"gas"`
	Nonce           uint64 `description:"Provider's forwarder nonce"                   json:"nonce"`
	MetaTxSignature string `description:"Signature over the forward request (65 bytes)" json:"metaTxSignature"`
}

// forwardRequest converts the settle body into the request the provider
// signed: from the provider, to the hub, naming relayer.
func (r *SettleRequest) forwardRequest(relayer common.Address) (*metatx.ForwardRequest, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q", errInvalidRequest, r.Amount)
	}
	gas, err := strconv.ParseUint(r.Gas, 10, 64)
	if err != nil || gas == 0 {
		return nil, fmt.Errorf("%w: gas %q", errInvalidRequest, r.Gas)
	}
	promiseSig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", errInvalidRequest, err)
	}
	metaSig, err := hexutil.Decode(r.MetaTxSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: metaTxSignature: %v", errInvalidRequest, err)
	}

	data, err := settlement.EncodeSettle(settlement.Promise{
		ChannelID: common.HexToHash(r.ChannelID),
		Amount:    amount,
		Preimage:  common.HexToHash(r.Preimage),
		Signature: promiseSig,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}

	return &metatx.ForwardRequest{
		From:      common.HexToAddress(r.ProviderID),
		To:        common.HexToAddress(r.HermesID),
		Relayer:   relayer,
		Gas:       gas,
		Nonce:     r.Nonce,
		Data:      data,
		Signature: metaSig,
	}, nil
}

// OperationRequest is the body of POST /v1/operations: an intent the node
// signs and relays on behalf of From.
type OperationRequest struct {
	From string `description:"Identity to act as"               json:"from"`
	To   string `description:"Target contract"                  json:"to"`
	Gas  uint64 `description:"Gas budget of the forwarded call" json:"gas"`
	Data string `description:"Calldata (0x-prefixed hex)"       json:"data,omitempty"`
}

func (r *OperationRequest) intent() (watcher.Intent, error) {
	var data []byte
	if r.Data != "" {
		decoded, err := hexutil.Decode(r.Data)
		if err != nil {
			return watcher.Intent{}, fmt.Errorf("%w: data: %v", errInvalidRequest, err)
		}
		data = decoded
	}
	return watcher.Intent{
		From: common.HexToAddress(r.From),
		To:   common.HexToAddress(r.To),
		Gas:  r.Gas,
		Data: data,
	}, nil
}

// IdentityResponse names the operator identity requests must be signed for.
type IdentityResponse struct {
	Identity common.Address `json:"identity"`
	ChainID  uint64         `json:"chain_id,omitempty"`
}

// QuoteResponse is a fee preview.
type QuoteResponse struct {
	GasUsed       uint64    `json:"gas_used"`
	GasPrice      string    `json:"gas_price"`
	CostInNative  string    `json:"cost_in_native"`
	TransactorFee string    `json:"transactor_fee"`
	ReserveIn     string    `json:"reserve_in"`
	ReserveOut    string    `json:"reserve_out"`
	QuotedAt      time.Time `json:"quoted_at"`
}

func quoteResponse(q *fee.Quote) *QuoteResponse {
	return &QuoteResponse{
		GasUsed:       q.GasUsed,
		GasPrice:      q.GasPrice.Dec(),
		CostInNative:  q.CostInNative.Dec(),
		TransactorFee: q.TransactorFee.Dec(),
		ReserveIn:     q.ReserveIn.Dec(),
		ReserveOut:    q.ReserveOut.Dec(),
		QuotedAt:      q.QuotedAt,
	}
}

// OperationResponse is an operation together with its attempts.
type OperationResponse struct {
	Operation *watcher.Operation `json:"operation"`
	Attempts  []*watcher.Attempt `json:"attempts"`
}

// StatsResponse holds aggregate counts.
type StatsResponse struct {
	PendingSubmissions   int64 `json:"pending_submissions"`
	ConfirmedSubmissions int64 `json:"confirmed_submissions"`
	RevertedSubmissions  int64 `json:"reverted_submissions"`
	FailedSubmissions    int64 `json:"failed_submissions"`
	DLQSize              int64 `json:"dlq_size"`
}
