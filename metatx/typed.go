package metatx

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain identifies the forwarder a typed-data signature is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var forwardRequestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"ForwardRequest": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "relayer", Type: "address"},
		{Name: "gas", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	},
}

// TypedData returns the EIP-712 representation of the request under domain.
func (r *ForwardRequest) TypedData(domain Domain) apitypes.TypedData {
	chainID := domain.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return apitypes.TypedData{
		Types:       forwardRequestTypes,
		PrimaryType: "ForwardRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":    r.From.Hex(),
			"to":      r.To.Hex(),
			"relayer": r.Relayer.Hex(),
			"gas":     new(big.Int).SetUint64(r.Gas).String(),
			"nonce":   new(big.Int).SetUint64(r.Nonce).String(),
			"data":    hexutil.Encode(r.Data),
		},
	}
}

// TypedDataHash returns the EIP-712 digest of the request, the typed-data
// variant of Hash. It covers the same tuple plus the domain separator.
func (r *ForwardRequest) TypedDataHash(domain Domain) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(r.TypedData(domain))
	if err != nil {
		return common.Hash{}, fmt.Errorf("metatx: typed data hash: %w", err)
	}
	return common.BytesToHash(digest), nil
}
