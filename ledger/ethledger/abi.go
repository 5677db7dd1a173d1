package ethledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/metatx"
)

// ForwarderABI is the interface of the on-chain trusted forwarder.
const ForwarderABI = `[
  {"type":"function","name":"getNonce","stateMutability":"view",
   "inputs":[{"name":"from","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"verify","stateMutability":"view",
   "inputs":[{"name":"req","type":"tuple","components":[
      {"name":"from","type":"address"},{"name":"to","type":"address"},
      {"name":"relayer","type":"address"},{"name":"gas","type":"uint256"},
      {"name":"nonce","type":"uint256"},{"name":"data","type":"bytes"}]},
     {"name":"signature","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"execute","stateMutability":"payable",
   "inputs":[{"name":"req","type":"tuple","components":[
      {"name":"from","type":"address"},{"name":"to","type":"address"},
      {"name":"relayer","type":"address"},{"name":"gas","type":"uint256"},
      {"name":"nonce","type":"uint256"},{"name":"data","type":"bytes"}]},
     {"name":"signature","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"},{"name":"","type":"bytes"}]},
  {"type":"event","name":"Executed","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
     {"name":"nonce","type":"uint256","indexed":true},
     {"name":"success","type":"bool","indexed":false},
     {"name":"returnData","type":"bytes","indexed":false}]}
]`

// PairABI is the subset of a UniswapV2-style pair the fee quoter reads.
const PairABI = `[
  {"type":"function","name":"getReserves","stateMutability":"view","inputs":[],
   "outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},
     {"name":"blockTimestampLast","type":"uint32"}]}
]`

// RouterABI is the subset of a UniswapV2-style router used to swap fees back.
const RouterABI = `[
  {"type":"function","name":"swapExactTokensForETH","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
     {"name":"path","type":"address[]"},{"name":"to","type":"address"},
     {"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var (
	forwarderABI = mustABI(ForwarderABI)
	pairABI      = mustABI(PairABI)
	routerABI    = mustABI(RouterABI)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("ethledger: invalid abi: " + err.Error())
	}
	return parsed
}

// abiRequest mirrors the forwarder's request tuple.
type abiRequest struct {
	From    common.Address
	To      common.Address
	Relayer common.Address
	Gas     *big.Int
	Nonce   *big.Int
	Data    []byte
}

func toABI(req *metatx.ForwardRequest) abiRequest {
	return abiRequest{
		From:    req.From,
		To:      req.To,
		Relayer: req.Relayer,
		Gas:     new(big.Int).SetUint64(req.Gas),
		Nonce:   new(big.Int).SetUint64(req.Nonce),
		Data:    req.Data,
	}
}

// PackExecute returns calldata for forwarder.execute(req, signature).
func PackExecute(req *metatx.ForwardRequest) ([]byte, error) {
	return forwarderABI.Pack("execute", toABI(req), []byte(req.Signature))
}

// PackVerify returns calldata for forwarder.verify(req, signature).
func PackVerify(req *metatx.ForwardRequest) ([]byte, error) {
	return forwarderABI.Pack("verify", toABI(req), []byte(req.Signature))
}

// PackGetNonce returns calldata for forwarder.getNonce(from).
func PackGetNonce(from common.Address) ([]byte, error) {
	return forwarderABI.Pack("getNonce", from)
}
