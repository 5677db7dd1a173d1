package ethledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xraph/metarelay/fee"
)

// PairSource reads reserves from a UniswapV2-style pair on every call.
type PairSource struct {
	backend Backend
	pair    common.Address

	// nativeIsToken0 selects which reserve is the native (input) side.
	nativeIsToken0 bool
	now            func() time.Time
}

var _ fee.PoolSource = (*PairSource)(nil)

// NewPairSource creates a PairSource for pair.
func NewPairSource(backend Backend, pair common.Address, nativeIsToken0 bool) *PairSource {
	return &PairSource{backend: backend, pair: pair, nativeIsToken0: nativeIsToken0, now: time.Now}
}

// Reserves implements fee.PoolSource.
func (p *PairSource) Reserves(ctx context.Context) (*fee.Reserves, error) {
	data, err := pairABI.Pack("getReserves")
	if err != nil {
		return nil, err
	}
	pair := p.pair
	raw, err := p.backend.CallContract(ctx, ethereum.CallMsg{To: &pair, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ethledger: getReserves: %w", err)
	}
	vals, err := pairABI.Unpack("getReserves", raw)
	if err != nil {
		return nil, fmt.Errorf("ethledger: decode getReserves: %w", err)
	}

	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, fmt.Errorf("ethledger: unexpected getReserves output %v", vals)
	}

	in, out := r0, r1
	if !p.nativeIsToken0 {
		in, out = r1, r0
	}
	return &fee.Reserves{
		In:         uint256.MustFromBig(in),
		Out:        uint256.MustFromBig(out),
		ObservedAt: p.now(),
	}, nil
}

// RouterSwapper sells collected fee tokens for native currency through a
// UniswapV2-style router, sending from the ledger's operator account.
type RouterSwapper struct {
	ledger   *Ledger
	router   common.Address
	path     []common.Address
	gas      uint64
	deadline time.Duration
}

// Swapper returns a RouterSwapper selling along path (token first, wrapped
// native last) to the operator account.
func (l *Ledger) Swapper(router common.Address, path []common.Address) *RouterSwapper {
	return &RouterSwapper{
		ledger:   l,
		router:   router,
		path:     path,
		gas:      200000,
		deadline: 5 * time.Minute,
	}
}

// Swap sends the swap transaction. It returns once the ledger accepted it.
func (s *RouterSwapper) Swap(ctx context.Context, amountIn, minOut *uint256.Int) error {
	deadline := big.NewInt(time.Now().Add(s.deadline).Unix())
	data, err := routerABI.Pack("swapExactTokensForETH", amountIn.ToBig(), minOut.ToBig(), s.path, s.ledger.cfg.Operator, deadline)
	if err != nil {
		return err
	}

	signed, err := s.ledger.send(ctx, s.router, s.gas, data)
	if err != nil {
		return fmt.Errorf("ethledger: swap: %w", err)
	}

	s.ledger.logger.DebugContext(ctx, "fee swap sent",
		"tx_hash", signed.Hash().Hex(),
		"amount_in", amountIn.Dec(),
		"min_out", minOut.Dec(),
	)
	return nil
}
