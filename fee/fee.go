// Package fee converts the gas cost of a forwarded call into the token amount
// a relayer deducts from the payment, priced through a constant-product pool.
package fee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/holiman/uint256"

	"github.com/xraph/metarelay/metatx"
)

var (
	// ErrOverflow is returned when an intermediate value exceeds 256 bits.
	ErrOverflow = errors.New("fee: arithmetic overflow")

	// ErrInvariant is returned when a quote would shrink the pool's reserve product.
	ErrInvariant = errors.New("fee: constant-product invariant violated")

	// ErrNoPrice is returned when no gas price was supplied.
	ErrNoPrice = errors.New("fee: gas price required")
)

// Reserves is a snapshot of the fee pool. In is the native-currency side and
// Out the token side.
type Reserves struct {
	In         *uint256.Int
	Out        *uint256.Int
	ObservedAt time.Time
}

// PoolSource reads the pool's current reserves. It is consulted on every
// quote and must not serve cached values.
type PoolSource interface {
	Reserves(ctx context.Context) (*Reserves, error)
}

// PoolSourceFunc adapts a function to PoolSource.
type PoolSourceFunc func(ctx context.Context) (*Reserves, error)

// Reserves implements PoolSource.
func (f PoolSourceFunc) Reserves(ctx context.Context) (*Reserves, error) { return f(ctx) }

// Config holds the quoting constants.
type Config struct {
	// FixedOverhead is the gas charged per forwarded call on top of request.Gas.
	FixedOverhead uint64 `json:"fixed_overhead" yaml:"fixed_overhead" mapstructure:"fixed_overhead"`

	// SwapOverhead is the gas of swapping the collected fee back.
	SwapOverhead uint64 `json:"swap_overhead" yaml:"swap_overhead" mapstructure:"swap_overhead"`

	// FeeNumerator / FeeDenominator is the share of the input the pool keeps
	// after its fee (997/1000 for a 0.3% pool).
	FeeNumerator   uint64 `json:"fee_numerator" yaml:"fee_numerator" mapstructure:"fee_numerator"`
	FeeDenominator uint64 `json:"fee_denominator" yaml:"fee_denominator" mapstructure:"fee_denominator"`

	// Freshness is the maximum age of a gas price or reserve snapshot.
	Freshness time.Duration `json:"freshness" yaml:"freshness" mapstructure:"freshness"`
}

// DefaultConfig returns constants for a 0.3% constant-product pool.
func DefaultConfig() Config {
	return Config{
		FixedOverhead:  21000,
		SwapOverhead:   50000,
		FeeNumerator:   997,
		FeeDenominator: 1000,
		Freshness:      30 * time.Second,
	}
}

// Input is what a quote is computed from.
type Input struct {
	Gas      uint64
	GasPrice *uint256.Int

	// PricedAt is when GasPrice was observed. Zero skips the freshness check.
	PricedAt time.Time
}

// Quote is the fee for one forwarded call.
type Quote struct {
	GasUsed       uint64
	GasPrice      *uint256.Int
	CostInNative  *uint256.Int
	TransactorFee *uint256.Int
	ReserveIn     *uint256.Int
	ReserveOut    *uint256.Int
	QuotedAt      time.Time
}

// Quoter prices forwarded calls against a live pool.
type Quoter struct {
	pool   PoolSource
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Quoter.
type Option func(*Quoter)

// WithClock overrides the time source used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(q *Quoter) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Quoter) { q.logger = l }
}

// NewQuoter creates a Quoter reading reserves from pool.
func NewQuoter(pool PoolSource, cfg Config, opts ...Option) *Quoter {
	q := &Quoter{
		pool:   pool,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the quoting constants.
func (q *Quoter) Config() Config { return q.cfg }

// Quote reads fresh reserves and prices in.
func (q *Quoter) Quote(ctx context.Context, in Input) (*Quote, error) {
	now := q.now()
	if err := q.fresh("gas price", in.PricedAt, now); err != nil {
		return nil, err
	}

	res, err := q.pool.Reserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("fee: read reserves: %w", err)
	}
	if err := q.fresh("reserves", res.ObservedAt, now); err != nil {
		return nil, err
	}

	quote, err := Compute(q.cfg, in.Gas, in.GasPrice, res)
	if err != nil {
		return nil, err
	}
	quote.QuotedAt = now

	q.logger.DebugContext(ctx, "fee quoted",
		"gas", in.Gas,
		"gas_used", quote.GasUsed,
		"gas_price", in.GasPrice.Dec(),
		"transactor_fee", quote.TransactorFee.Dec(),
	)
	return quote, nil
}

func (q *Quoter) fresh(what string, at, now time.Time) error {
	if at.IsZero() || q.cfg.Freshness <= 0 {
		return nil
	}
	if age := now.Sub(at); age > q.cfg.Freshness {
		return fmt.Errorf("%w: %s is %s old, window %s", metatx.ErrQuoteStale, what, age.Truncate(time.Millisecond), q.cfg.Freshness)
	}
	return nil
}

// Compute is the pure quoting arithmetic:
//
//	gasUsed      = gas + FixedOverhead + SwapOverhead
//	costInNative = gasUsed * price
//	fee          = costInNative*num*rOut / (rIn*den + costInNative*num)
//
// The result is rejected unless (rIn+costInNative)*(rOut-fee) >= rIn*rOut.
func Compute(cfg Config, gas uint64, price *uint256.Int, res *Reserves) (*Quote, error) {
	if price == nil {
		return nil, ErrNoPrice
	}
	if res == nil || res.In == nil || res.Out == nil || res.In.IsZero() || res.Out.IsZero() {
		return nil, metatx.ErrLiquidityUnavailable
	}
	if cfg.FeeDenominator == 0 || cfg.FeeNumerator > cfg.FeeDenominator {
		return nil, fmt.Errorf("fee: invalid pool fee %d/%d", cfg.FeeNumerator, cfg.FeeDenominator)
	}

	overhead := cfg.FixedOverhead + cfg.SwapOverhead
	if overhead < cfg.FixedOverhead || gas > math.MaxUint64-overhead {
		return nil, ErrOverflow
	}
	gasUsed := gas + overhead

	cost, over := new(uint256.Int).MulOverflow(uint256.NewInt(gasUsed), price)
	if over {
		return nil, ErrOverflow
	}

	num := uint256.NewInt(cfg.FeeNumerator)
	den := uint256.NewInt(cfg.FeeDenominator)

	costWithFee, over := new(uint256.Int).MulOverflow(cost, num)
	if over {
		return nil, ErrOverflow
	}
	numerator, over := new(uint256.Int).MulOverflow(costWithFee, res.Out)
	if over {
		return nil, ErrOverflow
	}
	scaledIn, over := new(uint256.Int).MulOverflow(res.In, den)
	if over {
		return nil, ErrOverflow
	}
	denominator, over := new(uint256.Int).AddOverflow(scaledIn, costWithFee)
	if over {
		return nil, ErrOverflow
	}

	amountOut := new(uint256.Int).Div(numerator, denominator)

	if err := checkInvariant(res.In, res.Out, cost, amountOut); err != nil {
		return nil, err
	}

	return &Quote{
		GasUsed:       gasUsed,
		GasPrice:      new(uint256.Int).Set(price),
		CostInNative:  cost,
		TransactorFee: amountOut,
		ReserveIn:     new(uint256.Int).Set(res.In),
		ReserveOut:    new(uint256.Int).Set(res.Out),
	}, nil
}

func checkInvariant(rIn, rOut, in, out *uint256.Int) error {
	if !out.Lt(rOut) {
		return ErrInvariant
	}
	before, over := new(uint256.Int).MulOverflow(rIn, rOut)
	if over {
		return ErrOverflow
	}
	newIn, over := new(uint256.Int).AddOverflow(rIn, in)
	if over {
		return ErrOverflow
	}
	after, over := new(uint256.Int).MulOverflow(newIn, new(uint256.Int).Sub(rOut, out))
	if over {
		return ErrOverflow
	}
	if after.Lt(before) {
		return ErrInvariant
	}
	return nil
}
