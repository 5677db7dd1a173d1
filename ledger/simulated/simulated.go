// Package simulated is an in-process ledger backed by a verifier.Forwarder.
// Transactions can be mined immediately or held and mined on demand, which
// makes confirmation races reproducible in tests.
package simulated

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/xraph/metarelay/ledger"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/verifier"
)

var _ ledger.Ledger = (*Ledger)(nil)

// GasEstimator returns the inner-call gas a request needs.
type GasEstimator func(req *metatx.ForwardRequest) uint64

// Rejector decides whether the ledger refuses a submission outright. A
// non-nil error is wrapped in metatx.ErrSubmissionRejected.
type Rejector func(req *metatx.ForwardRequest, caller common.Address) error

type tx struct {
	req     *metatx.ForwardRequest
	caller  common.Address
	mining  bool
	receipt *ledger.Receipt
}

// Ledger is an in-process ledger.
type Ledger struct {
	fwd    *verifier.Forwarder
	logger *slog.Logger

	mu       sync.Mutex
	txs      map[string]*tx
	pending  []string
	seq      uint64
	manual   bool
	gasPrice *uint256.Int
	estimate GasEstimator
	reject   Rejector
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithManualMining keeps submitted transactions pending until Mine or
// MineHandle is called.
func WithManualMining() Option {
	return func(l *Ledger) { l.manual = true }
}

// WithGasPrice sets the price reported by GasPrice.
func WithGasPrice(price *uint256.Int) Option {
	return func(l *Ledger) { l.gasPrice = price }
}

// WithGasEstimator sets the inner-call gas estimator.
func WithGasEstimator(fn GasEstimator) Option {
	return func(l *Ledger) { l.estimate = fn }
}

// WithRejector installs a submission filter.
func WithRejector(fn Rejector) Option {
	return func(l *Ledger) { l.reject = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger executing through fwd.
func New(fwd *verifier.Forwarder, opts ...Option) *Ledger {
	l := &Ledger{
		fwd:      fwd,
		logger:   slog.Default(),
		txs:      make(map[string]*tx),
		gasPrice: uint256.NewInt(1_000_000_000),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Forwarder returns the verification authority behind the ledger.
func (l *Ledger) Forwarder() *verifier.Forwarder { return l.fwd }

// Verify implements ledger.Ledger.
func (l *Ledger) Verify(ctx context.Context, req *metatx.ForwardRequest) (bool, error) {
	return l.fwd.Verify(ctx, req)
}

// EstimateGas implements ledger.Ledger.
func (l *Ledger) EstimateGas(_ context.Context, req *metatx.ForwardRequest) (uint64, error) {
	if l.estimate == nil {
		return 0, nil
	}
	return l.estimate(req), nil
}

// GasPrice implements ledger.Ledger.
func (l *Ledger) GasPrice(_ context.Context) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.gasPrice), nil
}

// SetGasPrice changes the reported gas price.
func (l *Ledger) SetGasPrice(price *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gasPrice = new(uint256.Int).Set(price)
}

// Nonce implements ledger.Ledger.
func (l *Ledger) Nonce(ctx context.Context, from common.Address) (uint64, error) {
	return l.fwd.Nonce(ctx, from)
}

// Submit implements ledger.Ledger.
func (l *Ledger) Submit(ctx context.Context, req *metatx.ForwardRequest, caller common.Address) (string, error) {
	if l.reject != nil {
		if err := l.reject(req, caller); err != nil {
			return "", fmt.Errorf("%w: %v", metatx.ErrSubmissionRejected, err)
		}
	}

	l.mu.Lock()
	l.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.seq)
	hash := req.Hash()
	handle := crypto.Keccak256Hash(hash.Bytes(), caller.Bytes(), seq[:]).Hex()
	l.txs[handle] = &tx{req: req.WithSignature(req.Signature), caller: caller}
	l.pending = append(l.pending, handle)
	manual := l.manual
	l.mu.Unlock()

	l.logger.DebugContext(ctx, "simulated transaction submitted",
		"handle", handle,
		"from", req.From.Hex(),
		"nonce", req.Nonce,
		"caller", caller.Hex(),
	)

	if !manual {
		if err := l.MineHandle(ctx, handle); err != nil {
			return "", err
		}
	}
	return handle, nil
}

// Receipt implements ledger.Ledger.
func (l *Ledger) Receipt(_ context.Context, handle string) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.txs[handle]
	if !ok {
		return nil, ledger.ErrUnknownTransaction
	}
	if t.receipt == nil {
		return nil, ledger.ErrPending
	}
	cp := *t.receipt
	return &cp, nil
}

// Pending returns the handles of transactions awaiting inclusion, oldest first.
func (l *Ledger) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.pending...)
}

// Mine includes every pending transaction in submission order and returns
// how many were mined.
func (l *Ledger) Mine(ctx context.Context) (int, error) {
	mined := 0
	for _, handle := range l.Pending() {
		if err := l.MineHandle(ctx, handle); err != nil {
			return mined, err
		}
		mined++
	}
	return mined, nil
}

// MineHandle includes a single pending transaction. A transaction is
// executed at most once: calls racing an inclusion already under way return
// without touching its receipt.
func (l *Ledger) MineHandle(ctx context.Context, handle string) error {
	l.mu.Lock()
	t, ok := l.txs[handle]
	if !ok {
		l.mu.Unlock()
		return ledger.ErrUnknownTransaction
	}
	if t.receipt != nil || t.mining {
		l.mu.Unlock()
		return nil
	}
	t.mining = true
	for i, h := range l.pending {
		if h == handle {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	receipt := &ledger.Receipt{}
	res, err := l.fwd.Execute(ctx, t.req, t.caller)
	if err != nil {
		receipt.Err = err
	} else {
		receipt.Executed = true
		receipt.Success = res.Success
		receipt.ReturnData = res.ReturnData
		if res.InnerErr != nil {
			receipt.Err = res.InnerErr
		}
	}

	l.mu.Lock()
	t.receipt = receipt
	t.mining = false
	l.mu.Unlock()

	l.logger.DebugContext(ctx, "simulated transaction mined",
		"handle", handle,
		"executed", receipt.Executed,
		"success", receipt.Success,
	)
	return nil
}
