// Package ethledger reaches a forwarder contract on an Ethereum-compatible
// chain over JSON-RPC.
package ethledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/xraph/metarelay/ledger"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/nonce"
	"github.com/xraph/metarelay/signature"
)

var _ ledger.Ledger = (*Ledger)(nil)

// ErrWrongCaller is returned by Submit when asked to send as an account other
// than the configured operator.
var ErrWrongCaller = errors.New("ethledger: caller is not the operator account")

// Backend is the JSON-RPC surface the ledger needs. *ethclient.Client
// satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs an operator transaction.
type TxSigner func(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)

// KeySigner signs with key under the EIP-155 rules of chainID.
func KeySigner(key *ecdsa.PrivateKey, chainID *big.Int) TxSigner {
	signer := types.LatestSignerForChainID(chainID)
	return func(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(tx, signer, key)
	}
}

// Config locates the forwarder and the operator account.
type Config struct {
	// Forwarder is the trusted forwarder contract address.
	Forwarder common.Address `json:"forwarder" yaml:"forwarder" mapstructure:"forwarder"`

	// Operator is the account that sends and pays for transactions.
	Operator common.Address `json:"operator" yaml:"operator" mapstructure:"operator"`

	// GasOverhead is added to request.Gas for the outer transaction's gas limit.
	GasOverhead uint64 `json:"gas_overhead" yaml:"gas_overhead" mapstructure:"gas_overhead"`
}

// Ledger is a ledger.Ledger over JSON-RPC.
type Ledger struct {
	backend Backend
	cfg     Config
	sign    TxSigner
	logger  *slog.Logger

	sendMu sync.Mutex

	mu   sync.Mutex
	sent map[common.Hash]*metatx.ForwardRequest
}

// New creates a Ledger over backend.
func New(backend Backend, cfg Config, sign TxSigner, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GasOverhead == 0 {
		cfg.GasOverhead = 60000
	}
	return &Ledger{
		backend: backend,
		cfg:     cfg,
		sign:    sign,
		logger:  logger,
		sent:    make(map[common.Hash]*metatx.ForwardRequest),
	}
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rawurl string, cfg Config, sign TxSigner, logger *slog.Logger) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("ethledger: dial %s: %w", rawurl, err)
	}
	return New(client, cfg, sign, logger), nil
}

// Nonce implements ledger.Ledger.
func (l *Ledger) Nonce(ctx context.Context, from common.Address) (uint64, error) {
	data, err := PackGetNonce(from)
	if err != nil {
		return 0, err
	}
	out, err := l.call(ctx, data)
	if err != nil {
		return 0, err
	}
	vals, err := forwarderABI.Unpack("getNonce", out)
	if err != nil {
		return 0, fmt.Errorf("ethledger: decode getNonce: %w", err)
	}
	n, ok := vals[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("ethledger: getNonce returned %v", vals[0])
	}
	return n.Uint64(), nil
}

// Verify implements ledger.Ledger. Signature and nonce are checked locally
// first so a refusal carries its protocol reason; the contract's verify is
// the final word.
func (l *Ledger) Verify(ctx context.Context, req *metatx.ForwardRequest) (bool, error) {
	if err := l.classify(ctx, req); err != nil {
		return false, err
	}

	data, err := PackVerify(req)
	if err != nil {
		return false, err
	}
	out, err := l.call(ctx, data)
	if err != nil {
		return false, err
	}
	vals, err := forwarderABI.Unpack("verify", out)
	if err != nil {
		return false, fmt.Errorf("ethledger: decode verify: %w", err)
	}
	ok, _ := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: forwarder refused request", metatx.ErrSignatureMismatch)
	}
	return true, nil
}

// classify reproduces the forwarder's checks to name the failing one.
func (l *Ledger) classify(ctx context.Context, req *metatx.ForwardRequest) error {
	signer, err := signature.RecoverRequest(req)
	if err != nil || signer != req.From {
		return fmt.Errorf("%w: recovered %s", metatx.ErrSignatureMismatch, signer.Hex())
	}
	expected, err := l.Nonce(ctx, req.From)
	if err != nil {
		return err
	}
	return nonce.Check(expected, req.Nonce)
}

// EstimateGas implements ledger.Ledger by estimating the inner call as the
// forwarder would make it.
func (l *Ledger) EstimateGas(ctx context.Context, req *metatx.ForwardRequest) (uint64, error) {
	to := req.To
	gas, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: l.cfg.Forwarder,
		To:   &to,
		Data: metatx.AppendSender(req.Data, req.From),
	})
	if err != nil {
		return 0, fmt.Errorf("ethledger: estimate gas: %w", err)
	}
	return gas, nil
}

// GasPrice implements ledger.Ledger.
func (l *Ledger) GasPrice(ctx context.Context) (*uint256.Int, error) {
	price, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethledger: gas price: %w", err)
	}
	out, overflow := uint256.FromBig(price)
	if overflow {
		return nil, fmt.Errorf("ethledger: gas price %s overflows 256 bits", price)
	}
	return out, nil
}

// Submit implements ledger.Ledger.
func (l *Ledger) Submit(ctx context.Context, req *metatx.ForwardRequest, caller common.Address) (string, error) {
	if caller != l.cfg.Operator {
		return "", fmt.Errorf("%w: %s", ErrWrongCaller, caller.Hex())
	}

	data, err := PackExecute(req)
	if err != nil {
		return "", err
	}
	signed, err := l.send(ctx, l.cfg.Forwarder, req.Gas+l.cfg.GasOverhead, data)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	l.sent[signed.Hash()] = req.WithSignature(req.Signature)
	l.mu.Unlock()

	l.logger.DebugContext(ctx, "forwarder transaction sent",
		"tx_hash", signed.Hash().Hex(),
		"from", req.From.Hex(),
		"nonce", req.Nonce,
		"account_nonce", signed.Nonce(),
	)
	return signed.Hash().Hex(), nil
}

// Receipt implements ledger.Ledger.
func (l *Ledger) Receipt(ctx context.Context, handle string) (*ledger.Receipt, error) {
	hash := common.HexToHash(handle)
	rcpt, err := l.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ledger.ErrPending
	}
	if err != nil {
		return nil, fmt.Errorf("ethledger: receipt %s: %w", handle, err)
	}

	l.mu.Lock()
	req := l.sent[hash]
	l.mu.Unlock()

	if rcpt.Status == types.ReceiptStatusFailed {
		out := &ledger.Receipt{Err: fmt.Errorf("ethledger: forwarder reverted in %s", handle)}
		if req != nil {
			if cerr := l.classify(ctx, req); cerr != nil {
				out.Err = cerr
			}
		}
		return out, nil
	}

	executed := forwarderABI.Events["Executed"]
	for _, lg := range rcpt.Logs {
		if lg.Address != l.cfg.Forwarder || len(lg.Topics) < 3 || lg.Topics[0] != executed.ID {
			continue
		}
		if req != nil && common.BytesToAddress(lg.Topics[1].Bytes()) != req.From {
			continue
		}
		vals, err := forwarderABI.Unpack("Executed", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("ethledger: decode Executed: %w", err)
		}
		success, _ := vals[0].(bool)
		ret, _ := vals[1].([]byte)
		out := &ledger.Receipt{Executed: true, Success: success, ReturnData: ret}
		if !success {
			out.Err = metatx.ErrRevertedExecution
		}
		return out, nil
	}

	return &ledger.Receipt{Err: fmt.Errorf("ethledger: no Executed event in %s", handle)}, nil
}

// send signs and sends an operator transaction. Sends are serialized so
// concurrent submissions do not reuse an account nonce.
func (l *Ledger) send(ctx context.Context, to common.Address, gas uint64, data []byte) (*types.Transaction, error) {
	price, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethledger: gas price: %w", err)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	accountNonce, err := l.backend.PendingNonceAt(ctx, l.cfg.Operator)
	if err != nil {
		return nil, fmt.Errorf("ethledger: account nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    accountNonce,
		GasPrice: price,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})

	signed, err := l.sign(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("ethledger: sign transaction: %w", err)
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: %v", metatx.ErrSubmissionRejected, err)
	}
	return signed, nil
}

func (l *Ledger) call(ctx context.Context, data []byte) ([]byte, error) {
	to := l.cfg.Forwarder
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{From: l.cfg.Operator, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ethledger: call forwarder: %w", err)
	}
	return out, nil
}
