package metatx_test

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xraph/metarelay/metatx"
)

func sampleRequest() *metatx.ForwardRequest {
	return &metatx.ForwardRequest{
		From:    common.HexToAddress("0xA"),
		To:      common.HexToAddress("0xC"),
		Relayer: common.HexToAddress("0x1"),
		Gas:     100000,
		Nonce:   0,
		Data:    bytes.Repeat([]byte{0xab}, 64),
	}
}

func TestHashLayout(t *testing.T) {
	req := sampleRequest()

	// Compute the expected hash independently from the documented layout.
	var buf []byte
	buf = append(buf, req.From.Bytes()...)
	buf = append(buf, req.To.Bytes()...)
	buf = append(buf, req.Relayer.Bytes()...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(req.Gas).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(req.Nonce).Bytes(), 32)...)
	buf = append(buf, crypto.Keccak256(req.Data)...)
	want := crypto.Keccak256Hash(buf)

	if got := req.Hash(); got != want {
		t.Fatalf("Hash() = %s, want %s", got.Hex(), want.Hex())
	}
}

func TestHashIgnoresSignature(t *testing.T) {
	req := sampleRequest()
	signed := req.WithSignature(bytes.Repeat([]byte{1}, 65))

	if req.Hash() != signed.Hash() {
		t.Fatal("signature must not be part of the canonical hash")
	}
}

func TestHashChangesOnEveryField(t *testing.T) {
	base := sampleRequest().Hash()

	mutations := map[string]func(r *metatx.ForwardRequest){
		"from":    func(r *metatx.ForwardRequest) { r.From[19] ^= 1 },
		"to":      func(r *metatx.ForwardRequest) { r.To[0] ^= 1 },
		"relayer": func(r *metatx.ForwardRequest) { r.Relayer[5] ^= 1 },
		"gas":     func(r *metatx.ForwardRequest) { r.Gas++ },
		"nonce":   func(r *metatx.ForwardRequest) { r.Nonce++ },
		"data":    func(r *metatx.ForwardRequest) { r.Data[63] ^= 1 },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			req := sampleRequest()
			mutate(req)
			if req.Hash() == base {
				t.Errorf("mutating %s did not change the hash", name)
			}
		})
	}
}

func TestWithRelayerDropsSignature(t *testing.T) {
	req := sampleRequest().WithSignature([]byte{1, 2, 3})
	moved := req.WithRelayer(common.HexToAddress("0x2"))

	if moved.Signature != nil {
		t.Error("WithRelayer must drop the signature")
	}
	if moved.Nonce != req.Nonce || moved.From != req.From {
		t.Error("WithRelayer must keep the rest of the tuple")
	}
	if req.Relayer != common.HexToAddress("0x1") {
		t.Error("WithRelayer mutated the original")
	}
}

func TestSenderTrailer(t *testing.T) {
	sender := common.HexToAddress("0xA")
	calldata := metatx.AppendSender([]byte("call"), sender)

	if len(calldata) != 4+common.AddressLength {
		t.Fatalf("unexpected calldata length %d", len(calldata))
	}

	payload, got, ok := metatx.SplitSender(calldata)
	if !ok {
		t.Fatal("SplitSender() ok = false")
	}
	if got != sender {
		t.Errorf("sender = %s, want %s", got.Hex(), sender.Hex())
	}
	if string(payload) != "call" {
		t.Errorf("payload = %q", payload)
	}

	if _, _, ok := metatx.SplitSender([]byte("short")); ok {
		t.Error("SplitSender() accepted calldata shorter than an address")
	}
}

func TestTypedDataHash(t *testing.T) {
	req := sampleRequest()
	domain := metatx.Domain{
		Name:              "MinimalForwarder",
		Version:           "0.0.1",
		ChainID:           big.NewInt(137),
		VerifyingContract: common.HexToAddress("0xF"),
	}

	h1, err := req.TypedDataHash(domain)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := req.TypedDataHash(domain)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("typed data hash is not deterministic")
	}
	if h1 == req.Hash() {
		t.Fatal("typed data hash must differ from the packed hash")
	}

	domain.ChainID = big.NewInt(1)
	h3, err := req.TypedDataHash(domain)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Error("typed data hash must bind the chain ID")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[error]bool{
		metatx.ErrSubmissionRejected:   true,
		metatx.ErrSubmissionTimeout:    true,
		metatx.ErrQuoteStale:           true,
		metatx.ErrLiquidityUnavailable: true,
		metatx.ErrNonceReplay:          false,
		metatx.ErrRevertedExecution:    false,
		metatx.ErrAllRelayersExhausted: false,
	}
	for err, want := range cases {
		if got := metatx.Retryable(err); got != want {
			t.Errorf("Retryable(%v) = %v, want %v", err, got, want)
		}
	}
}

func TestOperationErrorUnwraps(t *testing.T) {
	err := error(&metatx.OperationError{
		From:   common.HexToAddress("0xA"),
		Nonce:  7,
		Reason: metatx.ErrAllRelayersExhausted,
	})

	if !errors.Is(err, metatx.ErrAllRelayersExhausted) {
		t.Fatal("OperationError must unwrap to its reason")
	}
	var opErr *metatx.OperationError
	if !errors.As(err, &opErr) || opErr.Nonce != 7 {
		t.Fatal("errors.As failed to extract OperationError")
	}
}

func TestCodeRoundTrip(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", metatx.ErrNonceReplay)
	code := metatx.Code(wrapped)
	if code != "nonce_replay" {
		t.Fatalf("Code = %q, want nonce_replay", code)
	}

	back := metatx.FromCode(code, "expected 1, got 0")
	if !errors.Is(back, metatx.ErrNonceReplay) {
		t.Fatalf("FromCode(%q) = %v, want ErrNonceReplay", code, back)
	}

	if metatx.Code(errors.New("other")) != "" {
		t.Fatal("unknown errors must have no code")
	}
	if metatx.FromCode("bogus", "") != nil {
		t.Fatal("unknown codes must yield nil")
	}
}
