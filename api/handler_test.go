package api_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/xraph/metarelay/api"
	"github.com/xraph/metarelay/builder"
	"github.com/xraph/metarelay/client"
	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/endpoint"
	"github.com/xraph/metarelay/fee"
	"github.com/xraph/metarelay/ledger/simulated"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/ratelimit"
	"github.com/xraph/metarelay/settlement"
	"github.com/xraph/metarelay/signature"
	"github.com/xraph/metarelay/store/memory"
	"github.com/xraph/metarelay/submission"
	"github.com/xraph/metarelay/submitter"
	"github.com/xraph/metarelay/verifier"
	"github.com/xraph/metarelay/watcher"
)

var (
	operator = common.HexToAddress("0x0FE1")
	hermes   = common.HexToAddress("0x4E4")
	nowhere  = common.HexToAddress("0xDEAD")
)

const chainID = 5

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	srv      *httptest.Server
	ledger   *simulated.Ledger
	hub      *settlement.Hub
	store    *memory.Store
	operator *submitter.Submitter
	watcher  *watcher.Watcher
	clock    *fakeClock
	key      *ecdsa.PrivateKey
	provider common.Address
}

type fixtureOpts struct {
	quoter  bool
	limiter *ratelimit.Limiter
	node    bool
}

// newFixture serves an operator backed by a simulated ledger with a payment
// hub deployed at hermes, optionally with a client node relaying through it.
func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	fx := &fixture{
		hub:      settlement.NewHub(),
		store:    memory.New(),
		clock:    &fakeClock{t: time.Now()},
		key:      key,
		provider: crypto.PubkeyToAddress(key.PublicKey),
	}

	fwd := verifier.New(memory.New(), nil, nil)
	fwd.Targets().Register(hermes, fx.hub)
	fx.ledger = simulated.New(fwd)

	var subOpts []submitter.Option
	if o.quoter {
		pool := fee.PoolSourceFunc(func(context.Context) (*fee.Reserves, error) {
			return &fee.Reserves{
				In:         uint256.NewInt(1_000_000_000_000_000_000),
				Out:        uint256.NewInt(2_000_000_000_000_000_000),
				ObservedAt: time.Now(),
			}, nil
		})
		subOpts = append(subOpts, submitter.WithQuoter(fee.NewQuoter(pool, fee.DefaultConfig())))
	}
	fx.operator = submitter.New(fx.ledger, fx.store, operator, subOpts...)

	opts := []api.Option{
		api.WithOperator(fx.operator, fx.store),
		api.WithChainID(chainID),
		api.WithLimiter(o.limiter),
	}

	if o.node {
		local := client.NewLocal()
		local.Register(operator, fx.operator)
		dlqSvc := dlq.NewService(fx.store, nil)
		fx.watcher = watcher.New(fx.store, builder.New(builder.NewStaticKeys(key), nil), fx.ledger, local,
			endpoint.Config{Primary: endpoint.Endpoint{Name: "self", URL: "local://self", Identity: operator}},
			watcher.WithDLQ(dlqSvc),
			watcher.WithClock(fx.clock.Now),
		)
		opts = append(opts, api.WithNode(fx.watcher), api.WithDLQ(dlqSvc))
	}

	fx.srv = httptest.NewServer(api.NewHandler(slog.Default(), opts...))
	t.Cleanup(fx.srv.Close)
	return fx
}

// settleBody returns a settle body for amount, signed for relayer.
func (fx *fixture) settleBody(t *testing.T, amount int64, nonce uint64, relayer common.Address) map[string]any {
	t.Helper()

	promise := settlement.Promise{
		ChannelID: common.HexToHash("0xc4a11e1"),
		Amount:    big.NewInt(amount),
		Preimage:  common.HexToHash("0x9e1a6e"),
		Signature: bytes.Repeat([]byte{0x11}, 65),
	}
	data, err := settlement.EncodeSettle(promise)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := signature.SignRequest(&metatx.ForwardRequest{
		From: fx.provider, To: hermes, Relayer: relayer, Gas: 150000, Nonce: nonce, Data: data,
	}, fx.key)
	if err != nil {
		t.Fatal(err)
	}

	return map[string]any{
		"amount":          big.NewInt(amount).String(),
		"chainID":         chainID,
		"channelID":       promise.ChannelID.Hex(),
		"hermesID":        hermes.Hex(),
		"preimage":        promise.Preimage.Hex(),
		"providerID":      fx.provider.Hex(),
		"signature":       hexutil.Encode(promise.Signature),
		"gas":             "150000",
		"nonce":           nonce,
		"metaTxSignature": hexutil.Encode(signed.Signature),
	}
}

func (fx *fixture) forwardBody(t *testing.T, relayer common.Address, nonce uint64) *metatx.ForwardRequest {
	t.Helper()
	data, err := settlement.EncodeSettle(settlement.Promise{
		ChannelID: common.HexToHash("0xf00d"),
		Amount:    big.NewInt(int64(100 * (nonce + 1))),
		Signature: make([]byte, 65),
	})
	if err != nil {
		t.Fatal(err)
	}
	req, err := signature.SignRequest(&metatx.ForwardRequest{
		From: fx.provider, To: hermes, Relayer: relayer, Gas: 150000, Nonce: nonce, Data: data,
	}, fx.key)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", status, resp.StatusCode, body)
	}
	var e apiError
	decodeBody(t, resp, &e)
	if e.Code != code {
		t.Fatalf("code = %q, want %q (error %q)", e.Code, code, e.Error)
	}
}

// --- Operator ---

func TestSettleConfirms(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})

	resp := doJSON(t, "POST", fx.srv.URL+"/v1/settle", fx.settleBody(t, 1500, 0, operator))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("settle: expected 202, got %d", resp.StatusCode)
	}
	var sub submission.Submission
	decodeBody(t, resp, &sub)
	if sub.State != submission.StatePending || sub.From != fx.provider || sub.To != hermes {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	if _, err := fx.operator.Step(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp = doJSON(t, "GET", fx.srv.URL+"/v1/submissions/"+sub.ID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", resp.StatusCode)
	}
	var got submission.Submission
	decodeBody(t, resp, &got)
	if got.State != submission.StateConfirmed || !got.Success {
		t.Fatalf("unexpected outcome: %+v", got)
	}

	if bal := fx.hub.Balance(fx.provider); bal.Int64() != 1500 {
		t.Fatalf("provider credited %s, want 1500", bal)
	}
}

func TestSettleValidation(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})

	tests := []struct {
		name   string
		mutate func(body map[string]any)
	}{
		{"missing amount", func(b map[string]any) { delete(b, "amount") }},
		{"negative amount", func(b map[string]any) { b["amount"] = "-5" }},
		{"short channel", func(b map[string]any) { b["channelID"] = "0x1234" }},
		{"bad hermes", func(b map[string]any) { b["hermesID"] = "hermes" }},
		{"short meta signature", func(b map[string]any) { b["metaTxSignature"] = "0xabcd" }},
		{"zero gas", func(b map[string]any) { b["gas"] = "0" }},
		{"numeric gas", func(b map[string]any) { b["gas"] = 150000 }},
		{"gas overflow", func(b map[string]any) { b["gas"] = "99999999999999999999" }},
		{"unknown field", func(b map[string]any) { b["fee"] = "10" }},
		{"other chain", func(b map[string]any) { b["chainID"] = chainID + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fx.settleBody(t, 1500, 0, operator)
			tt.mutate(body)
			expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/settle", body), http.StatusBadRequest, "invalid_request")
		})
	}

	if n, _ := fx.store.CountSubmissions(context.Background(), submission.StatePending); n != 0 {
		t.Fatalf("rejected bodies must not be submitted, found %d", n)
	}
}

func TestForwardProtocolErrors(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	// Signed for someone else.
	expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/forward", fx.forwardBody(t, common.HexToAddress("0xBEEF"), 0)),
		http.StatusForbidden, "unauthorized_relayer")

	// Tampered after signing.
	tampered := fx.forwardBody(t, operator, 0)
	tampered.Gas++
	expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/forward", tampered),
		http.StatusBadRequest, "signature_mismatch")

	// Ahead of the stored nonce.
	expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/forward", fx.forwardBody(t, operator, 3)),
		http.StatusBadRequest, "nonce_gap")

	req := fx.forwardBody(t, operator, 0)
	resp := doJSON(t, "POST", fx.srv.URL+"/v1/forward", req)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("forward: expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if _, err := fx.operator.Step(ctx); err != nil {
		t.Fatal(err)
	}

	expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/forward", req), http.StatusConflict, "nonce_replay")
}

func TestForwardSchema(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})

	expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/forward", map[string]any{"from": fx.provider.Hex()}),
		http.StatusBadRequest, "invalid_request")

	resp := doJSON(t, "POST", fx.srv.URL+"/v1/forward", nil)
	expectError(t, resp, http.StatusBadRequest, "invalid_request")
}

func TestSubmissionLookup(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})

	expectError(t, doJSON(t, "GET", fx.srv.URL+"/v1/submissions/not-a-handle", nil),
		http.StatusBadRequest, "invalid_request")

	unknown := "sub_01h455vb4pex5vsknk084sn02q"
	expectError(t, doJSON(t, "GET", fx.srv.URL+"/v1/submissions/"+unknown, nil),
		http.StatusNotFound, "not_found")
}

func TestIdentity(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})

	resp := doJSON(t, "GET", fx.srv.URL+"/v1/identity", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got api.IdentityResponse
	decodeBody(t, resp, &got)
	if got.Identity != operator || got.ChainID != chainID {
		t.Fatalf("unexpected identity: %+v", got)
	}
}

func TestQuote(t *testing.T) {
	t.Run("without pool", func(t *testing.T) {
		fx := newFixture(t, fixtureOpts{})
		expectError(t, doJSON(t, "GET", fx.srv.URL+"/v1/quote?gas=100000", nil),
			http.StatusNotImplemented, "no_quoter")
	})

	t.Run("with pool", func(t *testing.T) {
		fx := newFixture(t, fixtureOpts{quoter: true})

		expectError(t, doJSON(t, "GET", fx.srv.URL+"/v1/quote", nil), http.StatusBadRequest, "invalid_request")

		resp := doJSON(t, "GET", fx.srv.URL+"/v1/quote?gas=100000", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var q api.QuoteResponse
		decodeBody(t, resp, &q)
		cfg := fee.DefaultConfig()
		if q.GasUsed != 100000+cfg.FixedOverhead+cfg.SwapOverhead {
			t.Fatalf("gas used = %d", q.GasUsed)
		}
		if q.TransactorFee == "" || q.TransactorFee == "0" || q.CostInNative == "" {
			t.Fatalf("empty quote: %+v", q)
		}
	})
}

func TestRateLimitPerIdentity(t *testing.T) {
	fx := newFixture(t, fixtureOpts{limiter: ratelimit.New(1)})

	resp := doJSON(t, "POST", fx.srv.URL+"/v1/forward", fx.forwardBody(t, operator, 0))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first forward: expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/forward", fx.forwardBody(t, operator, 1)),
		http.StatusTooManyRequests, "rate_limited")
}

func TestStats(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})

	resp := doJSON(t, "POST", fx.srv.URL+"/v1/settle", fx.settleBody(t, 10, 0, operator))
	resp.Body.Close()

	resp = doJSON(t, "GET", fx.srv.URL+"/v1/stats", nil)
	var stats api.StatsResponse
	decodeBody(t, resp, &stats)
	if stats.PendingSubmissions != 1 || stats.ConfirmedSubmissions != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, err := fx.operator.Step(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp = doJSON(t, "GET", fx.srv.URL+"/v1/stats", nil)
	decodeBody(t, resp, &stats)
	if stats.PendingSubmissions != 0 || stats.ConfirmedSubmissions != 1 {
		t.Fatalf("unexpected stats after confirmation: %+v", stats)
	}
}

func TestNodeRoutesAbsentForOperator(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})

	resp := doJSON(t, "POST", fx.srv.URL+"/v1/operations", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected node routes to be absent, got %d", resp.StatusCode)
	}
}

// --- Node ---

func (fx *fixture) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := fx.operator.Step(ctx); err != nil {
		t.Fatal(err)
	}
	fx.clock.Advance(watcher.DefaultConfig().CheckInterval)
	if _, err := fx.watcher.Step(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestOperationLifecycle(t *testing.T) {
	fx := newFixture(t, fixtureOpts{node: true})

	data, err := settlement.EncodeSettle(settlement.Promise{
		ChannelID: common.HexToHash("0xabc"), Amount: big.NewInt(42), Signature: make([]byte, 65),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, "POST", fx.srv.URL+"/v1/operations", map[string]any{
		"from": fx.provider.Hex(),
		"to":   hermes.Hex(),
		"gas":  150000,
		"data": hexutil.Encode(data),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d", resp.StatusCode)
	}
	var op watcher.Operation
	decodeBody(t, resp, &op)
	if op.State != watcher.StateSubmitted {
		t.Fatalf("state = %s, want submitted", op.State)
	}

	fx.settle(t)

	resp = doJSON(t, "GET", fx.srv.URL+"/v1/operations/"+op.ID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	var got api.OperationResponse
	decodeBody(t, resp, &got)
	if got.Operation.State != watcher.StateConfirmed {
		t.Fatalf("state = %s, want confirmed", got.Operation.State)
	}
	if len(got.Attempts) != 1 || got.Attempts[0].Relayer != operator {
		t.Fatalf("unexpected attempts: %+v", got.Attempts)
	}
	if fx.hub.Balance(fx.provider).Int64() != 42 {
		t.Fatalf("provider credited %s, want 42", fx.hub.Balance(fx.provider))
	}

	expectError(t, doJSON(t, "GET", fx.srv.URL+"/v1/operations/op_01h455vb4pex5vsknk084sn02q", nil),
		http.StatusNotFound, "not_found")
}

func TestDLQReplay(t *testing.T) {
	fx := newFixture(t, fixtureOpts{node: true})

	// Nothing is deployed at nowhere, so the call consumes the nonce and fails.
	resp := doJSON(t, "POST", fx.srv.URL+"/v1/operations", map[string]any{
		"from": fx.provider.Hex(),
		"to":   nowhere.Hex(),
		"gas":  90000,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	fx.settle(t)

	resp = doJSON(t, "GET", fx.srv.URL+"/v1/dlq?from="+fx.provider.Hex(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	var entries []*dlq.Entry
	decodeBody(t, resp, &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(entries))
	}
	if entries[0].Code != "reverted_execution" || entries[0].Nonce != 0 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	resp = doJSON(t, "POST", fx.srv.URL+"/v1/dlq/"+entries[0].ID.String()+"/replay", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("replay: expected 202, got %d", resp.StatusCode)
	}
	var replayed watcher.Operation
	decodeBody(t, resp, &replayed)
	if replayed.Nonce != 1 {
		t.Fatalf("replay nonce = %d, want a fresh nonce 1", replayed.Nonce)
	}

	expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/dlq/"+entries[0].ID.String()+"/replay", nil),
		http.StatusConflict, "already_replayed")

	resp = doJSON(t, "GET", fx.srv.URL+"/v1/stats", nil)
	var stats api.StatsResponse
	decodeBody(t, resp, &stats)
	if stats.DLQSize != 1 || stats.RevertedSubmissions != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestIdentityBusy(t *testing.T) {
	fx := newFixture(t, fixtureOpts{node: true})
	body := map[string]any{"from": fx.provider.Hex(), "to": hermes.Hex(), "gas": 90000}

	resp := doJSON(t, "POST", fx.srv.URL+"/v1/operations", body)
	resp.Body.Close()

	expectError(t, doJSON(t, "POST", fx.srv.URL+"/v1/operations", body), http.StatusConflict, "identity_busy")
}
