package watcher_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xraph/metarelay/builder"
	"github.com/xraph/metarelay/client"
	"github.com/xraph/metarelay/endpoint"
	"github.com/xraph/metarelay/ledger/simulated"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/store/memory"
	"github.com/xraph/metarelay/submitter"
	"github.com/xraph/metarelay/verifier"
	"github.com/xraph/metarelay/watcher"
)

var (
	relayer1 = common.HexToAddress("0x1001")
	relayer2 = common.HexToAddress("0x1002")
	hub      = common.HexToAddress("0x4E4")
)

const attemptTimeout = 180 * time.Second

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

type stubDLQ struct {
	mu     sync.Mutex
	pushed []*watcher.Operation
	errs   []error
}

func (s *stubDLQ) PushFailed(_ context.Context, op *watcher.Operation, _ int, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, op)
	s.errs = append(s.errs, reason)
	return nil
}

type world struct {
	ledger  *simulated.Ledger
	clock   *fakeClock
	r1, r2  *submitter.Submitter
	watcher *watcher.Watcher
	store   *memory.Store
	dlq     *stubDLQ
	key     *ecdsa.PrivateKey
	from    common.Address
	calls   atomic.Int32
	inner   func() ([]byte, error)
	cfg     watcher.Config
	local   *client.Local
	eps     endpoint.Config
}

func newWorld(t *testing.T, ledgerOpts ...simulated.Option) *world {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	w := &world{
		clock: &fakeClock{t: time.Unix(1_700_000_000, 0)},
		store: memory.New(),
		dlq:   &stubDLQ{},
		key:   key,
		from:  crypto.PubkeyToAddress(key.PublicKey),
		inner: func() ([]byte, error) { return []byte("settled"), nil },
	}

	fwd := verifier.New(memory.New(), nil, nil)
	fwd.Targets().Register(hub, verifier.TargetFunc(func(context.Context, verifier.Call) ([]byte, error) {
		w.calls.Add(1)
		return w.inner()
	}))
	w.ledger = simulated.New(fwd, ledgerOpts...)

	w.r1 = submitter.New(w.ledger, memory.New(), relayer1)
	w.r2 = submitter.New(w.ledger, memory.New(), relayer2)

	local := client.NewLocal()
	local.Register(relayer1, w.r1)
	local.Register(relayer2, w.r2)

	eps := endpoint.Config{
		Primary:   endpoint.Endpoint{Name: "r1", URL: "local://r1", Identity: relayer1},
		Fallbacks: []endpoint.Endpoint{{Name: "r2", URL: "local://r2", Identity: relayer2}},
		Timeout:   attemptTimeout,
	}

	w.cfg = watcher.DefaultConfig()
	w.cfg.RetrySchedule = []time.Duration{time.Second}
	w.cfg.MaxRejections = 3

	w.local = local
	w.eps = eps
	w.useStore(w.store)
	return w
}

// useStore rebuilds the watcher on s.
func (w *world) useStore(s watcher.Store) {
	w.watcher = watcher.New(s, builder.New(builder.NewStaticKeys(w.key), nil), w.ledger, w.local, w.eps,
		watcher.WithConfig(w.cfg),
		watcher.WithDLQ(w.dlq),
		watcher.WithClock(w.clock.Now),
	)
}

func (w *world) intent() watcher.Intent {
	return watcher.Intent{From: w.from, To: hub, Gas: 100000, Data: []byte("promise")}
}

// drain runs transitions until nothing is due.
func (w *world) drain(t *testing.T) {
	t.Helper()
	for range 20 {
		n, err := w.watcher.Step(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			return
		}
	}
	t.Fatal("operations never settled")
}

func (w *world) stepOperators(t *testing.T) {
	t.Helper()
	for _, s := range []*submitter.Submitter{w.r1, w.r2} {
		if _, err := s.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func (w *world) operation(t *testing.T, op *watcher.Operation) *watcher.Operation {
	t.Helper()
	got, err := w.watcher.Get(context.Background(), op.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (w *world) attempts(t *testing.T, op *watcher.Operation) []*watcher.Attempt {
	t.Helper()
	atts, err := w.watcher.Attempts(context.Background(), op.ID)
	if err != nil {
		t.Fatal(err)
	}
	return atts
}

func TestPrimaryConfirms(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}
	if op.State != watcher.StateSubmitted || op.Request.Relayer != relayer1 {
		t.Fatalf("unexpected operation after submit: %s / %s", op.State, op.Request.Relayer.Hex())
	}

	w.stepOperators(t)
	w.clock.Advance(w.cfg.CheckInterval)
	w.drain(t)

	got := w.operation(t, op)
	if got.State != watcher.StateConfirmed || !got.Success || string(got.ReturnData) != "settled" {
		t.Fatalf("unexpected outcome: %+v", got)
	}
	atts := w.attempts(t, op)
	if len(atts) != 1 || atts[0].Status != watcher.AttemptConfirmed {
		t.Fatalf("unexpected attempts: %+v", atts)
	}
}

// The primary stalls past its deadline, the watcher re-signs for the
// fallback, and then the primary's transaction lands first. The fallback
// must fail on the consumed nonce and the operation must settle exactly once.
func TestFailoverSettlesOnce(t *testing.T) {
	w := newWorld(t, simulated.WithManualMining())
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}

	w.clock.Advance(attemptTimeout + time.Second)
	w.drain(t)

	mid := w.operation(t, op)
	if mid.State != watcher.StateSubmitted || mid.RelayerIndex != 1 || mid.Request.Relayer != relayer2 {
		t.Fatalf("expected fallback submission, got %s index %d relayer %s", mid.State, mid.RelayerIndex, mid.Request.Relayer.Hex())
	}
	if mid.Request.Nonce != op.Nonce {
		t.Fatalf("fallback nonce = %d, want %d", mid.Request.Nonce, op.Nonce)
	}
	if pending := w.ledger.Pending(); len(pending) != 2 {
		t.Fatalf("expected both transactions pending, got %d", len(pending))
	}

	if _, err := w.ledger.Mine(ctx); err != nil {
		t.Fatal(err)
	}
	w.stepOperators(t)
	w.clock.Advance(w.cfg.CheckInterval)
	w.drain(t)

	got := w.operation(t, op)
	if got.State != watcher.StateConfirmed {
		t.Fatalf("state = %s (%s), want confirmed", got.State, got.Error)
	}
	if !got.Success || string(got.ReturnData) != "settled" {
		t.Fatalf("expected the primary's outcome to be recovered, got %+v", got)
	}

	atts := w.attempts(t, op)
	if len(atts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(atts))
	}
	if atts[0].Relayer != relayer1 || atts[0].Status != watcher.AttemptTimedOut {
		t.Fatalf("first attempt = %s/%s, want r1 timed_out", atts[0].Relayer.Hex(), atts[0].Status)
	}
	if atts[1].Relayer != relayer2 || atts[1].Status != watcher.AttemptFailed {
		t.Fatalf("second attempt = %s/%s, want r2 failed", atts[1].Relayer.Hex(), atts[1].Status)
	}
	if atts[0].RequestHash == atts[1].RequestHash {
		t.Fatal("fallback request must carry a different hash")
	}

	if n, _ := w.ledger.Nonce(ctx, w.from); n != 1 {
		t.Fatalf("nonce = %d, want 1", n)
	}
	if calls := w.calls.Load(); calls != 1 {
		t.Fatalf("target called %d times, want 1", calls)
	}
	if len(w.dlq.pushed) != 0 {
		t.Fatal("a settled operation must not reach the DLQ")
	}
}

func TestLateConfirmationAfterTimeout(t *testing.T) {
	w := newWorld(t, simulated.WithManualMining())
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}

	w.clock.Advance(attemptTimeout)
	if _, err := w.watcher.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if got := w.operation(t, op); got.State != watcher.StateTimedOut {
		t.Fatalf("state = %s, want timed_out", got.State)
	}

	if _, err := w.ledger.Mine(ctx); err != nil {
		t.Fatal(err)
	}
	w.stepOperators(t)
	w.drain(t)

	got := w.operation(t, op)
	if got.State != watcher.StateConfirmed || got.RelayerIndex != 0 {
		t.Fatalf("expected confirmation without failover, got %s index %d", got.State, got.RelayerIndex)
	}
	if atts := w.attempts(t, op); len(atts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(atts))
	}
	if len(w.ledger.Pending()) != 0 {
		t.Fatal("no fallback transaction should have been submitted")
	}
}

func TestAllRelayersExhausted(t *testing.T) {
	w := newWorld(t, simulated.WithManualMining())
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}

	w.clock.Advance(attemptTimeout)
	w.drain(t)
	w.clock.Advance(attemptTimeout)
	w.drain(t)

	got, err := w.watcher.Wait(ctx, op.ID)
	if got == nil || got.State != watcher.StateFailed {
		t.Fatalf("expected failed operation, got %+v", got)
	}
	if !errors.Is(err, metatx.ErrAllRelayersExhausted) {
		t.Fatalf("expected ErrAllRelayersExhausted, got %v", err)
	}
	var opErr *metatx.OperationError
	if !errors.As(err, &opErr) || opErr.From != w.from || opErr.Nonce != 0 {
		t.Fatalf("expected OperationError for %s nonce 0, got %v", w.from.Hex(), err)
	}

	atts := w.attempts(t, op)
	if len(atts) != 2 || atts[0].Status != watcher.AttemptTimedOut || atts[1].Status != watcher.AttemptTimedOut {
		t.Fatalf("unexpected attempts: %+v", atts)
	}
	if len(w.dlq.pushed) != 1 || !errors.Is(w.dlq.errs[0], metatx.ErrAllRelayersExhausted) {
		t.Fatalf("expected one DLQ push, got %d", len(w.dlq.pushed))
	}
}

func TestRejectionsRetrySameRelayer(t *testing.T) {
	var rejections atomic.Int32
	w := newWorld(t, simulated.WithRejector(func(*metatx.ForwardRequest, common.Address) error {
		if rejections.Add(1) <= 2 {
			return errors.New("mempool full")
		}
		return nil
	}))
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}
	if op.State != watcher.StateBuilding || op.Rejections != 1 {
		t.Fatalf("expected a scheduled retry, got %s with %d rejections", op.State, op.Rejections)
	}

	if n, _ := w.watcher.Step(ctx); n != 0 {
		t.Fatal("retry must wait for its backoff")
	}
	for range 2 {
		w.clock.Advance(time.Second)
		w.drain(t)
	}

	got := w.operation(t, op)
	if got.State != watcher.StateSubmitted || got.RelayerIndex != 0 {
		t.Fatalf("expected submission to the primary, got %s index %d", got.State, got.RelayerIndex)
	}
	if atts := w.attempts(t, op); len(atts) != 1 || atts[0].Relayer != relayer1 {
		t.Fatalf("unexpected attempts: %+v", atts)
	}
}

func TestRejectionsFailOver(t *testing.T) {
	w := newWorld(t, simulated.WithRejector(func(_ *metatx.ForwardRequest, caller common.Address) error {
		if caller == relayer1 {
			return errors.New("operator out of funds")
		}
		return nil
	}))
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}
	for range w.cfg.MaxRejections {
		w.clock.Advance(time.Second)
		w.drain(t)
	}

	got := w.operation(t, op)
	if got.State != watcher.StateSubmitted || got.RelayerIndex != 1 {
		t.Fatalf("expected failover to r2, got %s index %d", got.State, got.RelayerIndex)
	}

	w.stepOperators(t)
	w.clock.Advance(w.cfg.CheckInterval)
	w.drain(t)

	if got := w.operation(t, op); got.State != watcher.StateConfirmed {
		t.Fatalf("state = %s, want confirmed", got.State)
	}
	if calls := w.calls.Load(); calls != 1 {
		t.Fatalf("target called %d times, want 1", calls)
	}
}

func TestRevertedExecutionFails(t *testing.T) {
	w := newWorld(t)
	w.inner = func() ([]byte, error) { return nil, errors.New("insufficient balance") }
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}
	w.stepOperators(t)
	w.clock.Advance(w.cfg.CheckInterval)
	w.drain(t)

	got, err := w.watcher.Wait(ctx, op.ID)
	if !errors.Is(err, metatx.ErrRevertedExecution) {
		t.Fatalf("expected ErrRevertedExecution, got %v", err)
	}
	if got.Code != "reverted_execution" {
		t.Fatalf("code = %q, want reverted_execution", got.Code)
	}
	if atts := w.attempts(t, op); len(atts) != 1 || atts[0].Status != watcher.AttemptFailed {
		t.Fatalf("unexpected attempts: %+v", atts)
	}
	if len(w.dlq.pushed) != 1 {
		t.Fatalf("expected one DLQ push, got %d", len(w.dlq.pushed))
	}
}

func TestIdentityBusy(t *testing.T) {
	w := newWorld(t, simulated.WithManualMining())
	ctx := context.Background()

	if _, err := w.watcher.Submit(ctx, w.intent()); err != nil {
		t.Fatal(err)
	}
	if _, err := w.watcher.Submit(ctx, w.intent()); !errors.Is(err, watcher.ErrIdentityBusy) {
		t.Fatalf("expected ErrIdentityBusy, got %v", err)
	}
}

func TestSigningUnavailable(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	eps := w.watcher.Endpoints()

	wt := watcher.New(w.store, builder.New(builder.NewStaticKeys(), nil), w.ledger, client.NewLocal(), eps,
		watcher.WithClock(w.clock.Now))

	_, err := wt.Submit(ctx, w.intent())
	if !errors.Is(err, metatx.ErrSigningUnavailable) {
		t.Fatalf("expected ErrSigningUnavailable, got %v", err)
	}
	active, err := w.store.ActiveOperation(ctx, w.from)
	if err != nil || active != nil {
		t.Fatalf("no operation should be recorded: %v, %v", active, err)
	}
}

func TestWaitStopsOnCancel(t *testing.T) {
	w := newWorld(t, simulated.WithManualMining())
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	got, err := w.watcher.Wait(waitCtx, op.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got.State != watcher.StateSubmitted {
		t.Fatalf("cancelling the wait must not touch the operation, got %s", got.State)
	}
}

func TestEngineLoop(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	fwd := verifier.New(memory.New(), nil, nil)
	fwd.Targets().Register(hub, verifier.TargetFunc(func(context.Context, verifier.Call) ([]byte, error) {
		return []byte{0x01}, nil
	}))
	l := simulated.New(fwd)

	subCfg := submitter.DefaultConfig()
	subCfg.PollInterval = 10 * time.Millisecond
	subCfg.CheckInterval = 10 * time.Millisecond
	op1 := submitter.New(l, memory.New(), relayer1, submitter.WithConfig(subCfg))

	local := client.NewLocal()
	local.Register(relayer1, op1)

	cfg := watcher.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.CheckInterval = 10 * time.Millisecond
	wt := watcher.New(memory.New(), builder.New(builder.NewStaticKeys(key), nil), l, local,
		endpoint.Config{Primary: endpoint.Endpoint{URL: "local://r1", Identity: relayer1}},
		watcher.WithConfig(cfg))

	ctx := context.Background()
	op1.Start(ctx)
	defer op1.Stop(ctx)
	wt.Start(ctx)
	defer wt.Stop(ctx)

	op, err := wt.Submit(ctx, watcher.Intent{From: from, To: hub, Gas: 50000})
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := wt.Wait(waitCtx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != watcher.StateConfirmed {
		t.Fatalf("state = %s, want confirmed", got.State)
	}
}

// failingAttempts refuses the first n attempt writes.
type failingAttempts struct {
	*memory.Store
	n atomic.Int32
}

func (s *failingAttempts) CreateAttempt(ctx context.Context, a *watcher.Attempt) error {
	if s.n.Add(-1) >= 0 {
		return errors.New("attempt write unavailable")
	}
	return s.Store.CreateAttempt(ctx, a)
}

func TestAttemptWriteFailureKeepsHandle(t *testing.T) {
	w := newWorld(t, simulated.WithManualMining())
	fs := &failingAttempts{Store: w.store}
	fs.n.Store(1)
	w.useStore(fs)
	ctx := context.Background()

	op, err := w.watcher.Submit(ctx, w.intent())
	if err != nil {
		t.Fatal(err)
	}
	if op.State != watcher.StateSubmitted || op.Handle == "" || !op.AttemptUnsaved {
		t.Fatalf("expected submitted with an unsaved attempt, got %s handle=%q unsaved=%v",
			op.State, op.Handle, op.AttemptUnsaved)
	}
	if atts := w.attempts(t, op); len(atts) != 0 {
		t.Fatalf("expected no stored attempt yet, got %d", len(atts))
	}

	w.clock.Advance(w.cfg.CheckInterval)
	w.drain(t)

	mid := w.operation(t, op)
	if mid.AttemptUnsaved || mid.Handle != op.Handle {
		t.Fatalf("expected the attempt write to be retried for handle %s, got unsaved=%v handle=%s",
			op.Handle, mid.AttemptUnsaved, mid.Handle)
	}
	atts := w.attempts(t, op)
	if len(atts) != 1 || atts[0].Handle != op.Handle || atts[0].ID.String() != op.AttemptID.String() {
		t.Fatalf("unexpected attempts after retry: %+v", atts)
	}
	if pending := w.ledger.Pending(); len(pending) != 1 {
		t.Fatalf("request handed over %d times, want 1", len(pending))
	}

	if _, err := w.ledger.Mine(ctx); err != nil {
		t.Fatal(err)
	}
	w.stepOperators(t)
	w.clock.Advance(w.cfg.CheckInterval)
	w.drain(t)

	got := w.operation(t, op)
	if got.State != watcher.StateConfirmed {
		t.Fatalf("state = %s (%s), want confirmed", got.State, got.Error)
	}
	atts = w.attempts(t, op)
	if len(atts) != 1 || atts[0].Status != watcher.AttemptConfirmed {
		t.Fatalf("unexpected attempts: %+v", atts)
	}
	if calls := w.calls.Load(); calls != 1 {
		t.Fatalf("target called %d times, want 1", calls)
	}
}
