package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/store/memory"
	"github.com/xraph/metarelay/watcher"
)

var (
	alice = common.HexToAddress("0xA11CE")
	hub   = common.HexToAddress("0x4E4")
)

func ctx() context.Context { return context.Background() }

func newService() (*dlq.Service, *memory.Store) {
	store := memory.New()
	svc := dlq.NewService(store, nil)
	return svc, store
}

func failedOperation(from common.Address, nonce uint64) *watcher.Operation {
	return &watcher.Operation{
		Entity: entity.New(),
		ID:     id.NewOperationID(),
		From:   from,
		To:     hub,
		Gas:    120000,
		Data:   []byte{0xca, 0xfe},
		Nonce:  nonce,
		State:  watcher.StateFailed,
		Request: &metatx.ForwardRequest{
			From: from, To: hub, Relayer: common.HexToAddress("0x1002"), Gas: 120000, Nonce: nonce,
		},
	}
}

func pushFailed(t *testing.T, svc *dlq.Service, op *watcher.Operation, reason error) {
	t.Helper()
	opErr := &metatx.OperationError{From: op.From, Nonce: op.Nonce, Reason: reason}
	if err := svc.PushFailed(ctx(), op, 2, opErr); err != nil {
		t.Fatal(err)
	}
}

func TestPushFailed(t *testing.T) {
	svc, store := newService()
	op := failedOperation(alice, 7)

	pushFailed(t, svc, op, metatx.ErrAllRelayersExhausted)

	entries, err := store.ListDLQ(ctx(), dlq.ListOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	if e.OperationID != op.ID {
		t.Fatalf("operation ID = %s, want %s", e.OperationID, op.ID)
	}
	if e.From != alice || e.Nonce != 7 || e.To != hub || e.Gas != 120000 {
		t.Fatalf("intent not preserved: %+v", e)
	}
	if e.Relayer != common.HexToAddress("0x1002") {
		t.Fatalf("relayer = %s, want last relayer", e.Relayer.Hex())
	}
	if e.Code != "all_relayers_exhausted" {
		t.Fatalf("code = %q, want all_relayers_exhausted", e.Code)
	}
	if e.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", e.AttemptCount)
	}
	if e.FailedAt.IsZero() {
		t.Fatal("expected FailedAt to be set")
	}
}

func TestListFiltersByIdentity(t *testing.T) {
	svc, _ := newService()
	bob := common.HexToAddress("0xB0B")

	pushFailed(t, svc, failedOperation(alice, 0), metatx.ErrRevertedExecution)
	pushFailed(t, svc, failedOperation(alice, 1), metatx.ErrNonceGap)
	pushFailed(t, svc, failedOperation(bob, 0), metatx.ErrSignatureMismatch)

	all, err := svc.List(ctx(), dlq.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}

	onlyAlice, err := svc.List(ctx(), dlq.ListOpts{From: &alice})
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyAlice) != 2 {
		t.Fatalf("expected 2 entries for alice, got %d", len(onlyAlice))
	}

	count, err := svc.Count(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestGetDLQEntry(t *testing.T) {
	svc, _ := newService()
	pushFailed(t, svc, failedOperation(alice, 0), metatx.ErrRevertedExecution)

	entries, _ := svc.List(ctx(), dlq.ListOpts{})
	got, err := svc.Get(ctx(), entries[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != entries[0].ID {
		t.Fatalf("ID = %s, want %s", got.ID, entries[0].ID)
	}

	if _, err := svc.Get(ctx(), id.NewDLQID()); err == nil {
		t.Fatal("expected error for unknown entry")
	}
}

type recordingResubmitter struct {
	intents []watcher.Intent
	err     error
}

func (r *recordingResubmitter) Submit(_ context.Context, in watcher.Intent) (*watcher.Operation, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.intents = append(r.intents, in)
	return &watcher.Operation{Entity: entity.New(), ID: id.NewOperationID(), From: in.From, State: watcher.StateSubmitted}, nil
}

func TestReplay(t *testing.T) {
	svc, _ := newService()
	pushFailed(t, svc, failedOperation(alice, 3), metatx.ErrAllRelayersExhausted)
	entries, _ := svc.List(ctx(), dlq.ListOpts{})
	entryID := entries[0].ID

	r := &recordingResubmitter{}
	op, err := svc.Replay(ctx(), entryID, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.intents) != 1 {
		t.Fatalf("expected 1 resubmission, got %d", len(r.intents))
	}
	in := r.intents[0]
	if in.From != alice || in.To != hub || in.Gas != 120000 || string(in.Data) != string([]byte{0xca, 0xfe}) {
		t.Fatalf("replayed intent differs: %+v", in)
	}

	got, _ := svc.Get(ctx(), entryID)
	if got.ReplayedAt == nil || got.ReplayOperationID != op.ID {
		t.Fatalf("entry not marked replayed: %+v", got)
	}

	if _, err := svc.Replay(ctx(), entryID, r); !errors.Is(err, dlq.ErrAlreadyReplayed) {
		t.Fatalf("expected ErrAlreadyReplayed, got %v", err)
	}
}

func TestReplayFailureLeavesEntry(t *testing.T) {
	svc, _ := newService()
	pushFailed(t, svc, failedOperation(alice, 3), metatx.ErrAllRelayersExhausted)
	entries, _ := svc.List(ctx(), dlq.ListOpts{})

	if _, err := svc.Replay(ctx(), entries[0].ID, &recordingResubmitter{err: watcher.ErrIdentityBusy}); !errors.Is(err, watcher.ErrIdentityBusy) {
		t.Fatalf("expected ErrIdentityBusy, got %v", err)
	}
	got, _ := svc.Get(ctx(), entries[0].ID)
	if got.ReplayedAt != nil {
		t.Fatal("a failed replay must not mark the entry")
	}
}

func TestPurge(t *testing.T) {
	svc, _ := newService()
	pushFailed(t, svc, failedOperation(alice, 0), metatx.ErrRevertedExecution)
	pushFailed(t, svc, failedOperation(alice, 1), metatx.ErrRevertedExecution)

	removed, err := svc.Purge(ctx(), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("purged %d, want 2", removed)
	}

	count, _ := svc.Count(ctx())
	if count != 0 {
		t.Fatalf("count after purge = %d, want 0", count)
	}
}
