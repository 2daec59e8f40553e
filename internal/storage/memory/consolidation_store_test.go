package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/domain"
	"dustsweep/internal/storage"
)

var testOwner = common.HexToAddress("0x1111111111111111111111111111111111111111")

func newRecord(id string) *domain.ConsolidationRecord {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &domain.ConsolidationRecord{
		ID:           id,
		Owner:        testOwner,
		ScanID:       "scan-1",
		InputTokens:  []common.Address{common.HexToAddress("0xaa")},
		OutputToken:  common.HexToAddress("0xbb"),
		OutputAmount: "12000000",
		ProtocolFee:  "96000",
		NetOutput:    "11904000",
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestConsolidationStore_InsertAndGet(t *testing.T) {
	store := NewConsolidationStore()
	ctx := context.Background()

	if err := store.Insert(ctx, newRecord("c1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.NetOutput != "11904000" {
		t.Errorf("NetOutput mismatch: got %s, want 11904000", got.NetOutput)
	}

	// Mutating the returned copy must not leak into the store
	got.InputTokens[0] = common.Address{}
	again, _ := store.GetByID(ctx, "c1")
	if again.InputTokens[0] == (common.Address{}) {
		t.Error("store returned shared slice")
	}

	if err := store.Insert(ctx, newRecord("c1")); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsolidationStore_Transition(t *testing.T) {
	store := NewConsolidationStore()
	ctx := context.Background()
	_ = store.Insert(ctx, newRecord("c1"))

	r, err := store.Transition(ctx, "c1", domain.StatusPending, domain.StatusSubmitted, storage.RecordUpdate{UserOpHash: "0xop"})
	if err != nil {
		t.Fatalf("pending -> submitted: %v", err)
	}
	if r.UserOpHash != "0xop" || r.CompletedAt != nil {
		t.Errorf("unexpected record after submit: %+v", r)
	}

	// Stale expectation
	if _, err := store.Transition(ctx, "c1", domain.StatusPending, domain.StatusFailed, storage.RecordUpdate{}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	// Regression is never allowed
	if _, err := store.Transition(ctx, "c1", domain.StatusSubmitted, domain.StatusPending, storage.RecordUpdate{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	r, err = store.Transition(ctx, "c1", domain.StatusSubmitted, domain.StatusConfirmed, storage.RecordUpdate{TxHash: "0xtx"})
	if err != nil {
		t.Fatalf("submitted -> confirmed: %v", err)
	}
	if r.TxHash != "0xtx" || r.UserOpHash != "0xop" || r.CompletedAt == nil {
		t.Errorf("unexpected record after confirm: %+v", r)
	}

	if _, err := store.Transition(ctx, "c1", domain.StatusConfirmed, domain.StatusFailed, storage.RecordUpdate{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput leaving confirmed, got %v", err)
	}
}

func TestConsolidationStore_FailedIsIdempotent(t *testing.T) {
	store := NewConsolidationStore()
	ctx := context.Background()
	_ = store.Insert(ctx, newRecord("c1"))

	first, err := store.Transition(ctx, "c1", domain.StatusPending, domain.StatusFailed, storage.RecordUpdate{ErrorMessage: "quote expired"})
	if err != nil {
		t.Fatalf("pending -> failed: %v", err)
	}

	second, err := store.Transition(ctx, "c1", domain.StatusFailed, domain.StatusFailed, storage.RecordUpdate{ErrorMessage: "other"})
	if err != nil {
		t.Fatalf("failed -> failed: %v", err)
	}
	if second.ErrorMessage != "quote expired" || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("repeated failure changed the record: %+v", second)
	}
}

func TestConsolidationStore_ConcurrentTransitionSingleWinner(t *testing.T) {
	store := NewConsolidationStore()
	ctx := context.Background()
	_ = store.Insert(ctx, newRecord("c1"))

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, "c1", domain.StatusPending, domain.StatusSubmitted, storage.RecordUpdate{})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != 15 {
		t.Errorf("expected 1 winner and 15 conflicts, got %d and %d", wins.Load(), conflicts.Load())
	}
}

func TestConsolidationStore_GetByOwner(t *testing.T) {
	store := NewConsolidationStore()
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		r := newRecord(id)
		r.CreatedAt = r.CreatedAt.Add(time.Duration(i) * time.Hour)
		_ = store.Insert(ctx, r)
	}
	other := newRecord("other")
	other.Owner = common.HexToAddress("0x2222222222222222222222222222222222222222")
	_ = store.Insert(ctx, other)

	got, err := store.GetByOwner(ctx, testOwner, 2)
	if err != nil {
		t.Fatalf("GetByOwner failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		t.Errorf("unexpected order: %v", []string{got[0].ID, got[1].ID})
	}
}
