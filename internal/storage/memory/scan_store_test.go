package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dustsweep/internal/domain"
	"dustsweep/internal/storage"
)

func TestScanStore_InsertAndGet(t *testing.T) {
	store := NewScanStore()
	ctx := context.Background()

	token := common.HexToAddress("0xaa")
	scan := &domain.Scan{
		ID:    "scan-1",
		Owner: testOwner,
		Tokens: []domain.DustToken{
			{Address: token, Symbol: "AAA", Balance: "1000", Decimals: 18, ValueUSD: decimal.NewFromInt(2)},
		},
	}
	if err := store.Insert(ctx, scan); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, scan); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	got, err := store.GetByID(ctx, "scan-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if tok, ok := got.Token(token); !ok || tok.Symbol != "AAA" {
		t.Errorf("token not found in scan: %+v", got.Tokens)
	}

	if err := store.Insert(ctx, &domain.Scan{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
