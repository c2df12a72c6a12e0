package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardledger/card-service/internal/domain"
	"github.com/cardledger/card-service/internal/store"
)

func TestTransfer_MovesFundsAndPreservesSum(t *testing.T) {
	svc, _, events := newTestService(t)
	owner := domain.Principal{ID: uuid.New()}
	fromID := seedCard(t, svc, owner, "1234567812345678", "JANE DOE", 1000_00)
	toID := seedCard(t, svc, owner, "8765432187654321", "JANE DOE", 500_00)

	result, err := svc.Transfer(context.Background(), owner, domain.TransferRequest{
		FromCardID: fromID,
		ToCardID:   toID,
		Amount:     200_00,
	})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}

	if result.FromBalance != 800_00 {
		t.Fatalf("expected source balance 80000, got %d", result.FromBalance)
	}
	if result.ToBalance != 700_00 {
		t.Fatalf("expected destination balance 70000, got %d", result.ToBalance)
	}
	if result.FromBalance+result.ToBalance != 1500_00 {
		t.Fatalf("transfer must preserve the balance sum, got %d", result.FromBalance+result.ToBalance)
	}

	keys := events.routingKeys()
	if keys[len(keys)-1] != "card.transfer.completed" {
		t.Fatalf("expected card.transfer.completed event, got %v", keys)
	}
}

func TestTransfer_InsufficientFundsLeavesBalancesUntouched(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.Principal{ID: uuid.New()}
	fromID := seedCard(t, svc, owner, "1234567812345678", "JANE DOE", 100_00)
	toID := seedCard(t, svc, owner, "8765432187654321", "JANE DOE", 500_00)

	_, err := svc.Transfer(context.Background(), owner, domain.TransferRequest{
		FromCardID: fromID,
		ToCardID:   toID,
		Amount:     200_00,
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	fromView, err := svc.GetCard(context.Background(), owner, fromID)
	if err != nil {
		t.Fatalf("GetCard returned error: %v", err)
	}
	toView, err := svc.GetCard(context.Background(), owner, toID)
	if err != nil {
		t.Fatalf("GetCard returned error: %v", err)
	}
	if fromView.Balance != 100_00 || toView.Balance != 500_00 {
		t.Fatalf("failed transfer must not move funds: from=%d to=%d", fromView.Balance, toView.Balance)
	}
}

func TestTransfer_BlockedSourceFailsRegardlessOfBalance(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.Principal{ID: uuid.New()}
	fromID := seedCard(t, svc, owner, "1234567812345678", "JANE DOE", 1000_00)
	toID := seedCard(t, svc, owner, "8765432187654321", "JANE DOE", 0)

	if _, err := svc.BlockCard(context.Background(), owner, fromID); err != nil {
		t.Fatalf("BlockCard returned error: %v", err)
	}

	_, err := svc.Transfer(context.Background(), owner, domain.TransferRequest{
		FromCardID: fromID,
		ToCardID:   toID,
		Amount:     1_00,
	})
	if !errors.Is(err, store.ErrCardNotActive) {
		t.Fatalf("expected ErrCardNotActive, got %v", err)
	}
}

func TestTransfer_RejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.Principal{ID: uuid.New()}

	for _, amount := range []int64{0, -100} {
		_, err := svc.Transfer(context.Background(), owner, domain.TransferRequest{
			FromCardID: uuid.New(),
			ToCardID:   uuid.New(),
			Amount:     amount,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestTransfer_RejectsSameCard(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.Principal{ID: uuid.New()}
	cardID := uuid.New()

	_, err := svc.Transfer(context.Background(), owner, domain.TransferRequest{
		FromCardID: cardID,
		ToCardID:   cardID,
		Amount:     1_00,
	})
	if !errors.Is(err, ErrSameCard) {
		t.Fatalf("expected ErrSameCard, got %v", err)
	}
}

func TestTransfer_UnownedSourceReportsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.Principal{ID: uuid.New()}
	stranger := domain.Principal{ID: uuid.New()}
	fromID := seedCard(t, svc, stranger, "1234567812345678", "NOT JANE", 1000_00)
	toID := seedCard(t, svc, owner, "8765432187654321", "JANE DOE", 0)

	// Another principal's card is reported as missing, not as forbidden.
	_, err := svc.Transfer(context.Background(), owner, domain.TransferRequest{
		FromCardID: fromID,
		ToCardID:   toID,
		Amount:     1_00,
	})
	if !errors.Is(err, store.ErrSourceCardNotFound) {
		t.Fatalf("expected ErrSourceCardNotFound, got %v", err)
	}
}

// stubLimiter returns a fixed verdict.
type stubLimiter struct {
	allowed bool
}

func (s *stubLimiter) Allow(ctx context.Context, subject string) (bool, time.Duration, error) {
	return s.allowed, 30 * time.Second, nil
}

func TestTransfer_RateLimitExceeded(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.Principal{ID: uuid.New()}
	fromID := seedCard(t, svc, owner, "1234567812345678", "JANE DOE", 1000_00)
	toID := seedCard(t, svc, owner, "8765432187654321", "JANE DOE", 0)

	svc.SetTransferRateLimiter(&stubLimiter{allowed: false})

	_, err := svc.Transfer(context.Background(), owner, domain.TransferRequest{
		FromCardID: fromID,
		ToCardID:   toID,
		Amount:     1_00,
	})
	if !errors.Is(err, ErrTransferRateLimited) {
		t.Fatalf("expected ErrTransferRateLimited, got %v", err)
	}

	fromView, err := svc.GetCard(context.Background(), owner, fromID)
	if err != nil {
		t.Fatalf("GetCard returned error: %v", err)
	}
	if fromView.Balance != 1000_00 {
		t.Fatalf("throttled transfer must not move funds, balance=%d", fromView.Balance)
	}
}

func TestTransfer_ConcurrentDoubleSpendNeverOverdraws(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.Principal{ID: uuid.New()}
	fromID := seedCard(t, svc, owner, "1234567812345678", "JANE DOE", 1000_00)
	toID := seedCard(t, svc, owner, "8765432187654321", "JANE DOE", 0)

	// Each transfer is individually affordable; together they exceed the
	// balance. Exactly one must succeed.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Transfer(context.Background(), owner, domain.TransferRequest{
				FromCardID: fromID,
				ToCardID:   toID,
				Amount:     700_00,
			})
		}(i)
	}
	wg.Wait()

	successes, insufficient := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrInsufficientFunds), errors.Is(err, store.ErrConcurrencyConflict):
			insufficient++
		default:
			t.Fatalf("unexpected transfer error: %v", err)
		}
	}
	if successes != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one rejection, got %d/%d", successes, insufficient)
	}

	fromView, err := svc.GetCard(context.Background(), owner, fromID)
	if err != nil {
		t.Fatalf("GetCard returned error: %v", err)
	}
	toView, err := svc.GetCard(context.Background(), owner, toID)
	if err != nil {
		t.Fatalf("GetCard returned error: %v", err)
	}
	if fromView.Balance < 0 {
		t.Fatalf("source balance must never go negative, got %d", fromView.Balance)
	}
	if fromView.Balance+toView.Balance != 1000_00 {
		t.Fatalf("balance sum must be preserved, got %d", fromView.Balance+toView.Balance)
	}
	if fromView.Balance != 300_00 || toView.Balance != 700_00 {
		t.Fatalf("expected 30000/70000 after one successful transfer, got %d/%d", fromView.Balance, toView.Balance)
	}
}
