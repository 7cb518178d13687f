package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestAccount(id string, balance int64) Account {
	return Account{
		ID:      id,
		Number:  "0000111122223333",
		Owner:   "Test Owner",
		State:   AccountStateActive,
		Balance: balance,
	}
}

func TestMemoryStore_HoldAndCommitDebitsBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateAccount(ctx, newTestAccount("acct-a", 10_000)); err != nil {
		t.Fatalf("create account: %v", err)
	}

	expires := time.Now().Add(time.Minute)
	if err := s.HoldFunds(ctx, "tx-1", "acct-a", 1_500, expires); err != nil {
		t.Fatalf("hold funds: %v", err)
	}
	if err := s.CommitHold(ctx, "tx-1"); err != nil {
		t.Fatalf("commit hold: %v", err)
	}

	account, err := s.GetAccount(ctx, "acct-a")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 8_500 {
		t.Fatalf("expected balance 8500, got %d", account.Balance)
	}
	if account.Version != 1 {
		t.Fatalf("expected version 1, got %d", account.Version)
	}
}

func TestMemoryStore_ReserveAndApplyCreditsBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateAccount(ctx, newTestAccount("acct-b", 0)); err != nil {
		t.Fatalf("create account: %v", err)
	}

	expires := time.Now().Add(time.Minute)
	if err := s.ReserveCredit(ctx, "tx-1", "acct-b", 2_000, expires); err != nil {
		t.Fatalf("reserve credit: %v", err)
	}
	if err := s.ApplyCredit(ctx, "tx-1"); err != nil {
		t.Fatalf("apply credit: %v", err)
	}

	account, _ := s.GetAccount(ctx, "acct-b")
	if account.Balance != 2_000 {
		t.Fatalf("expected balance 2000, got %d", account.Balance)
	}
}

func TestMemoryStore_HoldRespectsAvailableBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateAccount(ctx, newTestAccount("acct-a", 1_000))

	expires := time.Now().Add(time.Minute)
	if err := s.HoldFunds(ctx, "tx-1", "acct-a", 800, expires); err != nil {
		t.Fatalf("first hold: %v", err)
	}
	// The raw balance is still 1000, but only 200 is available.
	if err := s.HoldFunds(ctx, "tx-2", "acct-a", 300, expires); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := s.HoldFunds(ctx, "tx-3", "acct-a", 200, expires); err != nil {
		t.Fatalf("hold within available balance: %v", err)
	}
}

func TestMemoryStore_DuplicateReservation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateAccount(ctx, newTestAccount("acct-a", 5_000))

	expires := time.Now().Add(time.Minute)
	if err := s.HoldFunds(ctx, "tx-1", "acct-a", 500, expires); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := s.HoldFunds(ctx, "tx-1", "acct-a", 500, expires); !errors.Is(err, ErrDuplicateReservation) {
		t.Fatalf("expected duplicate reservation, got %v", err)
	}
	if err := s.ReserveCredit(ctx, "tx-2", "acct-a", 500, expires); err != nil {
		t.Fatalf("reserve credit: %v", err)
	}
	if err := s.ReserveCredit(ctx, "tx-2", "acct-a", 500, expires); !errors.Is(err, ErrDuplicateReservation) {
		t.Fatalf("expected duplicate reservation, got %v", err)
	}
}

func TestMemoryStore_ReleaseIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateAccount(ctx, newTestAccount("acct-a", 5_000))

	if err := s.HoldFunds(ctx, "tx-1", "acct-a", 500, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := s.ReleaseReservation(ctx, "tx-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Releasing again, or releasing an unknown id, is a no-op.
	if err := s.ReleaseReservation(ctx, "tx-1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := s.ReleaseReservation(ctx, "never-existed"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}

	account, _ := s.GetAccount(ctx, "acct-a")
	if account.Balance != 5_000 {
		t.Fatalf("release must not move funds, balance=%d", account.Balance)
	}
}

func TestMemoryStore_ExpiredReservationCannotSettle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateAccount(ctx, newTestAccount("acct-b", 0))

	if err := s.ReserveCredit(ctx, "tx-1", "acct-b", 1_000, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.ApplyCredit(ctx, "tx-1"); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected reservation not found, got %v", err)
	}

	account, _ := s.GetAccount(ctx, "acct-b")
	if account.Balance != 0 {
		t.Fatalf("expired reservation must not settle, balance=%d", account.Balance)
	}
}

func TestMemoryStore_ExpireReservations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateAccount(ctx, newTestAccount("acct-a", 5_000))

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)
	s.HoldFunds(ctx, "tx-old", "acct-a", 500, past)
	s.HoldFunds(ctx, "tx-live", "acct-a", 500, future)

	expired, err := s.ExpireReservations(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].TransferID != "tx-old" || expired[0].Kind != ReservationHold {
		t.Fatalf("expected the tx-old hold, got %+v", expired)
	}
	if _, err := s.GetReservation(ctx, "tx-live", ReservationHold); err != nil {
		t.Fatalf("live reservation must survive the sweep: %v", err)
	}
}

func TestMemoryStore_DuplicateTransferReturnsExisting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.CreateTransfer(ctx, Transfer{ID: "tx-1", Amount: 100, Status: StatusInitiated})
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	second, err := s.CreateTransfer(ctx, Transfer{ID: "tx-1", Amount: 999, Status: StatusInitiated})
	if !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("expected duplicate transfer, got %v", err)
	}
	if second.Amount != first.Amount {
		t.Fatalf("duplicate create must return the original record, got %+v", second)
	}
}

func TestMemoryStore_TerminalStatusIsImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateTransfer(ctx, Transfer{ID: "tx-1", Status: StatusInitiated})

	if _, err := s.SetTransferStatus(ctx, "tx-1", StatusCommitted); err != nil {
		t.Fatalf("commit status: %v", err)
	}
	// Re-asserting the current terminal status is a no-op.
	if _, err := s.SetTransferStatus(ctx, "tx-1", StatusCommitted); err != nil {
		t.Fatalf("repeat terminal status: %v", err)
	}
	if _, err := s.SetTransferStatus(ctx, "tx-1", StatusAborted); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected terminal state error, got %v", err)
	}
}

func TestMemoryStore_ConcurrentHoldsConserveBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateAccount(ctx, newTestAccount("acct-a", 100_000))

	const workers = 20
	const amount = int64(500)
	expires := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txID := fmt.Sprintf("tx-%d", i)
			if err := s.HoldFunds(ctx, txID, "acct-a", amount, expires); err != nil {
				t.Errorf("hold %d: %v", i, err)
				return
			}
			if err := s.CommitHold(ctx, txID); err != nil {
				t.Errorf("commit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	account, _ := s.GetAccount(ctx, "acct-a")
	if account.Balance != 100_000-workers*amount {
		t.Fatalf("expected balance %d, got %d", 100_000-workers*amount, account.Balance)
	}
}

func TestMemoryStore_Decisions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetDecision(ctx, "tx-1"); !errors.Is(err, ErrDecisionNotFound) {
		t.Fatalf("expected decision not found, got %v", err)
	}
	if err := s.SaveDecision(ctx, Decision{TransferID: "tx-1", State: "RESERVED", Result: "ACK"}); err != nil {
		t.Fatalf("save decision: %v", err)
	}
	decision, err := s.GetDecision(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if decision.State != "RESERVED" || decision.Result != "ACK" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}
