package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory ledger used in dev mode and
// unit tests. Per-entity serialization is enforced with keyed mutexes; the
// store-wide mutex only guards map access.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	transfers    map[string]Transfer
	reservations map[string]Reservation
	decisions    map[string]Decision

	accountLocks  *keyedMutex
	transferLocks *keyedMutex
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]Account),
		transfers:     make(map[string]Transfer),
		reservations:  make(map[string]Reservation),
		decisions:     make(map[string]Decision),
		accountLocks:  newKeyedMutex(),
		transferLocks: newKeyedMutex(),
	}
}

func reservationKey(transferID, kind string) string {
	return transferID + "/" + kind
}

// CreateAccount stores a new account record.
func (s *MemoryStore) CreateAccount(_ context.Context, account Account) error {
	unlock := s.accountLocks.Lock(account.ID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	s.accounts[account.ID] = account
	return nil
}

// GetAccount fetches an account by id.
func (s *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

// ListAccounts returns all accounts ordered by account number.
func (s *MemoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Number < accounts[j].Number })
	return accounts, nil
}

// ResetAccounts drops every account, reservation and transfer record.
func (s *MemoryStore) ResetAccounts(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]Account)
	s.transfers = make(map[string]Transfer)
	s.reservations = make(map[string]Reservation)
	s.decisions = make(map[string]Decision)
	return nil
}

// CreateTransfer persists a transfer at its initial status. A duplicate id
// returns the existing record with ErrDuplicateTransfer.
func (s *MemoryStore) CreateTransfer(_ context.Context, transfer Transfer) (Transfer, error) {
	unlock := s.transferLocks.Lock(transfer.ID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, exists := s.transfers[transfer.ID]; exists {
		return existing, ErrDuplicateTransfer
	}
	now := time.Now().UTC()
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = now
	}
	transfer.UpdatedAt = now
	s.transfers[transfer.ID] = transfer
	return transfer, nil
}

// GetTransfer fetches a transfer by id.
func (s *MemoryStore) GetTransfer(_ context.Context, id string) (Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transfer, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return transfer, nil
}

// SetTransferStatus moves a transfer to a new status. Terminal states are
// immutable: repeating the current terminal status is a no-op, anything else
// is ErrTerminalState.
func (s *MemoryStore) SetTransferStatus(_ context.Context, id string, status TransferStatus) (Transfer, error) {
	unlock := s.transferLocks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	transfer, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	if transfer.Status.Terminal() {
		if transfer.Status == status {
			return transfer, nil
		}
		return transfer, ErrTerminalState
	}
	transfer.Status = status
	transfer.UpdatedAt = time.Now().UTC()
	s.transfers[id] = transfer
	return transfer, nil
}

// HoldFunds places a debit hold on a source account.
func (s *MemoryStore) HoldFunds(_ context.Context, transferID, accountID string, amount int64, expiresAt time.Time) error {
	unlockT := s.transferLocks.Lock(transferID)
	defer unlockT()
	unlockA := s.accountLocks.Lock(accountID)
	defer unlockA()

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if _, exists := s.reservations[reservationKey(transferID, ReservationHold)]; exists {
		return ErrDuplicateReservation
	}
	if account.Balance-s.heldLocked(accountID) < amount {
		return ErrInsufficientFunds
	}
	s.reservations[reservationKey(transferID, ReservationHold)] = Reservation{
		TransferID: transferID,
		Kind:       ReservationHold,
		AccountID:  accountID,
		Amount:     amount,
		ExpiresAt:  expiresAt,
	}
	return nil
}

// ReserveCredit records inbound capacity on a destination account. Exactly
// one reservation may exist per transfer id.
func (s *MemoryStore) ReserveCredit(_ context.Context, transferID, accountID string, amount int64, expiresAt time.Time) error {
	unlockT := s.transferLocks.Lock(transferID)
	defer unlockT()
	unlockA := s.accountLocks.Lock(accountID)
	defer unlockA()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	if _, exists := s.reservations[reservationKey(transferID, ReservationCredit)]; exists {
		return ErrDuplicateReservation
	}
	s.reservations[reservationKey(transferID, ReservationCredit)] = Reservation{
		TransferID: transferID,
		Kind:       ReservationCredit,
		AccountID:  accountID,
		Amount:     amount,
		ExpiresAt:  expiresAt,
	}
	return nil
}

// CommitHold converts a debit hold into an applied debit.
func (s *MemoryStore) CommitHold(_ context.Context, transferID string) error {
	return s.settle(transferID, ReservationHold)
}

// ApplyCredit applies a reserved credit to the destination account.
func (s *MemoryStore) ApplyCredit(_ context.Context, transferID string) error {
	return s.settle(transferID, ReservationCredit)
}

func (s *MemoryStore) settle(transferID, kind string) error {
	unlockT := s.transferLocks.Lock(transferID)
	defer unlockT()

	s.mu.Lock()
	key := reservationKey(transferID, kind)
	res, ok := s.reservations[key]
	s.mu.Unlock()
	if !ok {
		return ErrReservationNotFound
	}

	unlockA := s.accountLocks.Lock(res.AccountID)
	defer unlockA()

	s.mu.Lock()
	defer s.mu.Unlock()

	// A reservation past its deadline is settled by the sweep, never here.
	if time.Now().After(res.ExpiresAt) {
		delete(s.reservations, key)
		return ErrReservationNotFound
	}

	account, ok := s.accounts[res.AccountID]
	if !ok {
		return ErrAccountNotFound
	}
	if kind == ReservationHold {
		account.Balance -= res.Amount
	} else {
		account.Balance += res.Amount
	}
	account.Version++
	s.accounts[res.AccountID] = account
	delete(s.reservations, key)
	return nil
}

// ReleaseReservation drops any reservation held for the transfer id.
func (s *MemoryStore) ReleaseReservation(_ context.Context, transferID string) error {
	unlock := s.transferLocks.Lock(transferID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, reservationKey(transferID, ReservationHold))
	delete(s.reservations, reservationKey(transferID, ReservationCredit))
	return nil
}

// GetReservation fetches a live reservation.
func (s *MemoryStore) GetReservation(_ context.Context, transferID, kind string) (Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.reservations[reservationKey(transferID, kind)]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

// ExpireReservations releases every reservation past its deadline.
func (s *MemoryStore) ExpireReservations(_ context.Context, now time.Time) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Reservation
	for key, res := range s.reservations {
		if now.After(res.ExpiresAt) {
			delete(s.reservations, key)
			expired = append(expired, res)
		}
	}
	return expired, nil
}

// SaveDecision upserts the participant decision for a transfer id.
func (s *MemoryStore) SaveDecision(_ context.Context, decision Decision) error {
	unlock := s.transferLocks.Lock(decision.TransferID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	decision.UpdatedAt = time.Now().UTC()
	s.decisions[decision.TransferID] = decision
	return nil
}

// GetDecision fetches the recorded decision for a transfer id.
func (s *MemoryStore) GetDecision(_ context.Context, transferID string) (Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	decision, ok := s.decisions[transferID]
	if !ok {
		return Decision{}, ErrDecisionNotFound
	}
	return decision, nil
}

// heldLocked sums live debit holds against an account. Callers hold s.mu.
func (s *MemoryStore) heldLocked(accountID string) int64 {
	var held int64
	now := time.Now()
	for _, res := range s.reservations {
		if res.Kind == ReservationHold && res.AccountID == accountID && now.Before(res.ExpiresAt) {
			held += res.Amount
		}
	}
	return held
}
