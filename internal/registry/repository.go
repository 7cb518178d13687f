package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrBankNotFound indicates no record exists for the requested swift code.
var ErrBankNotFound = errors.New("bank not found")

// Repository persists bank records. Upsert is idempotent: re-registering the
// same swift code replaces the record.
type Repository interface {
	// Upsert stores the record, reporting whether it was newly created.
	Upsert(ctx context.Context, bank Bank) (created bool, err error)
	Get(ctx context.Context, swift string) (Bank, error)
	List(ctx context.Context) ([]Bank, error)
}

type memoryRepository struct {
	mu    sync.RWMutex
	banks map[string]Bank
}

// NewMemoryRepository constructs an in-memory repository for dev mode and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{banks: make(map[string]Bank)}
}

func (r *memoryRepository) Upsert(_ context.Context, bank Bank) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.banks[bank.SWIFT]
	if bank.RegisteredAt.IsZero() {
		bank.RegisteredAt = time.Now().UTC()
	}
	r.banks[bank.SWIFT] = bank
	return !exists, nil
}

func (r *memoryRepository) Get(_ context.Context, swift string) (Bank, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bank, ok := r.banks[swift]
	if !ok {
		return Bank{}, ErrBankNotFound
	}
	return bank, nil
}

func (r *memoryRepository) List(_ context.Context) ([]Bank, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	banks := make([]Bank, 0, len(r.banks))
	for _, bank := range r.banks {
		banks = append(banks, bank)
	}
	sort.Slice(banks, func(i, j int) bool { return banks[i].SWIFT < banks[j].SWIFT })
	return banks, nil
}
