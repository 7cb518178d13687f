// Package fake seeds demo accounts, replacing the original deployment's
// reset-accounts tooling.
package fake

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banknet/banknet/internal/ledger"
)

var firstNames = []string{
	"Ada", "Alan", "Barbara", "Claude", "Donald", "Edsger", "Frances",
	"Grace", "John", "Katherine", "Leslie", "Margaret", "Niklaus", "Radia",
}

var lastNames = []string{
	"Allen", "Dijkstra", "Hamilton", "Hopper", "Kay", "Knuth", "Lamport",
	"Liskov", "Lovelace", "McCarthy", "Perlman", "Shannon", "Turing", "Wirth",
}

// Account generates one synthetic account: a 16-digit number, a mostly
// active state, and an opening balance up to 10,000.00 in minor units.
func Account() ledger.Account {
	var number strings.Builder
	for i := 0; i < 16; i++ {
		fmt.Fprintf(&number, "%d", rand.Intn(10))
	}

	state := ledger.AccountStateActive
	if rand.Intn(10) == 0 {
		state = ledger.AccountStateCanceled
	}

	return ledger.Account{
		ID:        uuid.NewString(),
		Number:    number.String(),
		Owner:     firstNames[rand.Intn(len(firstNames))] + " " + lastNames[rand.Intn(len(lastNames))],
		State:     state,
		Balance:   rand.Int63n(1_000_001),
		CreatedAt: time.Now().UTC(),
	}
}

// SeedAccounts wipes the ledger and generates count fresh accounts.
func SeedAccounts(ctx context.Context, store ledger.Store, count int) error {
	if err := store.ResetAccounts(ctx); err != nil {
		return fmt.Errorf("reset accounts: %w", err)
	}
	for i := 0; i < count; i++ {
		if err := store.CreateAccount(ctx, Account()); err != nil {
			return fmt.Errorf("seed account: %w", err)
		}
	}
	return nil
}
