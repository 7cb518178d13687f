package ledger

// SeedBalance is a test helper that overwrites an account balance when using
// the in-memory store.
func SeedBalance(s Store, accountID string, amount int64) {
	if mem, ok := s.(*MemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		account := mem.accounts[accountID]
		account.Balance = amount
		mem.accounts[accountID] = account
	}
}
