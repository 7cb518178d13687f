package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banknet/banknet/internal/protocol"
)

// PostgresStore persists the ledger in PostgreSQL. Row locks (`FOR UPDATE`)
// provide the per-account and per-transfer serialization the in-memory store
// gets from keyed mutexes.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the ledger tables when absent, mirroring the original
// deployment's create-on-startup behavior.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		number TEXT UNIQUE NOT NULL,
		owner TEXT NOT NULL,
		state TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS transfers (
		id UUID PRIMARY KEY,
		origin_swift TEXT NOT NULL,
		destination_swift TEXT NOT NULL,
		source_account_id TEXT NOT NULL,
		destination_account_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS reservations (
		transfer_id UUID NOT NULL,
		kind TEXT NOT NULL,
		account_id UUID NOT NULL REFERENCES accounts (id),
		amount BIGINT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (transfer_id, kind)
	);
	CREATE TABLE IF NOT EXISTS decisions (
		transfer_id UUID PRIMARY KEY,
		state TEXT NOT NULL,
		result TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	_, err := s.db.Exec(ctx, ddl)
	return err
}

// CreateAccount inserts an account record.
func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `INSERT INTO accounts (id, number, owner, state, balance, version, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.Number, account.Owner, account.State, account.Balance, account.Version, createdAt)
	return err
}

// GetAccount fetches an account by id.
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT id, number, owner, state, balance, version, created_at
        FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by account number.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.Query(ctx, `SELECT id, number, owner, state, balance, version, created_at
        FROM accounts ORDER BY number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// ResetAccounts drops all ledger state, used by dev/demo resets.
func (s *PostgresStore) ResetAccounts(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `TRUNCATE decisions, reservations, transfers, accounts`)
	return err
}

// CreateTransfer persists a transfer. A duplicate id returns the existing
// record with ErrDuplicateTransfer.
func (s *PostgresStore) CreateTransfer(ctx context.Context, transfer Transfer) (Transfer, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transfer{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	existing, err := getTransferForUpdate(ctx, tx, transfer.ID)
	if err == nil {
		return existing, ErrDuplicateTransfer
	}
	if !errors.Is(err, ErrTransferNotFound) {
		return Transfer{}, err
	}

	now := time.Now().UTC()
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = now
	}
	transfer.UpdatedAt = now

	if _, err := tx.Exec(ctx, `INSERT INTO transfers
        (id, origin_swift, destination_swift, source_account_id, destination_account_id, amount, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		transfer.ID, transfer.OriginSWIFT, transfer.DestinationSWIFT, transfer.SourceAccountID,
		transfer.DestinationAccountID, transfer.Amount, transfer.Status, transfer.CreatedAt, transfer.UpdatedAt); err != nil {
		return Transfer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

// GetTransfer fetches a transfer by id.
func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	row := s.db.QueryRow(ctx, `SELECT id, origin_swift, destination_swift, source_account_id, destination_account_id,
        amount, status, created_at, updated_at FROM transfers WHERE id = $1`, id)
	return scanTransfer(row)
}

// SetTransferStatus moves a transfer to a new status under a row lock,
// enforcing terminal-state immutability.
func (s *PostgresStore) SetTransferStatus(ctx context.Context, id string, status TransferStatus) (Transfer, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transfer{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	transfer, err := getTransferForUpdate(ctx, tx, id)
	if err != nil {
		return Transfer{}, err
	}
	if transfer.Status.Terminal() {
		if transfer.Status == status {
			return transfer, nil
		}
		return transfer, ErrTerminalState
	}

	transfer.Status = status
	transfer.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE transfers SET status = $2, updated_at = $3 WHERE id = $1`,
		id, transfer.Status, transfer.UpdatedAt); err != nil {
		return Transfer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

// HoldFunds places a debit hold on a source account under a row lock.
func (s *PostgresStore) HoldFunds(ctx context.Context, transferID, accountID string, amount int64, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	balance, err := lockAccountBalance(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if exists, err := reservationExists(ctx, tx, transferID, ReservationHold); err != nil {
		return err
	} else if exists {
		return ErrDuplicateReservation
	}

	var held int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM reservations
        WHERE account_id = $1 AND kind = $2 AND expires_at > now()`, accountID, ReservationHold).Scan(&held); err != nil {
		return err
	}
	if balance-held < amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `INSERT INTO reservations (transfer_id, kind, account_id, amount, expires_at)
        VALUES ($1, $2, $3, $4, $5)`, transferID, ReservationHold, accountID, amount, expiresAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReserveCredit records inbound capacity on a destination account.
func (s *PostgresStore) ReserveCredit(ctx context.Context, transferID, accountID string, amount int64, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := lockAccountBalance(ctx, tx, accountID); err != nil {
		return err
	}
	if exists, err := reservationExists(ctx, tx, transferID, ReservationCredit); err != nil {
		return err
	} else if exists {
		return ErrDuplicateReservation
	}

	if _, err := tx.Exec(ctx, `INSERT INTO reservations (transfer_id, kind, account_id, amount, expires_at)
        VALUES ($1, $2, $3, $4, $5)`, transferID, ReservationCredit, accountID, amount, expiresAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CommitHold converts a debit hold into an applied debit.
func (s *PostgresStore) CommitHold(ctx context.Context, transferID string) error {
	return s.settle(ctx, transferID, ReservationHold)
}

// ApplyCredit applies a reserved credit to the destination account.
func (s *PostgresStore) ApplyCredit(ctx context.Context, transferID string) error {
	return s.settle(ctx, transferID, ReservationCredit)
}

func (s *PostgresStore) settle(ctx context.Context, transferID, kind string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var accountID string
	var amount int64
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `SELECT account_id, amount, expires_at FROM reservations
        WHERE transfer_id = $1 AND kind = $2 FOR UPDATE`, transferID, kind).Scan(&accountID, &amount, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrReservationNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE transfer_id = $1 AND kind = $2`, transferID, kind); err != nil {
		return err
	}

	// A reservation past its deadline belongs to the sweep, not to settlement.
	if time.Now().After(expiresAt) {
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		return ErrReservationNotFound
	}

	if _, err := lockAccountBalance(ctx, tx, accountID); err != nil {
		return err
	}
	delta := amount
	if kind == ReservationHold {
		delta = -amount
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2, version = version + 1 WHERE id = $1`,
		accountID, delta); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReleaseReservation drops any reservation held for the transfer id.
func (s *PostgresStore) ReleaseReservation(ctx context.Context, transferID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM reservations WHERE transfer_id = $1`, transferID)
	return err
}

// GetReservation fetches a live reservation.
func (s *PostgresStore) GetReservation(ctx context.Context, transferID, kind string) (Reservation, error) {
	res := Reservation{TransferID: transferID, Kind: kind}
	err := s.db.QueryRow(ctx, `SELECT account_id, amount, expires_at FROM reservations
        WHERE transfer_id = $1 AND kind = $2`, transferID, kind).Scan(&res.AccountID, &res.Amount, &res.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// ExpireReservations releases every reservation past its deadline.
func (s *PostgresStore) ExpireReservations(ctx context.Context, now time.Time) ([]Reservation, error) {
	rows, err := s.db.Query(ctx, `DELETE FROM reservations WHERE expires_at < $1
        RETURNING transfer_id, kind, account_id, amount, expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.TransferID, &res.Kind, &res.AccountID, &res.Amount, &res.ExpiresAt); err != nil {
			return nil, err
		}
		expired = append(expired, res)
	}
	return expired, rows.Err()
}

// SaveDecision upserts the participant decision for a transfer id.
func (s *PostgresStore) SaveDecision(ctx context.Context, decision Decision) error {
	_, err := s.db.Exec(ctx, `INSERT INTO decisions (transfer_id, state, result, reason, updated_at)
        VALUES ($1, $2, $3, $4, now())
        ON CONFLICT (transfer_id) DO UPDATE SET state = $2, result = $3, reason = $4, updated_at = now()`,
		decision.TransferID, decision.State, decision.Result, decision.Reason)
	return err
}

// GetDecision fetches the recorded decision for a transfer id.
func (s *PostgresStore) GetDecision(ctx context.Context, transferID string) (Decision, error) {
	decision := Decision{TransferID: transferID}
	var state, result string
	err := s.db.QueryRow(ctx, `SELECT state, result, reason, updated_at FROM decisions WHERE transfer_id = $1`,
		transferID).Scan(&state, &result, &decision.Reason, &decision.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, ErrDecisionNotFound
	}
	if err != nil {
		return Decision{}, err
	}
	decision.State = protocol.DecisionState(state)
	decision.Result = protocol.Result(result)
	return decision, nil
}

func lockAccountBalance(ctx context.Context, tx pgx.Tx, accountID string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func reservationExists(ctx context.Context, tx pgx.Tx, transferID, kind string) (bool, error) {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM reservations WHERE transfer_id = $1 AND kind = $2`, transferID, kind).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func getTransferForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transfer, error) {
	row := tx.QueryRow(ctx, `SELECT id, origin_swift, destination_swift, source_account_id, destination_account_id,
        amount, status, created_at, updated_at FROM transfers WHERE id = $1 FOR UPDATE`, id)
	return scanTransfer(row)
}

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	err := row.Scan(&account.ID, &account.Number, &account.Owner, &account.State,
		&account.Balance, &account.Version, &account.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var transfer Transfer
	var status string
	err := row.Scan(&transfer.ID, &transfer.OriginSWIFT, &transfer.DestinationSWIFT,
		&transfer.SourceAccountID, &transfer.DestinationAccountID, &transfer.Amount,
		&status, &transfer.CreatedAt, &transfer.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, ErrTransferNotFound
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("scan transfer: %w", err)
	}
	transfer.Status = TransferStatus(status)
	return transfer, nil
}
