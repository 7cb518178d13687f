package registry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores bank records in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the banks table when absent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS banks (
		swift TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		public_key TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

// Upsert stores the record, reporting whether it was newly created.
func (r *PostgresRepository) Upsert(ctx context.Context, bank Bank) (bool, error) {
	registeredAt := bank.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}
	var created bool
	err := r.db.QueryRow(ctx, `INSERT INTO banks (swift, name, address, public_key, registered_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (swift) DO UPDATE SET name = $2, address = $3, public_key = $4
        RETURNING (xmax = 0)`,
		bank.SWIFT, bank.Name, bank.Address, bank.PublicKeyPEM, registeredAt).Scan(&created)
	return created, err
}

// Get fetches a record by swift code.
func (r *PostgresRepository) Get(ctx context.Context, swift string) (Bank, error) {
	var bank Bank
	err := r.db.QueryRow(ctx, `SELECT swift, name, address, public_key, registered_at
        FROM banks WHERE swift = $1`, swift).
		Scan(&bank.SWIFT, &bank.Name, &bank.Address, &bank.PublicKeyPEM, &bank.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bank{}, ErrBankNotFound
	}
	if err != nil {
		return Bank{}, err
	}
	return bank, nil
}

// List returns all records ordered by swift code.
func (r *PostgresRepository) List(ctx context.Context) ([]Bank, error) {
	rows, err := r.db.Query(ctx, `SELECT swift, name, address, public_key, registered_at
        FROM banks ORDER BY swift`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var banks []Bank
	for rows.Next() {
		var bank Bank
		if err := rows.Scan(&bank.SWIFT, &bank.Name, &bank.Address, &bank.PublicKeyPEM, &bank.RegisteredAt); err != nil {
			return nil, err
		}
		banks = append(banks, bank)
	}
	return banks, rows.Err()
}
