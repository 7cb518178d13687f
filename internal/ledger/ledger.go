package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/banknet/banknet/internal/protocol"
)

var (
	// ErrInsufficientFunds occurs when an account's available balance cannot
	// cover a requested hold.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransfer indicates the transfer id already exists; callers
	// treat the operation as idempotent and use the existing record.
	ErrDuplicateTransfer = errors.New("duplicate transfer")

	// ErrDuplicateReservation indicates a reservation already exists for the
	// transfer id.
	ErrDuplicateReservation = errors.New("duplicate reservation")

	// ErrAccountNotFound indicates the account is not hosted by this instance.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransferNotFound indicates an unknown transfer id.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrReservationNotFound indicates no live reservation for the transfer id.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrTerminalState rejects transitions out of COMMITTED or ABORTED.
	ErrTerminalState = errors.New("transfer already in terminal state")

	// ErrDecisionNotFound indicates no recorded participant decision.
	ErrDecisionNotFound = errors.New("decision not found")
)

// Account states mirror the account lifecycle: canceled accounts can neither
// send nor receive.
const (
	AccountStateActive   = "active"
	AccountStateCanceled = "canceled"
)

// TransferStatus is the origin-side transfer lifecycle.
type TransferStatus string

const (
	StatusInitiated TransferStatus = "INITIATED"
	StatusPrepared  TransferStatus = "PREPARED"
	StatusCommitted TransferStatus = "COMMITTED"
	StatusAborted   TransferStatus = "ABORTED"
)

// Terminal reports whether no further status transition is permitted.
func (s TransferStatus) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// Reservation kinds: a hold debits-on-commit at the origin, a credit
// reservation marks inbound capacity at the destination.
const (
	ReservationHold   = "hold"
	ReservationCredit = "credit"
)

// Account is a bank account hosted by exactly one instance.
type Account struct {
	ID        string
	Number    string
	Owner     string
	State     string
	Balance   int64
	Version   int64
	CreatedAt time.Time
}

// Transfer is the durable record of one protocol run, keyed by the
// network-unique transfer id.
type Transfer struct {
	ID                   string
	OriginSWIFT          string
	DestinationSWIFT     string
	SourceAccountID      string
	DestinationAccountID string
	Amount               int64
	Status               TransferStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Reservation is the ephemeral hold between PREPARE and COMMIT/ABORT.
type Reservation struct {
	TransferID string
	Kind       string
	AccountID  string
	Amount     int64
	ExpiresAt  time.Time
}

// Decision is the participant-side record answering duplicate messages and
// Query.
type Decision struct {
	TransferID string
	State      protocol.DecisionState
	Result     protocol.Result
	Reason     string
	UpdatedAt  time.Time
}

// Store is the contract implemented by ledger backends. All operations are
// serialized per account id and per transfer id; a failed store is a halt for
// the affected entity, never a guess.
type Store interface {
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ResetAccounts(ctx context.Context) error

	CreateTransfer(ctx context.Context, transfer Transfer) (Transfer, error)
	GetTransfer(ctx context.Context, id string) (Transfer, error)
	SetTransferStatus(ctx context.Context, id string, status TransferStatus) (Transfer, error)

	// HoldFunds places a debit hold on a source account; available balance
	// (balance minus live holds) must cover the amount.
	HoldFunds(ctx context.Context, transferID, accountID string, amount int64, expiresAt time.Time) error
	// ReserveCredit records inbound capacity on a destination account; it
	// never fails on balance grounds.
	ReserveCredit(ctx context.Context, transferID, accountID string, amount int64, expiresAt time.Time) error
	// CommitHold converts a hold into an applied debit.
	CommitHold(ctx context.Context, transferID string) error
	// ApplyCredit applies a reserved credit to the destination account.
	ApplyCredit(ctx context.Context, transferID string) error
	// ReleaseReservation drops any reservation for the transfer id; releasing
	// an absent reservation is a no-op.
	ReleaseReservation(ctx context.Context, transferID string) error
	GetReservation(ctx context.Context, transferID, kind string) (Reservation, error)
	// ExpireReservations releases every reservation past its deadline and
	// returns the dropped reservations.
	ExpireReservations(ctx context.Context, now time.Time) ([]Reservation, error)

	SaveDecision(ctx context.Context, decision Decision) error
	GetDecision(ctx context.Context, transferID string) (Decision, error)
}
