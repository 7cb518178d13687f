package participant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/banknet/banknet/internal/ledger"
	"github.com/banknet/banknet/internal/protocol"
)

// Sweeper releases reservations past their deadline on a fixed interval: the
// participant's unilateral defense against a coordinator whose abort notice
// never arrives.
type Sweeper struct {
	store    ledger.Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a reservation sweeper.
func NewSweeper(store ledger.Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reservation sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reservation sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one expiry pass. An expired credit reservation gets a
// RELEASED decision so later Commits and Queries see the release; an expired
// debit hold belongs to a transfer this instance coordinated, whose protocol
// run died mid-flight, so the transfer is moved to ABORTED instead.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.ExpireReservations(ctx, time.Now())
	if err != nil {
		s.logger.Error("reservation sweep failed", "error", err)
		return
	}
	for _, res := range expired {
		switch res.Kind {
		case ledger.ReservationCredit:
			decision := ledger.Decision{
				TransferID: res.TransferID,
				State:      protocol.StateReleased,
				Result:     protocol.ResultNack,
				Reason:     "reservation expired",
			}
			if err := s.store.SaveDecision(ctx, decision); err != nil {
				s.logger.Error("record expiry decision failed", "transfer_id", res.TransferID, "error", err)
				continue
			}
			s.logger.Info("credit reservation expired", "transfer_id", res.TransferID)
		case ledger.ReservationHold:
			if _, err := s.store.SetTransferStatus(ctx, res.TransferID, ledger.StatusAborted); err != nil &&
				!errors.Is(err, ledger.ErrTerminalState) {
				s.logger.Error("abort orphaned transfer failed", "transfer_id", res.TransferID, "error", err)
				continue
			}
			s.logger.Warn("orphaned hold expired, transfer aborted", "transfer_id", res.TransferID)
		}
	}
}
