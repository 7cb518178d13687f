// Package transfer implements the origin side of the interbank protocol: the
// coordinator that reserves funds locally, drives Prepare/Commit against the
// destination participant, and settles or compensates.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/banknet/banknet/internal/discovery"
	"github.com/banknet/banknet/internal/identity"
	"github.com/banknet/banknet/internal/ledger"
	"github.com/banknet/banknet/internal/notification"
	"github.com/banknet/banknet/internal/protocol"
)

var (
	// ErrValidation rejects malformed input before any state change.
	ErrValidation = errors.New("invalid transfer request")

	// ErrRemoteUnreachable indicates the destination could not be resolved or
	// did not answer within the retry budget.
	ErrRemoteUnreachable = errors.New("destination unreachable")

	// ErrNotCancelable rejects cancellation of a transfer already in a
	// terminal state.
	ErrNotCancelable = errors.New("transfer is not cancelable")
)

// Service coordinates outbound transfers for this instance.
type Service struct {
	swift          string
	store          ledger.Store
	signer         *identity.Signer
	resolver       discovery.Resolver
	client         ProtocolClient
	notifier       notification.Notifier
	sendTimeout    time.Duration
	retryBudget    int
	reservationTTL time.Duration
	logger         *slog.Logger

	// terminals serializes settle, abort and cancel per transfer id so
	// exactly one terminal outcome wins a race.
	terminals *keyedMutex
}

// Options tunes the coordinator's timeout policy.
type Options struct {
	SendTimeout    time.Duration
	RetryBudget    int
	ReservationTTL time.Duration
}

// NewService constructs a transfer coordinator.
func NewService(swift string, store ledger.Store, signer *identity.Signer, resolver discovery.Resolver,
	client ProtocolClient, notifier notification.Notifier, opts Options, logger *slog.Logger) *Service {
	return &Service{
		swift:          swift,
		store:          store,
		signer:         signer,
		resolver:       resolver,
		client:         client,
		notifier:       notifier,
		sendTimeout:    opts.SendTimeout,
		retryBudget:    opts.RetryBudget,
		reservationTTL: opts.ReservationTTL,
		logger:         logger,
		terminals:      newKeyedMutex(),
	}
}

// InitiateInput captures a client request to move funds to another instance.
type InitiateInput struct {
	TransferID           string
	SourceAccountID      string
	DestinationSWIFT     string
	DestinationAccountID string
	Amount               int64
}

// Initiate runs one full protocol round and returns the transfer in its
// terminal (or, on a repeated id, current) state. The returned error
// classifies the failure for the HTTP layer; protocol outcomes are carried by
// the transfer status.
func (s *Service) Initiate(ctx context.Context, input InitiateInput) (ledger.Transfer, error) {
	if input.Amount <= 0 {
		return ledger.Transfer{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if input.SourceAccountID == "" || input.DestinationAccountID == "" || input.DestinationSWIFT == "" {
		return ledger.Transfer{}, fmt.Errorf("%w: source account, destination swift and destination account are required", ErrValidation)
	}
	if input.TransferID == "" {
		input.TransferID = uuid.NewString()
	} else if _, err := uuid.Parse(input.TransferID); err != nil {
		return ledger.Transfer{}, fmt.Errorf("%w: transfer id must be a UUID", ErrValidation)
	}

	source, err := s.store.GetAccount(ctx, input.SourceAccountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.Transfer{}, fmt.Errorf("%w: source account not hosted here", ErrValidation)
		}
		return ledger.Transfer{}, err
	}
	if source.State != ledger.AccountStateActive {
		return ledger.Transfer{}, fmt.Errorf("%w: source account is not active", ErrValidation)
	}

	transfer, err := s.store.CreateTransfer(ctx, ledger.Transfer{
		ID:                   input.TransferID,
		OriginSWIFT:          s.swift,
		DestinationSWIFT:     input.DestinationSWIFT,
		SourceAccountID:      input.SourceAccountID,
		DestinationAccountID: input.DestinationAccountID,
		Amount:               input.Amount,
		Status:               ledger.StatusInitiated,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransfer) {
			// Idempotent initiate: report the existing run, never start a
			// second one.
			return transfer, nil
		}
		return ledger.Transfer{}, err
	}

	// Local debit hold before any network call. Insufficient funds abort
	// immediately with zero remote side effects.
	holdExpiry := time.Now().Add(s.reservationTTL)
	if err := s.store.HoldFunds(ctx, transfer.ID, input.SourceAccountID, input.Amount, holdExpiry); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			aborted, aerr := s.store.SetTransferStatus(ctx, transfer.ID, ledger.StatusAborted)
			if aerr != nil {
				return ledger.Transfer{}, aerr
			}
			s.notifyOutcome(ctx, aborted)
			return aborted, ledger.ErrInsufficientFunds
		}
		return ledger.Transfer{}, err
	}

	return s.runProtocol(ctx, transfer)
}

// runProtocol drives prepare then commit against the destination. Every exit
// path leaves the transfer in a terminal state with the local hold settled or
// released.
func (s *Service) runProtocol(ctx context.Context, transfer ledger.Transfer) (ledger.Transfer, error) {
	dest, err := s.resolver.Resolve(ctx, transfer.DestinationSWIFT)
	if err != nil {
		// NotFound and unreachable are the same outcome: local abort, no
		// remote side effects.
		s.logger.Warn("destination resolution failed", "transfer_id", transfer.ID,
			"destination", transfer.DestinationSWIFT, "error", err)
		return s.abortLocally(ctx, transfer.ID, nil)
	}

	// Prepare phase.
	resp, err := s.sendWithRetry(ctx, dest.Address, func() protocol.Envelope {
		return s.envelope(protocol.TypePrepare, transfer.ID, transfer.DestinationAccountID, transfer.Amount)
	})
	if err != nil {
		// Retries exhausted: abort locally, tell the participant best-effort.
		// Its own expiry sweep covers a lost notice.
		return s.abortLocally(ctx, transfer.ID, &dest)
	}
	if resp.Result != protocol.ResultAck {
		s.logger.Info("prepare refused", "transfer_id", transfer.ID, "reason", resp.Reason)
		return s.abortLocally(ctx, transfer.ID, nil)
	}

	transfer, err = s.store.SetTransferStatus(ctx, transfer.ID, ledger.StatusPrepared)
	if err != nil {
		if errors.Is(err, ledger.ErrTerminalState) {
			// Canceled underneath us after the participant reserved: undo the
			// remote reservation.
			s.sendAbortNotice(ctx, dest.Address, transfer.ID)
			return transfer, nil
		}
		return ledger.Transfer{}, err
	}

	// Commit phase.
	resp, err = s.sendWithRetry(ctx, dest.Address, func() protocol.Envelope {
		return s.envelope(protocol.TypeCommit, transfer.ID, "", 0)
	})
	if err != nil {
		return s.resolveAmbiguousCommit(ctx, transfer, dest)
	}
	if resp.Result != protocol.ResultAck {
		// Reservation expired at the destination: fail safe, never
		// double-apply.
		s.logger.Warn("commit refused", "transfer_id", transfer.ID, "reason", resp.Reason)
		return s.abortLocally(ctx, transfer.ID, nil)
	}

	return s.settle(ctx, transfer.ID)
}

// resolveAmbiguousCommit handles a commit phase whose retries were exhausted:
// the participant may or may not have applied the credit. Query decides;
// anything but a recorded APPLIED resolves to abort.
func (s *Service) resolveAmbiguousCommit(ctx context.Context, transfer ledger.Transfer, dest discovery.Resolved) (ledger.Transfer, error) {
	resp, err := s.sendWithRetry(ctx, dest.Address, func() protocol.Envelope {
		return s.envelope(protocol.TypeQuery, transfer.ID, "", 0)
	})
	if err == nil && resp.State == protocol.StateApplied {
		s.logger.Info("commit confirmed via query", "transfer_id", transfer.ID)
		return s.settle(ctx, transfer.ID)
	}
	s.logger.Warn("commit unresolved, aborting", "transfer_id", transfer.ID)
	return s.abortLocally(ctx, transfer.ID, &dest)
}

// settle converts the local hold into an applied debit and marks the transfer
// committed.
func (s *Service) settle(ctx context.Context, transferID string) (ledger.Transfer, error) {
	unlock := s.terminals.Lock(transferID)
	defer unlock()
	return s.settleLocked(ctx, transferID)
}

// settleLocked is settle's body; callers hold the transfer's terminals lock.
func (s *Service) settleLocked(ctx context.Context, transferID string) (ledger.Transfer, error) {
	transfer, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if transfer.Status == ledger.StatusCommitted {
		return transfer, nil
	}
	if err := s.store.CommitHold(ctx, transferID); err != nil {
		return ledger.Transfer{}, fmt.Errorf("settle transfer %s: %w", transferID, err)
	}
	transfer, err = s.store.SetTransferStatus(ctx, transferID, ledger.StatusCommitted)
	if err != nil {
		return ledger.Transfer{}, err
	}
	s.logger.Info("transfer committed", "transfer_id", transferID, "amount", transfer.Amount,
		"destination", transfer.DestinationSWIFT)
	s.notifyOutcome(ctx, transfer)
	return transfer, nil
}

// abortLocally releases the hold and marks the transfer aborted. When dest is
// non-nil an Abort notice goes out best-effort.
func (s *Service) abortLocally(ctx context.Context, transferID string, dest *discovery.Resolved) (ledger.Transfer, error) {
	unlock := s.terminals.Lock(transferID)
	transfer, err := s.abortLocked(ctx, transferID)
	unlock()
	if err != nil {
		return ledger.Transfer{}, err
	}
	if dest != nil {
		s.sendAbortNotice(ctx, dest.Address, transferID)
	}
	s.logger.Info("transfer aborted", "transfer_id", transferID)
	s.notifyOutcome(ctx, transfer)
	return transfer, nil
}

// abortLocked is the locked abort body: release the hold, set ABORTED.
// Callers hold the transfer's terminals lock.
func (s *Service) abortLocked(ctx context.Context, transferID string) (ledger.Transfer, error) {
	if err := s.store.ReleaseReservation(ctx, transferID); err != nil {
		return ledger.Transfer{}, err
	}
	transfer, err := s.store.SetTransferStatus(ctx, transferID, ledger.StatusAborted)
	if err != nil && !errors.Is(err, ledger.ErrTerminalState) {
		return ledger.Transfer{}, err
	}
	return transfer, nil
}

// sendAbortNotice is the compensating action after a unilateral abort
// decision. Delivery is best-effort: the participant's expiry sweep is the
// backstop.
func (s *Service) sendAbortNotice(ctx context.Context, address, transferID string) {
	_, err := s.sendWithRetry(ctx, address, func() protocol.Envelope {
		return s.envelope(protocol.TypeAbort, transferID, "", 0)
	})
	if err != nil {
		s.logger.Warn("abort notice undelivered", "transfer_id", transferID, "error", err)
	}
}

// Status returns the current transfer record.
func (s *Service) Status(ctx context.Context, transferID string) (ledger.Transfer, error) {
	return s.store.GetTransfer(ctx, transferID)
}

// Cancel aborts a transfer that has not reached a terminal state. An
// INITIATED transfer aborts locally. A PREPARED one may have a Commit in
// flight, so the local hold is only released after the destination confirms
// the reservation was released: an APPLIED answer means the credit already
// landed and the cancel arrives too late (the transfer settles instead), and
// an unreachable destination refuses the cancel rather than risk creating
// funds.
func (s *Service) Cancel(ctx context.Context, transferID string) (ledger.Transfer, error) {
	unlock := s.terminals.Lock(transferID)
	defer unlock()

	transfer, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if transfer.Status.Terminal() {
		return transfer, ErrNotCancelable
	}

	if transfer.Status == ledger.StatusPrepared {
		dest, rerr := s.resolver.Resolve(ctx, transfer.DestinationSWIFT)
		if rerr != nil {
			return transfer, fmt.Errorf("%w: cancel needs the destination to confirm the release", ErrRemoteUnreachable)
		}
		resp, serr := s.sendWithRetry(ctx, dest.Address, func() protocol.Envelope {
			return s.envelope(protocol.TypeAbort, transferID, "", 0)
		})
		if serr != nil {
			return transfer, serr
		}
		if resp.State == protocol.StateApplied {
			committed, cerr := s.settleLocked(ctx, transferID)
			if cerr != nil {
				return ledger.Transfer{}, cerr
			}
			s.logger.Info("cancel too late, credit already applied", "transfer_id", transferID)
			return committed, ErrNotCancelable
		}
	}

	transfer, err = s.abortLocked(ctx, transferID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	s.logger.Info("transfer canceled", "transfer_id", transferID)
	s.notifyOutcome(ctx, transfer)
	return transfer, nil
}

// sendWithRetry delivers a message up to 1+retryBudget times with a bounded
// per-attempt deadline. Each attempt signs a fresh nonce; idempotency rides
// on the transfer id.
func (s *Service) sendWithRetry(ctx context.Context, address string, build func() protocol.Envelope) (protocol.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retryBudget; attempt++ {
		env := build()
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		resp, err := s.client.Send(sendCtx, address, env)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		s.logger.Warn("protocol send failed", "type", env.Type, "transfer_id", env.TransferID,
			"attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return protocol.Response{}, fmt.Errorf("%w: %v", ErrRemoteUnreachable, lastErr)
}

// envelope builds and signs one protocol message.
func (s *Service) envelope(msgType protocol.MessageType, transferID, destAccountID string, amount int64) protocol.Envelope {
	env := protocol.Envelope{
		Type:                 msgType,
		TransferID:           transferID,
		Sender:               s.swift,
		Nonce:                uuid.NewString(),
		DestinationAccountID: destAccountID,
		Amount:               amount,
	}
	env.Signature = s.signer.Sign(env.SigningPayload(), env.Nonce, env.TransferID)
	return env
}

func (s *Service) notifyOutcome(ctx context.Context, transfer ledger.Transfer) {
	if s.notifier == nil {
		return
	}
	kind := notification.KindTransferAborted
	if transfer.Status == ledger.StatusCommitted {
		kind = notification.KindTransferCommitted
	}
	_ = s.notifier.Send(ctx, notification.Message{
		Kind:       kind,
		TransferID: transfer.ID,
		Body:       fmt.Sprintf("transfer of %d to %s is %s", transfer.Amount, transfer.DestinationSWIFT, transfer.Status),
	})
}
