// Package participant implements the destination side of the transfer
// protocol: inbound Prepare/Commit/Abort/Query handling with signature
// verification, replay protection and reservation expiry.
package participant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/banknet/banknet/internal/discovery"
	"github.com/banknet/banknet/internal/identity"
	"github.com/banknet/banknet/internal/ledger"
	"github.com/banknet/banknet/internal/protocol"
)

var (
	// ErrBadSignature indicates a message whose signature does not verify
	// against the sender's registered public key. Hard reject, no state
	// change.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrUnknownSender indicates a sender the registry does not know.
	ErrUnknownSender = errors.New("unknown sender")

	// ErrReplay indicates a previously-seen (sender, transfer id, nonce)
	// triple carrying a different payload.
	ErrReplay = errors.New("replayed message")
)

// Service handles inbound protocol messages for this instance.
type Service struct {
	store          ledger.Store
	replay         ReplayStore
	resolver       discovery.Resolver
	reservationTTL time.Duration
	logger         *slog.Logger
}

// NewService constructs a participant service.
func NewService(store ledger.Store, replay ReplayStore, resolver discovery.Resolver, reservationTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		replay:         replay,
		resolver:       resolver,
		reservationTTL: reservationTTL,
		logger:         logger,
	}
}

// Handle authenticates and dispatches one inbound message. A returned error
// means the message was discarded (signature or replay failure); protocol
// refusals travel inside the Response as NACK.
func (s *Service) Handle(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	if err := env.Validate(); err != nil {
		return protocol.Response{}, err
	}

	sender, err := s.resolver.Resolve(ctx, env.Sender)
	if err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			s.logger.Warn("message from unregistered sender discarded",
				"sender", env.Sender, "transfer_id", env.TransferID)
			return protocol.Response{}, ErrUnknownSender
		}
		return protocol.Response{}, err
	}

	if !identity.Verify(sender.PublicKey, env.SigningPayload(), env.Nonce, env.TransferID, env.Signature) {
		s.logger.Warn("signature verification failed, message discarded",
			"sender", env.Sender, "transfer_id", env.TransferID, "type", env.Type)
		return protocol.Response{}, ErrBadSignature
	}

	// Query carries no side effects, so it skips replay bookkeeping.
	if env.Type != protocol.TypeQuery {
		mark, err := s.replay.Mark(ctx, env.Sender, env.TransferID, env.Nonce, env.Digest())
		if err != nil {
			return protocol.Response{}, err
		}
		if mark == MarkReplay {
			s.logger.Warn("replayed message discarded",
				"sender", env.Sender, "transfer_id", env.TransferID, "nonce", env.Nonce)
			return protocol.Response{}, ErrReplay
		}
		// MarkDuplicate falls through: every handler below is idempotent by
		// transfer id and will reproduce the recorded response.
	}

	switch env.Type {
	case protocol.TypePrepare:
		return s.handlePrepare(ctx, env)
	case protocol.TypeCommit:
		return s.handleCommit(ctx, env)
	case protocol.TypeAbort:
		return s.handleAbort(ctx, env)
	default:
		return s.handleQuery(ctx, env)
	}
}

func (s *Service) handlePrepare(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	if decision, err := s.store.GetDecision(ctx, env.TransferID); err == nil {
		return responseFromDecision(decision), nil
	} else if !errors.Is(err, ledger.ErrDecisionNotFound) {
		return protocol.Response{}, err
	}

	if env.Amount <= 0 || env.DestinationAccountID == "" {
		return s.refuse(ctx, env.TransferID, protocol.StateNone, "malformed prepare payload")
	}

	account, err := s.store.GetAccount(ctx, env.DestinationAccountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return s.refuse(ctx, env.TransferID, protocol.StateNone, "unknown destination account")
		}
		return protocol.Response{}, err
	}
	if account.State != ledger.AccountStateActive {
		return s.refuse(ctx, env.TransferID, protocol.StateNone, "destination account not active")
	}

	expiresAt := time.Now().Add(s.reservationTTL)
	err = s.store.ReserveCredit(ctx, env.TransferID, env.DestinationAccountID, env.Amount, expiresAt)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateReservation) {
		return protocol.Response{}, err
	}

	decision := ledger.Decision{
		TransferID: env.TransferID,
		State:      protocol.StateReserved,
		Result:     protocol.ResultAck,
	}
	if err := s.store.SaveDecision(ctx, decision); err != nil {
		return protocol.Response{}, err
	}

	s.logger.Info("reservation created",
		"transfer_id", env.TransferID, "account", env.DestinationAccountID, "amount", env.Amount)
	return responseFromDecision(decision), nil
}

func (s *Service) handleCommit(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	if decision, err := s.store.GetDecision(ctx, env.TransferID); err == nil {
		switch decision.State {
		case protocol.StateApplied:
			return responseFromDecision(decision), nil
		case protocol.StateReserved:
		default:
			// Released, or a refused prepare: nothing left to apply.
			return s.refuse(ctx, env.TransferID, decision.State, "no reservation to commit")
		}
	} else if !errors.Is(err, ledger.ErrDecisionNotFound) {
		return protocol.Response{}, err
	}

	err := s.store.ApplyCredit(ctx, env.TransferID)
	if err != nil {
		if errors.Is(err, ledger.ErrReservationNotFound) {
			// A concurrent duplicate may have applied the credit between the
			// decision read and here; answer with its recorded decision.
			if decision, derr := s.store.GetDecision(ctx, env.TransferID); derr == nil && decision.State == protocol.StateApplied {
				return responseFromDecision(decision), nil
			}
			// Reservation expired or never existed: fail safe, never apply.
			return s.refuse(ctx, env.TransferID, protocol.StateReleased, "reservation expired or absent")
		}
		return protocol.Response{}, err
	}

	decision := ledger.Decision{
		TransferID: env.TransferID,
		State:      protocol.StateApplied,
		Result:     protocol.ResultAck,
	}
	if err := s.store.SaveDecision(ctx, decision); err != nil {
		return protocol.Response{}, err
	}

	s.logger.Info("credit applied", "transfer_id", env.TransferID)
	return responseFromDecision(decision), nil
}

func (s *Service) handleAbort(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	if decision, err := s.store.GetDecision(ctx, env.TransferID); err == nil && decision.State == protocol.StateApplied {
		// The credit is already applied; an abort notice cannot undo it.
		return responseFromDecision(decision), nil
	} else if err != nil && !errors.Is(err, ledger.ErrDecisionNotFound) {
		return protocol.Response{}, err
	}

	if err := s.store.ReleaseReservation(ctx, env.TransferID); err != nil {
		return protocol.Response{}, err
	}

	decision := ledger.Decision{
		TransferID: env.TransferID,
		State:      protocol.StateReleased,
		Result:     protocol.ResultAck,
	}
	if err := s.store.SaveDecision(ctx, decision); err != nil {
		return protocol.Response{}, err
	}

	s.logger.Info("reservation released", "transfer_id", env.TransferID)
	return responseFromDecision(decision), nil
}

func (s *Service) handleQuery(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	decision, err := s.store.GetDecision(ctx, env.TransferID)
	if err != nil {
		if errors.Is(err, ledger.ErrDecisionNotFound) {
			return protocol.Response{
				Result:     protocol.ResultAck,
				TransferID: env.TransferID,
				State:      protocol.StateNone,
			}, nil
		}
		return protocol.Response{}, err
	}
	return protocol.Response{
		Result:     protocol.ResultAck,
		TransferID: env.TransferID,
		State:      decision.State,
	}, nil
}

// refuse records a NACK decision so duplicates of the refused message get the
// same answer, then returns it.
func (s *Service) refuse(ctx context.Context, transferID string, state protocol.DecisionState, reason string) (protocol.Response, error) {
	decision := ledger.Decision{
		TransferID: transferID,
		State:      state,
		Result:     protocol.ResultNack,
		Reason:     reason,
	}
	if err := s.store.SaveDecision(ctx, decision); err != nil {
		return protocol.Response{}, err
	}
	return responseFromDecision(decision), nil
}

func responseFromDecision(decision ledger.Decision) protocol.Response {
	return protocol.Response{
		Result:     decision.Result,
		TransferID: decision.TransferID,
		State:      decision.State,
		Reason:     decision.Reason,
	}
}
