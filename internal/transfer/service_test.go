package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/banknet/banknet/internal/discovery"
	"github.com/banknet/banknet/internal/identity"
	"github.com/banknet/banknet/internal/ledger"
	"github.com/banknet/banknet/internal/logging"
	"github.com/banknet/banknet/internal/notification"
	"github.com/banknet/banknet/internal/participant"
	"github.com/banknet/banknet/internal/protocol"
)

const (
	originSWIFT = "ORIGCG22"
	destSWIFT   = "DESTCG22"
)

type testNotifier struct {
	mu   sync.Mutex
	last notification.Message
}

func (n *testNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.last = msg
	return nil
}

func (n *testNotifier) lastKind() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last.Kind
}

// loopbackClient delivers messages straight to an in-process participant,
// standing in for the HTTP transport. dropCommitResponses simulates a network
// that delivers Commit but loses the reply; commitDelivered/commitGate let a
// test act in the window between a Commit landing and its reply arriving.
type loopbackClient struct {
	dest *participant.Service

	mu                  sync.Mutex
	calls               []protocol.MessageType
	dropCommitResponses bool

	commitDelivered chan struct{}
	deliveredClosed bool
	commitGate      chan struct{}
}

func (c *loopbackClient) Send(ctx context.Context, _ string, env protocol.Envelope) (protocol.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, env.Type)
	drop := c.dropCommitResponses && env.Type == protocol.TypeCommit
	c.mu.Unlock()

	resp, err := c.dest.Handle(ctx, env)
	if err != nil {
		return protocol.Response{}, err
	}
	if env.Type == protocol.TypeCommit {
		c.mu.Lock()
		if c.commitDelivered != nil && !c.deliveredClosed {
			c.deliveredClosed = true
			close(c.commitDelivered)
		}
		gate := c.commitGate
		c.mu.Unlock()
		if gate != nil {
			<-gate
		}
	}
	if drop {
		return protocol.Response{}, errors.New("response lost")
	}
	return resp, nil
}

func (c *loopbackClient) callCount(msgType protocol.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, call := range c.calls {
		if call == msgType {
			n++
		}
	}
	return n
}

// failingClient never reaches the destination.
type failingClient struct {
	mu    sync.Mutex
	calls []protocol.MessageType
}

func (c *failingClient) Send(_ context.Context, _ string, env protocol.Envelope) (protocol.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, env.Type)
	c.mu.Unlock()
	return protocol.Response{}, errors.New("connection refused")
}

type network struct {
	svc         *Service
	originStore *ledger.MemoryStore
	destStore   *ledger.MemoryStore
	client      *loopbackClient
	notifier    *testNotifier
}

// newNetwork wires an origin coordinator and a destination participant over a
// loopback transport.
func newNetwork(t *testing.T) *network {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	originStore := ledger.NewMemoryStore()
	destStore := ledger.NewMemoryStore()
	ctx := context.Background()
	if err := originStore.CreateAccount(ctx, ledger.Account{
		ID: "acct-src", Number: "1111", Owner: "Origin Owner",
		State: ledger.AccountStateActive, Balance: 10_000,
	}); err != nil {
		t.Fatalf("create source account: %v", err)
	}
	if err := destStore.CreateAccount(ctx, ledger.Account{
		ID: "acct-dst", Number: "2222", Owner: "Destination Owner",
		State: ledger.AccountStateActive, Balance: 0,
	}); err != nil {
		t.Fatalf("create destination account: %v", err)
	}

	resolver := discovery.StaticResolver{
		originSWIFT: {Record: discovery.Record{SWIFT: originSWIFT}, PublicKey: kp.Public},
		destSWIFT:   {Record: discovery.Record{SWIFT: destSWIFT, Address: "http://dest.local"}, PublicKey: kp.Public},
	}

	destSvc := participant.NewService(destStore, participant.NewMemoryReplayStore(), resolver, time.Minute, logging.Discard())
	client := &loopbackClient{dest: destSvc}
	notifier := &testNotifier{}

	svc := NewService(originSWIFT, originStore, identity.NewSigner(kp), resolver, client, notifier,
		Options{SendTimeout: time.Second, RetryBudget: 2, ReservationTTL: time.Minute}, logging.Discard())

	return &network{svc: svc, originStore: originStore, destStore: destStore, client: client, notifier: notifier}
}

func (n *network) balances(t *testing.T) (origin, dest int64) {
	t.Helper()
	src, err := n.originStore.GetAccount(context.Background(), "acct-src")
	if err != nil {
		t.Fatalf("get source account: %v", err)
	}
	dst, err := n.destStore.GetAccount(context.Background(), "acct-dst")
	if err != nil {
		t.Fatalf("get destination account: %v", err)
	}
	return src.Balance, dst.Balance
}

func input(amount int64) InitiateInput {
	return InitiateInput{
		TransferID:           uuid.NewString(),
		SourceAccountID:      "acct-src",
		DestinationSWIFT:     destSWIFT,
		DestinationAccountID: "acct-dst",
		Amount:               amount,
	}
}

func TestInitiateCommitsTransfer(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	transfer, err := n.svc.Initiate(ctx, input(1_500))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if transfer.Status != ledger.StatusCommitted {
		t.Fatalf("expected COMMITTED, got %s", transfer.Status)
	}

	origin, dest := n.balances(t)
	if origin != 8_500 || dest != 1_500 {
		t.Fatalf("unexpected balances: origin=%d dest=%d", origin, dest)
	}
	if origin+dest != 10_000 {
		t.Fatalf("funds not conserved: total=%d", origin+dest)
	}
	if n.notifier.lastKind() != notification.KindTransferCommitted {
		t.Fatalf("expected a committed notification, got %q", n.notifier.lastKind())
	}
}

func TestHalfBalanceTransferScenario(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()
	ledger.SeedBalance(n.originStore, "acct-src", 1_000)

	transfer, err := n.svc.Initiate(ctx, input(500))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if transfer.Status != ledger.StatusCommitted {
		t.Fatalf("expected COMMITTED, got %s", transfer.Status)
	}

	origin, dest := n.balances(t)
	if origin != 500 || dest != 500 {
		t.Fatalf("expected 500/500, got origin=%d dest=%d", origin, dest)
	}
}

func TestInitiateIsIdempotentByTransferID(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	in := input(1_000)
	first, err := n.svc.Initiate(ctx, in)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	prepares := n.client.callCount(protocol.TypePrepare)

	second, err := n.svc.Initiate(ctx, in)
	if err != nil {
		t.Fatalf("repeated initiate: %v", err)
	}
	if second.Status != first.Status || second.ID != first.ID {
		t.Fatalf("repeated initiate returned a different record: %+v", second)
	}
	if n.client.callCount(protocol.TypePrepare) != prepares {
		t.Fatalf("repeated initiate must not start a second protocol run")
	}

	origin, dest := n.balances(t)
	if origin != 9_000 || dest != 1_000 {
		t.Fatalf("funds moved twice: origin=%d dest=%d", origin, dest)
	}
}

func TestInitiateInsufficientFundsAbortsLocally(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	transfer, err := n.svc.Initiate(ctx, input(50_000))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if transfer.Status != ledger.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", transfer.Status)
	}
	if len(n.client.calls) != 0 {
		t.Fatalf("insufficient funds must abort before any network call, got %v", n.client.calls)
	}
	if n.notifier.lastKind() != notification.KindTransferAborted {
		t.Fatalf("expected an aborted notification")
	}
}

func TestInitiateValidation(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   InitiateInput
	}{
		{"non-positive amount", InitiateInput{TransferID: uuid.NewString(), SourceAccountID: "acct-src", DestinationSWIFT: destSWIFT, DestinationAccountID: "acct-dst", Amount: 0}},
		{"missing source", InitiateInput{TransferID: uuid.NewString(), DestinationSWIFT: destSWIFT, DestinationAccountID: "acct-dst", Amount: 10}},
		{"missing destination swift", InitiateInput{TransferID: uuid.NewString(), SourceAccountID: "acct-src", DestinationAccountID: "acct-dst", Amount: 10}},
		{"malformed transfer id", InitiateInput{TransferID: "not-a-uuid", SourceAccountID: "acct-src", DestinationSWIFT: destSWIFT, DestinationAccountID: "acct-dst", Amount: 10}},
		{"unknown source account", InitiateInput{TransferID: uuid.NewString(), SourceAccountID: "acct-nope", DestinationSWIFT: destSWIFT, DestinationAccountID: "acct-dst", Amount: 10}},
	}
	for _, tc := range cases {
		if _, err := n.svc.Initiate(ctx, tc.in); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	if len(n.client.calls) != 0 {
		t.Fatalf("validation failures must not reach the network, got %v", n.client.calls)
	}
}

func TestUnresolvableDestinationAborts(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	in := input(500)
	in.DestinationSWIFT = "GHOSTBNK"
	transfer, err := n.svc.Initiate(ctx, in)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if transfer.Status != ledger.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", transfer.Status)
	}
	if len(n.client.calls) != 0 {
		t.Fatalf("unresolvable destination must not reach the network, got %v", n.client.calls)
	}

	origin, _ := n.balances(t)
	if origin != 10_000 {
		t.Fatalf("hold must be released after abort, origin=%d", origin)
	}
}

func TestPrepareRefusalAborts(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	// The destination refuses prepare for an account it does not host.
	in := input(500)
	in.DestinationAccountID = "acct-unknown"
	transfer, err := n.svc.Initiate(ctx, in)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if transfer.Status != ledger.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", transfer.Status)
	}

	origin, dest := n.balances(t)
	if origin != 10_000 || dest != 0 {
		t.Fatalf("refused prepare must move no funds: origin=%d dest=%d", origin, dest)
	}
}

func TestUnreachableDestinationAbortsAfterRetries(t *testing.T) {
	kp, _ := identity.Generate()
	originStore := ledger.NewMemoryStore()
	ctx := context.Background()
	originStore.CreateAccount(ctx, ledger.Account{
		ID: "acct-src", State: ledger.AccountStateActive, Balance: 10_000,
	})
	resolver := discovery.StaticResolver{
		destSWIFT: {Record: discovery.Record{SWIFT: destSWIFT, Address: "http://dest.local"}, PublicKey: kp.Public},
	}
	client := &failingClient{}
	svc := NewService(originSWIFT, originStore, identity.NewSigner(kp), resolver, client, nil,
		Options{SendTimeout: 50 * time.Millisecond, RetryBudget: 2, ReservationTTL: time.Minute}, logging.Discard())

	transfer, err := svc.Initiate(ctx, input(500))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if transfer.Status != ledger.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", transfer.Status)
	}

	var prepares int
	for _, call := range client.calls {
		if call == protocol.TypePrepare {
			prepares++
		}
	}
	if prepares != 3 {
		t.Fatalf("expected 3 prepare attempts (budget 2), got %d", prepares)
	}

	account, _ := originStore.GetAccount(ctx, "acct-src")
	if account.Balance != 10_000 {
		t.Fatalf("hold must be released after abort, balance=%d", account.Balance)
	}
}

func TestLostCommitResponseResolvedViaQuery(t *testing.T) {
	n := newNetwork(t)
	n.client.dropCommitResponses = true
	ctx := context.Background()

	transfer, err := n.svc.Initiate(ctx, input(2_000))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if transfer.Status != ledger.StatusCommitted {
		t.Fatalf("expected COMMITTED after query resolution, got %s", transfer.Status)
	}
	if n.client.callCount(protocol.TypeQuery) == 0 {
		t.Fatalf("expected the ambiguity to be resolved via query")
	}

	origin, dest := n.balances(t)
	if origin != 8_000 || dest != 2_000 {
		t.Fatalf("credit must apply exactly once: origin=%d dest=%d", origin, dest)
	}
}

func TestCancelBeforeProtocolAborts(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	// An INITIATED transfer whose protocol run never started.
	id := uuid.NewString()
	if _, err := n.originStore.CreateTransfer(ctx, ledger.Transfer{
		ID: id, OriginSWIFT: originSWIFT, DestinationSWIFT: destSWIFT,
		SourceAccountID: "acct-src", DestinationAccountID: "acct-dst",
		Amount: 500, Status: ledger.StatusInitiated,
	}); err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	if err := n.originStore.HoldFunds(ctx, id, "acct-src", 500, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("hold funds: %v", err)
	}

	transfer, err := n.svc.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if transfer.Status != ledger.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", transfer.Status)
	}

	origin, _ := n.balances(t)
	if origin != 10_000 {
		t.Fatalf("hold must be released on cancel, origin=%d", origin)
	}
}

func TestCancelDuringCommitFailsOverToSettle(t *testing.T) {
	n := newNetwork(t)
	n.client.commitDelivered = make(chan struct{})
	n.client.commitGate = make(chan struct{})
	ctx := context.Background()

	in := input(2_000)
	done := make(chan struct{})
	var final ledger.Transfer
	var initErr error
	go func() {
		defer close(done)
		final, initErr = n.svc.Initiate(ctx, in)
	}()

	// The Commit has landed at the destination but its reply is still in
	// flight, so the coordinator's record still says PREPARED.
	<-n.client.commitDelivered

	canceled, err := n.svc.Cancel(ctx, in.TransferID)
	if !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("cancel racing a delivered commit must be refused, got %v", err)
	}
	if canceled.Status != ledger.StatusCommitted {
		t.Fatalf("refused cancel must settle the transfer, got %s", canceled.Status)
	}

	close(n.client.commitGate)
	<-done
	if initErr != nil {
		t.Fatalf("initiate: %v", initErr)
	}
	if final.Status != ledger.StatusCommitted {
		t.Fatalf("expected COMMITTED, got %s", final.Status)
	}

	origin, dest := n.balances(t)
	if origin != 8_000 || dest != 2_000 {
		t.Fatalf("unexpected balances: origin=%d dest=%d", origin, dest)
	}
	if origin+dest != 10_000 {
		t.Fatalf("funds not conserved: total=%d", origin+dest)
	}
}

func TestCancelPreparedReleasesBothSides(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	// A PREPARED transfer whose protocol run died before Commit.
	id := uuid.NewString()
	if _, err := n.originStore.CreateTransfer(ctx, ledger.Transfer{
		ID: id, OriginSWIFT: originSWIFT, DestinationSWIFT: destSWIFT,
		SourceAccountID: "acct-src", DestinationAccountID: "acct-dst",
		Amount: 500, Status: ledger.StatusPrepared,
	}); err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	if err := n.originStore.HoldFunds(ctx, id, "acct-src", 500, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("hold funds: %v", err)
	}
	if err := n.destStore.ReserveCredit(ctx, id, "acct-dst", 500, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("reserve credit: %v", err)
	}

	transfer, err := n.svc.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if transfer.Status != ledger.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", transfer.Status)
	}
	if n.client.callCount(protocol.TypeAbort) == 0 {
		t.Fatalf("cancel of a PREPARED transfer must tell the destination")
	}

	// The destination confirmed the release, so a late Commit is refused.
	decision, err := n.destStore.GetDecision(ctx, id)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if decision.State != protocol.StateReleased {
		t.Fatalf("expected a RELEASED decision, got %+v", decision)
	}
	if _, err := n.originStore.GetReservation(ctx, id, ledger.ReservationHold); !errors.Is(err, ledger.ErrReservationNotFound) {
		t.Fatalf("hold must be released on cancel, got %v", err)
	}

	origin, dest := n.balances(t)
	if origin != 10_000 || dest != 0 {
		t.Fatalf("cancel must move no funds: origin=%d dest=%d", origin, dest)
	}
}

func TestCancelPreparedUnreachableDestinationRefused(t *testing.T) {
	kp, _ := identity.Generate()
	originStore := ledger.NewMemoryStore()
	ctx := context.Background()
	originStore.CreateAccount(ctx, ledger.Account{
		ID: "acct-src", State: ledger.AccountStateActive, Balance: 10_000,
	})
	resolver := discovery.StaticResolver{
		destSWIFT: {Record: discovery.Record{SWIFT: destSWIFT, Address: "http://dest.local"}, PublicKey: kp.Public},
	}
	svc := NewService(originSWIFT, originStore, identity.NewSigner(kp), resolver, &failingClient{}, nil,
		Options{SendTimeout: 50 * time.Millisecond, RetryBudget: 1, ReservationTTL: time.Minute}, logging.Discard())

	id := uuid.NewString()
	if _, err := originStore.CreateTransfer(ctx, ledger.Transfer{
		ID: id, OriginSWIFT: originSWIFT, DestinationSWIFT: destSWIFT,
		SourceAccountID: "acct-src", DestinationAccountID: "acct-dst",
		Amount: 500, Status: ledger.StatusPrepared,
	}); err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	if err := originStore.HoldFunds(ctx, id, "acct-src", 500, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("hold funds: %v", err)
	}

	// Without the destination's word the credit may still apply, so the
	// hold must stay until the outcome is known.
	if _, err := svc.Cancel(ctx, id); err == nil {
		t.Fatalf("expected cancel to be refused while the destination is unreachable")
	}
	got, err := svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != ledger.StatusPrepared {
		t.Fatalf("refused cancel must leave the transfer PREPARED, got %s", got.Status)
	}
	if _, err := originStore.GetReservation(ctx, id, ledger.ReservationHold); err != nil {
		t.Fatalf("hold must survive a refused cancel: %v", err)
	}
}

func TestCancelTerminalTransferRefused(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	committed, err := n.svc.Initiate(ctx, input(500))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := n.svc.Cancel(ctx, committed.ID); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected not cancelable, got %v", err)
	}

	if _, err := n.svc.Cancel(ctx, uuid.NewString()); !errors.Is(err, ledger.ErrTransferNotFound) {
		t.Fatalf("expected transfer not found, got %v", err)
	}
}

func TestStatusReportsTransfer(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	committed, err := n.svc.Initiate(ctx, input(500))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	got, err := n.svc.Status(ctx, committed.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != ledger.StatusCommitted || got.Amount != 500 {
		t.Fatalf("unexpected status record: %+v", got)
	}
}
