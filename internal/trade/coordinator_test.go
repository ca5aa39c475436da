package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/escrow"
	"github.com/peertrade/settlement/internal/ledger"
	"github.com/peertrade/settlement/internal/notify"
)

// recordingDisputes captures dispute-open calls.
type recordingDisputes struct {
	mu      sync.Mutex
	opened  []string // tradeID
	raisers []string
	err     error
}

func (r *recordingDisputes) OpenDispute(_ context.Context, tradeID, raiserID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.opened = append(r.opened, tradeID)
	r.raisers = append(r.raisers, raiserID)
	return nil
}

type testEngine struct {
	coord    *Coordinator
	store    *MemoryStore
	offers   *MemoryOffers
	ledger   *ledger.Ledger
	disputes *recordingDisputes
}

const (
	seller = "alice"
	buyer  = "bob"
)

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	led := ledger.New(ledger.NewMemoryStore())
	if err := led.Deposit(context.Background(), seller, "1000", "seed"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	vault := escrow.NewVault(escrow.NewMemoryStore(), led)
	store := NewMemoryStore()
	offers := NewMemoryOffers()
	offers.Put(&Offer{
		ID:            "off_1",
		SellerID:      seller,
		Currency:      "USD",
		Price:         decimal.NewFromInt(1),
		MinAmount:     dec("10"),
		MaxAmount:     dec("500"),
		PaymentMethod: "bank_transfer",
		Active:        true,
	})

	disputes := &recordingDisputes{}
	coord := NewCoordinator(store, offers, vault, Deadlines{
		Payment:      15 * time.Minute,
		Confirmation: 24 * time.Hour,
	}).WithDisputes(disputes)

	return &testEngine{coord: coord, store: store, offers: offers, ledger: led, disputes: disputes}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (e *testEngine) create(t *testing.T) *Trade {
	t.Helper()
	tr, err := e.coord.Create(context.Background(), "off_1", buyer, "100")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tr
}

// backdate rewinds the trade's last transition so deadline gates open.
func (e *testEngine) backdate(t *testing.T, id string, by time.Duration) {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	tr, ok := e.store.trades[id]
	if !ok {
		t.Fatalf("backdate: trade %s not found", id)
	}
	tr.LastTransitionAt = tr.LastTransitionAt.Add(-by)
}

func (e *testEngine) balance(t *testing.T, userID string) *ledger.Balance {
	t.Helper()
	bal, err := e.ledger.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", userID, err)
	}
	return bal
}

func TestCreateHoldsEscrow(t *testing.T) {
	e := newTestEngine(t)
	tr := e.create(t)

	if tr.Status != StatusPending {
		t.Errorf("status = %s, want pending", tr.Status)
	}
	if tr.SellerID != seller || tr.BuyerID != buyer {
		t.Errorf("parties = %s/%s", tr.BuyerID, tr.SellerID)
	}
	if tr.EscrowID == "" {
		t.Error("trade has no escrow")
	}
	if tr.Version != 1 {
		t.Errorf("version = %d, want 1", tr.Version)
	}

	bal := e.balance(t, seller)
	if !bal.Available.Equal(dec("900")) || !bal.InOrder.Equal(dec("100")) {
		t.Errorf("seller balance = %s available / %s in order, want 900/100",
			bal.Available, bal.InOrder)
	}
}

func TestCreateRejections(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.offers.Put(&Offer{ID: "off_dead", SellerID: seller, MinAmount: dec("1"), MaxAmount: dec("10"), Active: false})

	cases := []struct {
		name    string
		offerID string
		buyerID string
		amount  string
		want    error
	}{
		{"unknown offer", "off_missing", buyer, "100", ErrOfferNotFound},
		{"inactive offer", "off_dead", buyer, "5", ErrOfferInactive},
		{"below minimum", "off_1", buyer, "5", ErrAmountOutOfRange},
		{"above maximum", "off_1", buyer, "600", ErrAmountOutOfRange},
		{"unparseable amount", "off_1", buyer, "abc", ErrAmountOutOfRange},
		{"negative amount", "off_1", buyer, "-100", ErrAmountOutOfRange},
		{"self trade", "off_1", seller, "100", ErrSelfTrade},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.coord.Create(ctx, tc.offerID, tc.buyerID, tc.amount); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	// No partial holds survive the rejections.
	bal := e.balance(t, seller)
	if !bal.Available.Equal(dec("1000")) || !bal.InOrder.Equal(dec("0")) {
		t.Errorf("seller balance after rejections = %s/%s, want 1000/0", bal.Available, bal.InOrder)
	}
}

func TestCreateInsufficientFunds(t *testing.T) {
	e := newTestEngine(t)
	e.offers.Put(&Offer{
		ID: "off_big", SellerID: seller,
		MinAmount: dec("10"), MaxAmount: dec("5000"), Active: true,
	})

	_, err := e.coord.Create(context.Background(), "off_big", buyer, "2000")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
}

// The cooperative happy path: hold, mark paid, release.
func TestHappyPathRelease(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	tr, err := e.coord.MarkPaid(ctx, tr.ID, buyer)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if tr.Status != StatusPaid {
		t.Fatalf("status = %s, want paid", tr.Status)
	}

	tr, err = e.coord.Release(ctx, tr.ID, seller)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if tr.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", tr.Status)
	}
	if tr.SettlementRef == "" {
		t.Error("completed trade has no settlement reference")
	}

	if bal := e.balance(t, buyer); !bal.Available.Equal(dec("100")) {
		t.Errorf("buyer available = %s, want 100", bal.Available)
	}
	sellerBal := e.balance(t, seller)
	if !sellerBal.Available.Equal(dec("900")) || !sellerBal.InOrder.Equal(dec("0")) {
		t.Errorf("seller balance = %s/%s, want 900/0", sellerBal.Available, sellerBal.InOrder)
	}
}

func TestCancelRefundsSeller(t *testing.T) {
	e := newTestEngine(t)
	tr := e.create(t)

	tr, err := e.coord.Cancel(context.Background(), tr.ID, buyer)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tr.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", tr.Status)
	}

	bal := e.balance(t, seller)
	if !bal.Available.Equal(dec("1000")) || !bal.InOrder.Equal(dec("0")) {
		t.Errorf("seller balance = %s/%s, want 1000/0", bal.Available, bal.InOrder)
	}
}

func TestRoleEnforcement(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	if _, err := e.coord.MarkPaid(ctx, tr.ID, seller); !errors.Is(err, ErrNotBuyer) {
		t.Errorf("seller MarkPaid: got %v, want ErrNotBuyer", err)
	}
	if _, err := e.coord.MarkPaid(ctx, tr.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger MarkPaid: got %v, want ErrNotParticipant", err)
	}
	if _, err := e.coord.Cancel(ctx, tr.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger Cancel: got %v, want ErrNotParticipant", err)
	}

	if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if _, err := e.coord.Release(ctx, tr.ID, buyer); !errors.Is(err, ErrNotSeller) {
		t.Errorf("buyer Release: got %v, want ErrNotSeller", err)
	}
}

func TestIllegalTransitions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	// Cannot release an unpaid trade.
	if _, err := e.coord.Release(ctx, tr.ID, seller); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("release pending: got %v, want ErrIllegalTransition", err)
	}

	if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	// Cannot cancel once paid, and cannot pay twice.
	if _, err := e.coord.Cancel(ctx, tr.ID, buyer); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("cancel paid: got %v, want ErrIllegalTransition", err)
	}
	if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("double MarkPaid: got %v, want ErrIllegalTransition", err)
	}

	// Terminal statuses accept nothing.
	if _, err := e.coord.Release(ctx, tr.ID, seller); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := e.coord.Release(ctx, tr.ID, seller); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("double Release: got %v, want ErrIllegalTransition", err)
	}
	if _, err := e.coord.Cancel(ctx, tr.ID, buyer); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("cancel completed: got %v, want ErrIllegalTransition", err)
	}
}

func TestOpenDisputeFromPaid(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	tr, err := e.coord.OpenDispute(ctx, tr.ID, buyer, "seller unresponsive")
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	if tr.Status != StatusDisputeOpen {
		t.Fatalf("status = %s, want dispute_open", tr.Status)
	}
	if len(e.disputes.opened) != 1 || e.disputes.opened[0] != tr.ID {
		t.Errorf("dispute record not created: %v", e.disputes.opened)
	}

	// Funds stay in escrow until the arbitrator rules.
	bal := e.balance(t, seller)
	if !bal.InOrder.Equal(dec("100")) {
		t.Errorf("seller in_order = %s, want 100", bal.InOrder)
	}
}

func TestOpenDisputePendingDeadlineGate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	// Before the payment deadline lapses a pending dispute is premature.
	if _, err := e.coord.OpenDispute(ctx, tr.ID, seller, "buyer vanished"); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("early dispute: got %v, want ErrDeadlineNotReached", err)
	}

	e.backdate(t, tr.ID, 16*time.Minute)

	tr2, err := e.coord.OpenDispute(ctx, tr.ID, seller, "buyer vanished")
	if err != nil {
		t.Fatalf("OpenDispute after deadline: %v", err)
	}
	if tr2.Status != StatusDisputeOpen {
		t.Fatalf("status = %s, want dispute_open", tr2.Status)
	}
}

func TestOpenDisputeFailureLeavesStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	e.disputes.err = errors.New("dispute store down")
	if _, err := e.coord.OpenDispute(ctx, tr.ID, buyer, "x"); err == nil {
		t.Fatal("expected error when dispute record fails")
	}

	got, err := e.coord.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPaid {
		t.Errorf("status = %s, want paid (unchanged)", got.Status)
	}
}

func TestForceTimeoutPending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	// Not yet overdue.
	if _, err := e.coord.ForceTimeout(ctx, tr.ID); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("premature timeout: got %v, want ErrDeadlineNotReached", err)
	}

	e.backdate(t, tr.ID, 16*time.Minute)

	tr2, err := e.coord.ForceTimeout(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ForceTimeout: %v", err)
	}
	if tr2.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", tr2.Status)
	}

	bal := e.balance(t, seller)
	if !bal.Available.Equal(dec("1000")) || !bal.InOrder.Equal(dec("0")) {
		t.Errorf("seller balance = %s/%s, want 1000/0", bal.Available, bal.InOrder)
	}

	// A second sweep of the same trade is a clean rejection.
	if _, err := e.coord.ForceTimeout(ctx, tr2.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("repeat timeout: got %v, want ErrIllegalTransition", err)
	}
}

func TestForceTimeoutPaidEscalatesToDispute(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	e.backdate(t, tr.ID, 25*time.Hour)

	tr2, err := e.coord.ForceTimeout(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ForceTimeout: %v", err)
	}
	if tr2.Status != StatusDisputeOpen {
		t.Fatalf("status = %s, want dispute_open", tr2.Status)
	}
	if len(e.disputes.raisers) != 1 || e.disputes.raisers[0] != SystemActor {
		t.Errorf("dispute raiser = %v, want system", e.disputes.raisers)
	}

	// Paid-trade timeout never moves money on its own.
	bal := e.balance(t, seller)
	if !bal.InOrder.Equal(dec("100")) {
		t.Errorf("seller in_order = %s, want 100", bal.InOrder)
	}
}

func TestFinalizeDisputeRelease(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	mustTransition(t, e, tr.ID, buyer)

	tr2, err := e.coord.FinalizeDispute(ctx, tr.ID, true)
	if err != nil {
		t.Fatalf("FinalizeDispute: %v", err)
	}
	if tr2.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", tr2.Status)
	}
	if bal := e.balance(t, buyer); !bal.Available.Equal(dec("100")) {
		t.Errorf("buyer available = %s, want 100", bal.Available)
	}
}

func TestFinalizeDisputeRefund(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	mustTransition(t, e, tr.ID, buyer)

	tr2, err := e.coord.FinalizeDispute(ctx, tr.ID, false)
	if err != nil {
		t.Fatalf("FinalizeDispute: %v", err)
	}
	if tr2.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", tr2.Status)
	}

	bal := e.balance(t, seller)
	if !bal.Available.Equal(dec("1000")) || !bal.InOrder.Equal(dec("0")) {
		t.Errorf("seller balance = %s/%s, want 1000/0", bal.Available, bal.InOrder)
	}
}

func TestReviewThenResolve(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	mustTransition(t, e, tr.ID, buyer)

	tr2, err := e.coord.ReviewDispute(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ReviewDispute: %v", err)
	}
	if tr2.Status != StatusEscrowReview {
		t.Fatalf("status = %s, want escrow_review", tr2.Status)
	}

	// Parties cannot act once the case is under review.
	if _, err := e.coord.Release(ctx, tr.ID, seller); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("release under review: got %v, want ErrIllegalTransition", err)
	}

	tr3, err := e.coord.FinalizeDispute(ctx, tr.ID, true)
	if err != nil {
		t.Fatalf("FinalizeDispute: %v", err)
	}
	if tr3.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", tr3.Status)
	}
}

// Concurrent settlement attempts against the same trade: exactly one wins the
// version swap and exactly one transfer happens.
func TestConcurrentRelease(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.coord.Release(ctx, tr.ID, seller)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrIllegalTransition) && !errors.Is(err, ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	// The buyer was credited exactly once.
	if bal := e.balance(t, buyer); !bal.Available.Equal(dec("100")) {
		t.Errorf("buyer available = %s, want 100", bal.Available)
	}
}

func TestMessages(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	if _, err := e.coord.AppendMessage(ctx, tr.ID, "mallory", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger message: got %v, want ErrNotParticipant", err)
	}

	if _, err := e.coord.AppendMessage(ctx, tr.ID, buyer, "payment sent, ref 991"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := e.coord.AppendMessage(ctx, tr.ID, seller, "checking now"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := e.coord.ListMessages(ctx, tr.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].AuthorID != buyer || msgs[1].AuthorID != seller {
		t.Errorf("message order wrong: %s then %s", msgs[0].AuthorID, msgs[1].AuthorID)
	}
}

func TestListByUser(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tr := e.create(t)

	for _, userID := range []string{buyer, seller} {
		trades, err := e.coord.ListByUser(ctx, userID, 0)
		if err != nil {
			t.Fatalf("ListByUser(%s): %v", userID, err)
		}
		if len(trades) != 1 || trades[0].ID != tr.ID {
			t.Errorf("ListByUser(%s) = %d trades", userID, len(trades))
		}
	}

	trades, err := e.coord.ListByUser(ctx, "mallory", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("stranger sees %d trades", len(trades))
	}
}

// mustTransition drives a freshly created trade to paid and then into
// dispute_open.
func mustTransition(t *testing.T, e *testEngine, tradeID, actor string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.coord.MarkPaid(ctx, tradeID, actor); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if _, err := e.coord.OpenDispute(ctx, tradeID, actor, "goods not delivered"); err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
}

// recordingNotifier captures emitted events in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Emit(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) has(eventType notify.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// Every settlement outcome reports both the trade event and the matching
// escrow event.
func TestSettlementEmitsEscrowEvents(t *testing.T) {
	e := newTestEngine(t)
	n := &recordingNotifier{}
	e.coord.WithNotifier(n)
	ctx := context.Background()

	tr := e.create(t)
	if !n.has(notify.EventEscrowHeld) {
		t.Error("create did not emit escrow.held")
	}

	if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if _, err := e.coord.Release(ctx, tr.ID, seller); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !n.has(notify.EventTradeCompleted) || !n.has(notify.EventEscrowReleased) {
		t.Error("release did not emit trade.completed + escrow.released")
	}
	if n.has(notify.EventEscrowRefunded) {
		t.Error("released trade emitted escrow.refunded")
	}

	tr2 := e.create(t)
	if _, err := e.coord.Cancel(ctx, tr2.ID, buyer); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !n.has(notify.EventTradeCancelled) || !n.has(notify.EventEscrowRefunded) {
		t.Error("cancel did not emit trade.cancelled + escrow.refunded")
	}
}

// An overdue paid trade where the seller's release races the timeout sweep:
// exactly one side wins the version swap, and money moves at most once.
func TestReleaseRacesForceTimeout(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		e := newTestEngine(t)
		tr := e.create(t)
		if _, err := e.coord.MarkPaid(ctx, tr.ID, buyer); err != nil {
			t.Fatalf("MarkPaid: %v", err)
		}
		e.backdate(t, tr.ID, 25*time.Hour)

		start := make(chan struct{})
		var wg sync.WaitGroup
		var releaseErr, timeoutErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, releaseErr = e.coord.Release(ctx, tr.ID, seller)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, timeoutErr = e.coord.ForceTimeout(ctx, tr.ID)
		}()
		close(start)
		wg.Wait()

		got, err := e.coord.Get(ctx, tr.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}

		switch {
		case releaseErr == nil && timeoutErr != nil:
			if got.Status != StatusCompleted {
				t.Fatalf("release won but status = %s", got.Status)
			}
			if bal := e.balance(t, buyer); !bal.Available.Equal(dec("100")) {
				t.Fatalf("buyer available = %s, want 100", bal.Available)
			}
			if len(e.disputes.opened) != 0 {
				t.Fatalf("losing timeout still opened a dispute")
			}
		case timeoutErr == nil && releaseErr != nil:
			if got.Status != StatusDisputeOpen {
				t.Fatalf("timeout won but status = %s", got.Status)
			}
			// Escalation never moves money on its own.
			bal := e.balance(t, seller)
			if !bal.InOrder.Equal(dec("100")) {
				t.Fatalf("seller in_order = %s, want 100", bal.InOrder)
			}
			if len(e.disputes.opened) != 1 {
				t.Fatalf("dispute records = %d, want 1", len(e.disputes.opened))
			}
		default:
			t.Fatalf("want exactly one winner: release=%v timeout=%v", releaseErr, timeoutErr)
		}

		for _, errLost := range []error{releaseErr, timeoutErr} {
			if errLost != nil && !errors.Is(errLost, ErrIllegalTransition) && !errors.Is(errLost, ErrConflict) {
				t.Fatalf("loser error = %v", errLost)
			}
		}
	}
}
