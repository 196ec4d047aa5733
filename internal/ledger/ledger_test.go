package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/prestasur/synccore/internal/domain"
	"github.com/prestasur/synccore/internal/ledger"
	"github.com/prestasur/synccore/internal/money"
	"github.com/prestasur/synccore/internal/store"
)

func newLedger(t *testing.T) (*ledger.Ledger, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), "user-1", store.Options{
		Dir:     t.TempDir(),
		AppSalt: []byte("test-salt"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l := ledger.New(s, zap.NewNop())
	t.Cleanup(func() {
		l.Close()
		s.Close()
	})
	return l, s
}

func seedCredit(t *testing.T, s *store.Store, id string, balance string) *domain.Credit {
	t.Helper()
	c := &domain.Credit{
		ID:                 id,
		ClientID:           "client-1",
		Principal:          money.MustParse(balance),
		OutstandingBalance: money.MustParse(balance),
		State:              domain.StateActive,
	}
	if err := s.PutCredit(context.Background(), c, store.OriginRemote); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	return c
}

func TestRecord_ChainsBalances(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()

	m1, err := l.Record(ctx, "reg-1", domain.Inflow, money.MustParse("100.00"), "opening float", "op-1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if m1.BalanceBefore.String() != "0.00" || m1.BalanceAfter.String() != "100.00" {
		t.Errorf("first movement chain: %s -> %s", m1.BalanceBefore, m1.BalanceAfter)
	}

	m2, err := l.Record(ctx, "reg-1", domain.Outflow, money.MustParse("40.00"), "loan disbursed", "op-1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if m2.BalanceBefore.String() != "100.00" || m2.BalanceAfter.String() != "60.00" {
		t.Errorf("second movement chain: %s -> %s", m2.BalanceBefore, m2.BalanceAfter)
	}

	balance, err := l.Balance(ctx, "reg-1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.String() != "60.00" {
		t.Errorf("balance = %s, want 60.00", balance)
	}

	movements, _ := s.MovementsByRegister(ctx, "reg-1")
	if bad := ledger.VerifyChain(movements); bad != "" {
		t.Errorf("chain violated at movement %s", bad)
	}
}

func TestReverse_PairsAndCancels(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()

	orig, err := l.Record(ctx, "reg-1", domain.Inflow, money.MustParse("250.00"), "payment", "op-1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	rev, err := l.Reverse(ctx, orig.ID, "keyed wrong amount", "op-1")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}

	if rev.Direction != domain.Outflow || rev.ReversalOfID != orig.ID {
		t.Errorf("reversal not mirrored: %+v", rev)
	}
	got, _ := s.GetMovement(ctx, orig.ID)
	if got.ReversedByID != rev.ID {
		t.Errorf("original not flagged, reversed_by_id=%q", got.ReversedByID)
	}

	// The pair cancels in the fold; both records survive.
	balance, _ := l.Balance(ctx, "reg-1")
	if !balance.IsZero() {
		t.Errorf("balance after reversal = %s, want 0.00", balance)
	}
	movements, _ := s.MovementsByRegister(ctx, "reg-1")
	if len(movements) != 2 {
		t.Errorf("expected both entries retained, got %d", len(movements))
	}

	// Double reversal and reversing a reversal are both refused.
	if _, err := l.Reverse(ctx, orig.ID, "again", "op-1"); err == nil {
		t.Error("second reversal must fail")
	}
	if _, err := l.Reverse(ctx, rev.ID, "undo the undo", "op-1"); err == nil {
		t.Error("reversing a reversal must fail")
	}
}

func TestRecord_ChainsPastReplicatedMovements(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()

	if _, err := l.Record(ctx, "reg-1", domain.Inflow, money.MustParse("100.00"), "opening float", "op-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Prime the cache.
	if _, err := l.Balance(ctx, "reg-1"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	// Replication lands a movement from another device.
	remote := &domain.CashMovement{
		ID: "m-remote", RegisterID: "reg-1", Direction: domain.Inflow,
		Amount:        money.MustParse("50.00"),
		BalanceBefore: money.MustParse("100.00"),
		BalanceAfter:  money.MustParse("150.00"),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.PutMovement(ctx, remote, store.OriginRemote); err != nil {
		t.Fatalf("PutMovement: %v", err)
	}

	// The next local movement must chain off the fold, not the cached 100.
	m, err := l.Record(ctx, "reg-1", domain.Outflow, money.MustParse("20.00"), "", "op-1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if m.BalanceBefore.String() != "150.00" {
		t.Errorf("BalanceBefore = %s, want 150.00 from the fold", m.BalanceBefore)
	}

	movements, _ := s.MovementsByRegister(ctx, "reg-1")
	if bad := ledger.VerifyChain(movements); bad != "" {
		t.Errorf("chain violated at movement %s", bad)
	}
}

func TestBalance_InvalidatedByReplicatedMovement(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()

	if _, err := l.Record(ctx, "reg-1", domain.Inflow, money.MustParse("100.00"), "", "op-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := l.Balance(ctx, "reg-1"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	remote := &domain.CashMovement{
		ID: "m-remote", RegisterID: "reg-1", Direction: domain.Inflow,
		Amount:        money.MustParse("50.00"),
		BalanceBefore: money.MustParse("100.00"),
		BalanceAfter:  money.MustParse("150.00"),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.PutMovement(ctx, remote, store.OriginRemote); err != nil {
		t.Fatalf("PutMovement: %v", err)
	}

	// The event watcher drops the cached entry; poll until it has.
	deadline := time.Now().Add(2 * time.Second)
	for {
		balance, err := l.Balance(ctx, "reg-1")
		if err != nil {
			t.Fatalf("Balance: %v", err)
		}
		if balance.String() == "150.00" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("balance still stale at %s after remote movement", balance)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconcile_PrefersFold(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	if _, err := l.Record(ctx, "reg-1", domain.Inflow, money.MustParse("75.50"), "", "op-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	actual, err := l.Reconcile(ctx, "reg-1", money.MustParse("99.99"))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if actual.String() != "75.50" {
		t.Errorf("Reconcile returned %s, want the fold value 75.50", actual)
	}
}

func TestVerifyChain_DetectsBreak(t *testing.T) {
	good := []*domain.CashMovement{
		{ID: "m-1", Direction: domain.Inflow, Amount: money.MustParse("10.00"),
			BalanceBefore: money.Zero, BalanceAfter: money.MustParse("10.00")},
		{ID: "m-2", Direction: domain.Outflow, Amount: money.MustParse("4.00"),
			BalanceBefore: money.MustParse("10.00"), BalanceAfter: money.MustParse("6.00")},
	}
	if bad := ledger.VerifyChain(good); bad != "" {
		t.Errorf("valid chain flagged at %s", bad)
	}

	broken := []*domain.CashMovement{
		good[0],
		{ID: "m-2", Direction: domain.Outflow, Amount: money.MustParse("4.00"),
			BalanceBefore: money.MustParse("11.00"), BalanceAfter: money.MustParse("7.00")},
	}
	if bad := ledger.VerifyChain(broken); bad != "m-2" {
		t.Errorf("break detected at %q, want m-2", bad)
	}
}

func TestRecordPayment_SettlesCredit(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seedCredit(t, s, "cr-1", "500.00")

	p, err := l.RecordPayment(ctx, &domain.Payment{
		CreditID:   "cr-1",
		Amount:     money.MustParse("500.00"),
		Kind:       domain.PaymentRedemption,
		RegisterID: "reg-1",
	})
	if err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if p.ID == "" {
		t.Error("payment id not assigned")
	}

	credit, _ := s.GetCredit(ctx, "cr-1")
	if !credit.OutstandingBalance.IsZero() {
		t.Errorf("outstanding balance = %s, want 0.00", credit.OutstandingBalance)
	}
	if credit.State != domain.StatePaid {
		t.Errorf("state = %s, want paid", credit.State)
	}

	// The register saw the matching inflow.
	balance, _ := l.Balance(ctx, "reg-1")
	if balance.String() != "500.00" {
		t.Errorf("register balance = %s, want 500.00", balance)
	}
}

func TestRecordPayment_InterestKeepsBalance(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seedCredit(t, s, "cr-1", "500.00")

	if _, err := l.RecordPayment(ctx, &domain.Payment{
		CreditID: "cr-1",
		Amount:   money.MustParse("17.50"),
		Kind:     domain.PaymentInterest,
	}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	credit, _ := s.GetCredit(ctx, "cr-1")
	if credit.OutstandingBalance.String() != "500.00" {
		t.Errorf("interest must not reduce principal, balance = %s", credit.OutstandingBalance)
	}
	if credit.State != domain.StateActive {
		t.Errorf("state = %s, want active", credit.State)
	}
}

func TestRecordPayment_RefusedOnTerminalCredit(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	c := seedCredit(t, s, "cr-1", "500.00")
	c.State = domain.StatePaid
	c.OutstandingBalance = money.Zero
	if err := s.PutCredit(ctx, c, store.OriginRemote); err != nil {
		t.Fatalf("seed terminal credit: %v", err)
	}

	if _, err := l.RecordPayment(ctx, &domain.Payment{
		CreditID: "cr-1",
		Amount:   money.MustParse("10.00"),
		Kind:     domain.PaymentInterest,
	}); err == nil {
		t.Fatal("payment against a paid credit must fail")
	}
}

func TestRecordPayment_IllegalRenewalWritesNothing(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	c := seedCredit(t, s, "cr-1", "500.00")
	c.State = domain.StatePastDue
	if err := s.PutCredit(ctx, c, store.OriginRemote); err != nil {
		t.Fatalf("seed past_due credit: %v", err)
	}

	// past_due cannot renew; the failure must leave no payment, no cash
	// movement, and no queued push behind.
	_, err := l.RecordPayment(ctx, &domain.Payment{
		CreditID:   "cr-1",
		Amount:     money.MustParse("25.00"),
		Kind:       domain.PaymentRenewal,
		RegisterID: "reg-1",
	})
	var illegal *domain.ErrIllegalTransition
	if !errors.As(err, &illegal) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	payments, _ := s.PaymentsByCredit(ctx, "cr-1")
	if len(payments) != 0 {
		t.Errorf("failed payment persisted, %d records", len(payments))
	}
	balance, _ := l.Balance(ctx, "reg-1")
	if !balance.IsZero() {
		t.Errorf("failed payment moved cash, register = %s", balance)
	}
	for _, col := range []domain.Collection{domain.Payments, domain.CashMovements} {
		pending, _ := s.PendingPush(ctx, col, 10)
		if len(pending) != 0 {
			t.Errorf("failed payment queued %d %s for push", len(pending), col)
		}
	}
	got, _ := s.GetCredit(ctx, "cr-1")
	if got.State != domain.StatePastDue {
		t.Errorf("credit state changed to %s on failed payment", got.State)
	}
}

func TestVoidPayment_ReversalPair(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seedCredit(t, s, "cr-1", "500.00")

	p, err := l.RecordPayment(ctx, &domain.Payment{
		CreditID:   "cr-1",
		Amount:     money.MustParse("100.00"),
		Kind:       domain.PaymentPrincipal,
		RegisterID: "reg-1",
	})
	if err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	rev, err := l.VoidPayment(ctx, p.ID, "duplicate entry", "op-2")
	if err != nil {
		t.Fatalf("VoidPayment: %v", err)
	}
	if rev.ReversalOfID != p.ID {
		t.Errorf("reversal_of_id = %q, want %q", rev.ReversalOfID, p.ID)
	}
	orig, _ := s.GetPayment(ctx, p.ID)
	if orig.ReversedByID != rev.ID {
		t.Errorf("original not flagged, reversed_by_id = %q", orig.ReversedByID)
	}

	// Register inflow and void outflow cancel.
	balance, _ := l.Balance(ctx, "reg-1")
	if !balance.IsZero() {
		t.Errorf("register balance = %s, want 0.00", balance)
	}

	if _, err := l.VoidPayment(ctx, p.ID, "again", "op-2"); err == nil {
		t.Error("second void must fail")
	}
	if _, err := l.VoidPayment(ctx, rev.ID, "undo the undo", "op-2"); err == nil {
		t.Error("voiding a reversal must fail")
	}
}
