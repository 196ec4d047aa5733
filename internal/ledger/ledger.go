// Package ledger enforces cash-register consistency: movements are
// append-only, reversals pair one-to-one with their originals, and the
// register balance is always a fold over the movement sequence. Any stored
// "current balance" is a cache the fold can rebuild.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/prestasur/synccore/internal/domain"
	"github.com/prestasur/synccore/internal/infra/cache"
	"github.com/prestasur/synccore/internal/money"
	"github.com/prestasur/synccore/internal/store"
)

var tracer = otel.Tracer("ledger")

// Ledger records cash movements and payments through the local store.
type Ledger struct {
	store        *store.Store
	balances     *cache.InMemory[money.Amount]
	logger       *zap.Logger
	cancelEvents func()
}

// New creates a ledger over the given store. It subscribes to movement
// events so a register balance cached here is dropped when replication
// applies a remote movement to that register.
func New(s *store.Store, logger *zap.Logger) *Ledger {
	l := &Ledger{
		store:    s,
		balances: cache.New[money.Amount](5 * time.Minute),
		logger:   logger,
	}
	events, cancel := s.Subscribe(domain.CashMovements)
	l.cancelEvents = cancel
	go l.watchMovements(events)
	return l
}

// watchMovements invalidates cached balances on remote-origin movements.
// Local writes already invalidate inline; this closes the replication path.
func (l *Ledger) watchMovements(events <-chan store.Event) {
	for ev := range events {
		if ev.Origin != store.OriginRemote {
			continue
		}
		m, err := l.store.GetMovement(context.Background(), ev.ID)
		if err != nil {
			continue
		}
		l.balances.Delete(m.RegisterID)
	}
}

// Close stops the event watcher and the balance cache's cleanup goroutine.
func (l *Ledger) Close() {
	l.cancelEvents()
	l.balances.Stop()
}

// Record appends a movement to a register. BalanceBefore is chained from the
// last movement on the register; the caller supplies only direction, amount,
// and reason.
func (l *Ledger) Record(ctx context.Context, registerID string, dir domain.Direction, amount money.Amount, reason, operator string) (*domain.CashMovement, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Record")
	defer span.End()

	// Chain off the fold, never the cache: a replicated movement may have
	// landed on this register since the cache was last primed, and
	// balance_before must equal the last movement's balance_after exactly.
	before, err := l.foldBalance(ctx, registerID)
	if err != nil {
		return nil, err
	}

	m := &domain.CashMovement{
		ID:            uuid.NewString(),
		RegisterID:    registerID,
		Direction:     dir,
		Amount:        amount,
		Reason:        reason,
		BalanceBefore: before,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     operator,
	}
	m.BalanceAfter = before.Add(m.Delta())

	if err := l.store.PutMovement(ctx, m, store.OriginLocal); err != nil {
		return nil, err
	}
	l.balances.Delete(registerID)
	l.logger.Info("ledger: movement recorded",
		zap.String("register_id", registerID),
		zap.String("movement_id", m.ID),
		zap.String("direction", string(dir)),
		zap.String("amount", amount.String()),
	)
	return m, nil
}

// Reverse voids a movement by appending its mirror entry: direction flipped,
// reversal_of_id set, originals flagged with reversed_by_id but retained.
// Reversing a reversal, or reversing twice, is refused.
func (l *Ledger) Reverse(ctx context.Context, movementID, reason, operator string) (*domain.CashMovement, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Reverse")
	defer span.End()

	orig, err := l.store.GetMovement(ctx, movementID)
	if err != nil {
		return nil, err
	}
	if orig.ReversedByID != "" {
		return nil, &domain.ErrValidation{Field: "reversed_by_id", Message: "movement already reversed"}
	}
	if orig.ReversalOfID != "" {
		return nil, &domain.ErrValidation{Field: "reversal_of_id", Message: "cannot reverse a reversal"}
	}

	before, err := l.foldBalance(ctx, orig.RegisterID)
	if err != nil {
		return nil, err
	}

	rev := &domain.CashMovement{
		ID:            uuid.NewString(),
		RegisterID:    orig.RegisterID,
		Direction:     orig.Direction.Flip(),
		Amount:        orig.Amount,
		Reason:        reason,
		BalanceBefore: before,
		ReversalOfID:  orig.ID,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     operator,
	}
	rev.BalanceAfter = before.Add(rev.Delta())

	// One transaction: the reversal and the flagged original can never
	// persist half-applied.
	orig.ReversedByID = rev.ID
	if err := l.store.PutMovementPair(ctx, rev, orig, store.OriginLocal); err != nil {
		return nil, err
	}
	l.balances.Delete(orig.RegisterID)
	return rev, nil
}

// Balance folds the register's ordered movement sequence from zero. This is
// the source of truth; the TTL cache only short-circuits repeated reads and
// is dropped on every write to the register, local or replicated.
func (l *Ledger) Balance(ctx context.Context, registerID string) (money.Amount, error) {
	if cached, ok := l.balances.Get(registerID); ok {
		return cached, nil
	}
	return l.foldBalance(ctx, registerID)
}

// foldBalance recomputes the register balance from the movement sequence
// and reprimes the cache.
func (l *Ledger) foldBalance(ctx context.Context, registerID string) (money.Amount, error) {
	movements, err := l.store.MovementsByRegister(ctx, registerID)
	if err != nil {
		return money.Zero, err
	}
	total := Fold(movements)
	l.balances.Set(registerID, total)
	return total, nil
}

// Fold computes the balance implied by a movement sequence. Every movement
// counts: a reversal cancels its original arithmetically, so flagged pairs
// need no special casing.
func Fold(movements []*domain.CashMovement) money.Amount {
	total := money.Zero
	for _, m := range movements {
		total = total.Add(m.Delta())
	}
	return total
}

// Reconcile compares a cached balance against the fold and returns the fold
// value. A discrepancy is logged, never trusted.
func (l *Ledger) Reconcile(ctx context.Context, registerID string, cached money.Amount) (money.Amount, error) {
	l.balances.Delete(registerID) // always refold, never trust a copy
	actual, err := l.Balance(ctx, registerID)
	if err != nil {
		return money.Zero, err
	}
	if actual.Cmp(cached) != 0 {
		l.logger.Warn("ledger: cached balance diverges from fold",
			zap.String("register_id", registerID),
			zap.String("cached", cached.String()),
			zap.String("actual", actual.String()),
		)
	}
	return actual, nil
}

// VerifyChain checks the register invariant: each non-reversed movement's
// balance_after equals the next movement's balance_before, and each entry's
// own arithmetic is exact. Returns the first violating movement id, empty
// when the chain holds.
func VerifyChain(movements []*domain.CashMovement) string {
	running := money.Zero
	for _, m := range movements {
		if m.BalanceBefore.Cmp(running) != 0 {
			return m.ID
		}
		if m.BalanceBefore.Add(m.Delta()).Cmp(m.BalanceAfter) != 0 {
			return m.ID
		}
		running = m.BalanceAfter
	}
	return ""
}

// RecordPayment applies a payment to a credit: the payment record, the
// matching register inflow, the balance decrement, and the paid transition
// when redemption settles the contract. All mutations are local-origin and
// queue for push.
func (l *Ledger) RecordPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Ledger.RecordPayment")
	defer span.End()

	credit, err := l.store.GetCredit(ctx, p.CreditID)
	if err != nil {
		return nil, err
	}
	if credit.State.Terminal() {
		return nil, &domain.ErrTerminalState{CreditID: credit.ID, State: credit.State}
	}

	// Compute the resulting credit before anything persists: an illegal
	// transition must fail with nothing written, not strand a payment and
	// a cash movement behind the error.
	//
	// Principal-affecting payments reduce the outstanding balance; interest
	// and penalty do not. The remote-computed balance remains authoritative
	// and overwrites this on the next pull if they disagree.
	updated := *credit
	switch p.Kind {
	case domain.PaymentPrincipal, domain.PaymentRedemption:
		balance := credit.OutstandingBalance.Sub(p.Amount)
		if balance.IsNegative() {
			balance = money.Zero
		}
		updated.OutstandingBalance = balance
		if balance.IsZero() {
			if err := updated.Transition(domain.StatePaid); err != nil {
				return nil, err
			}
		}
	case domain.PaymentRenewal:
		if err := updated.Transition(domain.StateRenewed); err != nil {
			return nil, err
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := l.store.PutPayment(ctx, p, store.OriginLocal); err != nil {
		return nil, err
	}

	if p.RegisterID != "" {
		if _, err := l.Record(ctx, p.RegisterID, domain.Inflow, p.Amount, "payment "+p.ID, p.CreatedBy); err != nil {
			return nil, err
		}
	}

	if err := l.store.PutCredit(ctx, &updated, store.OriginLocal); err != nil {
		return nil, err
	}
	return p, nil
}

// VoidPayment applies the same reversal-pair discipline as cash movements:
// a counter payment references the original, the original is flagged, and
// nothing is ever deleted. The matching register outflow is appended too.
func (l *Ledger) VoidPayment(ctx context.Context, paymentID, reason, operator string) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Ledger.VoidPayment")
	defer span.End()

	orig, err := l.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if orig.ReversedByID != "" {
		return nil, &domain.ErrValidation{Field: "reversed_by_id", Message: "payment already voided"}
	}
	if orig.ReversalOfID != "" {
		return nil, &domain.ErrValidation{Field: "reversal_of_id", Message: "cannot void a reversal"}
	}

	rev := &domain.Payment{
		ID:            uuid.NewString(),
		CreditID:      orig.CreditID,
		Amount:        orig.Amount,
		Kind:          orig.Kind,
		PaymentMethod: orig.PaymentMethod,
		RegisterID:    orig.RegisterID,
		ReversalOfID:  orig.ID,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     operator,
	}
	orig.ReversedByID = rev.ID
	if err := l.store.PutPaymentPair(ctx, rev, orig, store.OriginLocal); err != nil {
		return nil, err
	}

	if orig.RegisterID != "" {
		if _, err := l.Record(ctx, orig.RegisterID, domain.Outflow, orig.Amount, reason, operator); err != nil {
			return nil, err
		}
	}
	return rev, nil
}
