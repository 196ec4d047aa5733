// Package domain defines the core entities of the loan/pawn record-keeping
// core: credits, payments, cash movements, clients, and guarantees. These
// models are independent of the local store and the remote backend and are
// the canonical shapes used throughout the sync core.
package domain

import (
	"time"

	"github.com/prestasur/synccore/internal/money"
)

// Collection identifies a typed collection in the local store and the
// corresponding changefeed on the remote backend.
type Collection string

const (
	Credits       Collection = "credits"
	Payments      Collection = "payments"
	CashMovements Collection = "cash_movements"
	Clients       Collection = "clients"
	Guarantees    Collection = "guarantees"
)

// AllCollections lists every replicated collection, in pull order.
// Credits go first so that payments arriving in the same cycle can
// resolve their owning contract locally.
var AllCollections = []Collection{Credits, Clients, Guarantees, Payments, CashMovements}

// AppendOnly reports whether a collection is logically immutable: records
// are created and possibly reversed, never edited. Append-only collections
// reconcile by timestamp instead of the credit state machine.
func (c Collection) AppendOnly() bool {
	return c == Payments || c == CashMovements
}

// Audit carries the creation/update bookkeeping every entity shares.
type Audit struct {
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Credit is a loan/pawn contract. It is never physically deleted; its
// lifecycle ends in one of the terminal states instead.
type Credit struct {
	ID                 string       `json:"id"`
	ClientID           string       `json:"client_id"` // immutable after creation
	Principal          money.Amount `json:"principal"`
	OutstandingBalance money.Amount `json:"outstanding_balance"`
	InterestRate       money.Amount `json:"interest_rate"` // percentage
	StartDate          time.Time    `json:"start_date"`
	DueDate            time.Time    `json:"due_date"`
	State              CreditState  `json:"state"`
	Notes              string       `json:"notes,omitempty"`
	Audit
}

// Validate checks the invariants that hold for every stored credit.
func (c *Credit) Validate() error {
	if c.ID == "" {
		return &ErrValidation{Field: "id", Message: "id is required"}
	}
	if c.ClientID == "" {
		return &ErrValidation{Field: "client_id", Message: "client_id is required"}
	}
	if c.OutstandingBalance.IsNegative() {
		return &ErrValidation{Field: "outstanding_balance", Message: "must not be negative"}
	}
	if !c.State.Valid() {
		return &ErrValidation{Field: "state", Message: "unknown credit state: " + string(c.State)}
	}
	return nil
}

// PaymentKind classifies what a payment settles.
type PaymentKind string

const (
	PaymentInterest   PaymentKind = "interest"
	PaymentPrincipal  PaymentKind = "principal"
	PaymentRedemption PaymentKind = "redemption"
	PaymentPenalty    PaymentKind = "penalty"
	PaymentRenewal    PaymentKind = "renewal"
)

// Payment records money received against a credit. Payments are immutable
// once created; voiding one appends a reversal payment referencing the
// original (same discipline as cash movements), it never edits or deletes.
type Payment struct {
	ID            string       `json:"id"`
	CreditID      string       `json:"credit_id"`
	Amount        money.Amount `json:"amount"`
	Kind          PaymentKind  `json:"kind"`
	PaymentMethod string       `json:"payment_method,omitempty"`
	OperatorID    string       `json:"operator_id,omitempty"`
	RegisterID    string       `json:"register_id,omitempty"`
	ReversalOfID  string       `json:"reversal_of_id,omitempty"`
	ReversedByID  string       `json:"reversed_by_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	CreatedBy     string       `json:"created_by,omitempty"`
}

// Validate checks payment invariants.
func (p *Payment) Validate() error {
	if p.ID == "" {
		return &ErrValidation{Field: "id", Message: "id is required"}
	}
	if p.CreditID == "" {
		return &ErrValidation{Field: "credit_id", Message: "credit_id is required"}
	}
	if p.Amount.IsNegative() || p.Amount.IsZero() {
		return &ErrValidation{Field: "amount", Message: "must be positive"}
	}
	switch p.Kind {
	case PaymentInterest, PaymentPrincipal, PaymentRedemption, PaymentPenalty, PaymentRenewal:
	default:
		return &ErrValidation{Field: "kind", Message: "unknown payment kind: " + string(p.Kind)}
	}
	return nil
}

// Direction of a cash movement relative to the register.
type Direction string

const (
	Inflow  Direction = "inflow"
	Outflow Direction = "outflow"
)

// Flip returns the opposite direction. Reversals use it.
func (d Direction) Flip() Direction {
	if d == Inflow {
		return Outflow
	}
	return Inflow
}

// CashMovement is one append-only entry in a register's ledger. The register
// balance is a fold over its movement sequence; BalanceBefore/BalanceAfter
// are carried so any point-in-time balance is reconstructible.
type CashMovement struct {
	ID            string       `json:"id"`
	RegisterID    string       `json:"register_id"`
	Direction     Direction    `json:"direction"`
	Amount        money.Amount `json:"amount"`
	Reason        string       `json:"reason,omitempty"`
	BalanceBefore money.Amount `json:"balance_before"`
	BalanceAfter  money.Amount `json:"balance_after"`
	ReversalOfID  string       `json:"reversal_of_id,omitempty"`
	ReversedByID  string       `json:"reversed_by_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	CreatedBy     string       `json:"created_by,omitempty"`
}

// Delta is the signed effect of the movement on the register balance.
func (m *CashMovement) Delta() money.Amount {
	if m.Direction == Inflow {
		return m.Amount
	}
	return m.Amount.Neg()
}

// Validate checks the exact-arithmetic invariant of the movement.
func (m *CashMovement) Validate() error {
	if m.ID == "" {
		return &ErrValidation{Field: "id", Message: "id is required"}
	}
	if m.RegisterID == "" {
		return &ErrValidation{Field: "register_id", Message: "register_id is required"}
	}
	if m.Direction != Inflow && m.Direction != Outflow {
		return &ErrValidation{Field: "direction", Message: "unknown direction: " + string(m.Direction)}
	}
	if m.Amount.IsNegative() || m.Amount.IsZero() {
		return &ErrValidation{Field: "amount", Message: "must be positive"}
	}
	if m.BalanceBefore.Add(m.Delta()).Cmp(m.BalanceAfter) != 0 {
		return &ErrValidation{Field: "balance_after", Message: "balance_after != balance_before ± amount"}
	}
	return nil
}

// Client is the owner of credits. Soft-deleted so replication keeps a
// consistent tombstone instead of losing the row.
type Client struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Document  string `json:"document,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	IsDeleted bool   `json:"is_deleted"`
	Audit
}

// Guarantee is the physical item pledged against a credit.
type Guarantee struct {
	ID          string       `json:"id"`
	CreditID    string       `json:"credit_id"`
	Description string       `json:"description"`
	Valuation   money.Amount `json:"valuation"`
	IsDeleted   bool         `json:"is_deleted"`
	Audit
}
