package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/prestasur/synccore/internal/domain"
)

// indexed carries the plaintext index columns extracted from an entity.
type indexed struct {
	ownerID   string
	state     string
	isDeleted bool
	updatedAt time.Time
}

// docWrite is one pending document upsert inside a putDocs batch.
type docWrite struct {
	col    domain.Collection
	id     string
	idx    indexed
	entity any
	origin Origin
}

// putDocs validates nothing itself; callers validate before sealing. It
// upserts every sealed payload with its index columns inside one
// transaction and notifies subscribers after commit, so a multi-document
// write (a reversal and its flagged original) lands atomically. Local
// writes are marked dirty so the push cycle picks them up; remote writes
// are clean by definition.
func (s *Store) putDocs(ctx context.Context, writes []docWrite) error {
	type sealedWrite struct {
		docWrite
		sealed []byte
		dirty  int
	}
	prepared := make([]sealedWrite, 0, len(writes))
	for _, w := range writes {
		plain, err := json.Marshal(w.entity)
		if err != nil {
			return err
		}
		sealed, err := s.seal(plain)
		if err != nil {
			return err
		}
		dirty := 0
		if w.origin == OriginLocal {
			dirty = 1
		}
		prepared = append(prepared, sealedWrite{docWrite: w, sealed: sealed, dirty: dirty})
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, w := range prepared {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, owner_id, state, is_deleted, dirty, updated_at, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(collection, id) DO UPDATE SET
				owner_id = excluded.owner_id,
				state = excluded.state,
				is_deleted = excluded.is_deleted,
				dirty = excluded.dirty,
				updated_at = excluded.updated_at,
				payload = excluded.payload`,
			string(w.col), w.id, w.idx.ownerID, w.idx.state, w.idx.isDeleted, w.dirty, w.idx.updatedAt.UTC(), w.sealed,
		)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, w := range prepared {
		s.notify(Event{Collection: w.col, ID: w.id, Origin: w.origin})
	}
	return nil
}

func (s *Store) putDoc(ctx context.Context, col domain.Collection, id string, idx indexed, entity any, origin Origin) error {
	return s.putDocs(ctx, []docWrite{{col: col, id: id, idx: idx, entity: entity, origin: origin}})
}

// getDoc loads and unseals one document into out.
func (s *Store) getDoc(ctx context.Context, col domain.Collection, id string, out any) error {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM documents WHERE collection = ? AND id = ?`,
		string(col), id,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ErrNotFound{Collection: col, ID: id}
	}
	if err != nil {
		return err
	}
	plain, err := s.unseal(sealed)
	if err != nil {
		return &domain.ErrWrongKey{Path: s.path}
	}
	return json.Unmarshal(plain, out)
}

// listDocs runs a query returning payload rows and unseals each into a
// freshly allocated T.
func listDocs[T any](ctx context.Context, s *Store, query string, args ...any) ([]*T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, err
		}
		plain, err := s.unseal(sealed)
		if err != nil {
			return nil, &domain.ErrWrongKey{Path: s.path}
		}
		v := new(T)
		if err := json.Unmarshal(plain, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ============================================================
// Credits
// ============================================================

// PutCredit upserts a credit. Local writes against a credit already in a
// terminal state are refused: terminal transitions are real-world facts only
// the authoritative remote may record, and its own copy of them is frozen.
func (s *Store) PutCredit(ctx context.Context, c *domain.Credit, origin Origin) error {
	if err := c.Validate(); err != nil {
		return err
	}

	var existing domain.Credit
	err := s.getDoc(ctx, domain.Credits, c.ID, &existing)
	switch {
	case err == nil:
		if existing.State.Terminal() && origin == OriginLocal {
			return &domain.ErrTerminalState{CreditID: c.ID, State: existing.State}
		}
		if c.ClientID != existing.ClientID {
			return &domain.ErrValidation{Field: "client_id", Message: "client_id is immutable"}
		}
	case isNotFound(err):
		// fresh insert
	default:
		return err
	}

	c.UpdatedAt = time.Now().UTC()
	return s.putDoc(ctx, domain.Credits, c.ID, indexed{
		ownerID:   c.ClientID,
		state:     string(c.State),
		updatedAt: c.UpdatedAt,
	}, c, origin)
}

// GetCredit looks a credit up by primary key.
func (s *Store) GetCredit(ctx context.Context, id string) (*domain.Credit, error) {
	var c domain.Credit
	if err := s.getDoc(ctx, domain.Credits, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreditsByClient returns every credit owned by a client.
func (s *Store) CreditsByClient(ctx context.Context, clientID string) ([]*domain.Credit, error) {
	return listDocs[domain.Credit](ctx, s,
		`SELECT payload FROM documents WHERE collection = ? AND owner_id = ? ORDER BY updated_at`,
		string(domain.Credits), clientID)
}

// CreditsByState returns every credit currently in the given state.
func (s *Store) CreditsByState(ctx context.Context, state domain.CreditState) ([]*domain.Credit, error) {
	return listDocs[domain.Credit](ctx, s,
		`SELECT payload FROM documents WHERE collection = ? AND state = ? ORDER BY updated_at`,
		string(domain.Credits), string(state))
}

// AgeCredits runs the scheduled aging pass: active/grace credits past their
// due date become past_due, and past_due credits beyond the arrears cutoff
// become in_arrears. Transitions go through the state machine like any other
// local mutation and therefore join the push queue.
func (s *Store) AgeCredits(ctx context.Context, now time.Time, arrearsAfter time.Duration) (int, error) {
	aged := 0
	for _, from := range []domain.CreditState{domain.StateActive, domain.StateGrace, domain.StatePastDue} {
		credits, err := s.CreditsByState(ctx, from)
		if err != nil {
			return aged, err
		}
		for _, c := range credits {
			var to domain.CreditState
			switch {
			case from != domain.StatePastDue && now.After(c.DueDate):
				to = domain.StatePastDue
			case from == domain.StatePastDue && now.After(c.DueDate.Add(arrearsAfter)):
				to = domain.StateInArrears
			default:
				continue
			}
			if err := c.Transition(to); err != nil {
				continue
			}
			if err := s.PutCredit(ctx, c, OriginLocal); err != nil {
				return aged, err
			}
			aged++
		}
	}
	return aged, nil
}

// ============================================================
// Payments
// ============================================================

// PutPayment inserts a payment. Payments are immutable: a local write to an
// existing id is refused. Remote upserts may update the reversal linkage
// (the only field that legally changes after creation).
func (s *Store) PutPayment(ctx context.Context, p *domain.Payment, origin Origin) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var existing domain.Payment
	err := s.getDoc(ctx, domain.Payments, p.ID, &existing)
	if err == nil && origin == OriginLocal && existing.ReversedByID == p.ReversedByID {
		return &domain.ErrValidation{Field: "id", Message: "payments are immutable once created"}
	}
	if err != nil && !isNotFound(err) {
		return err
	}

	return s.putDoc(ctx, domain.Payments, p.ID, indexed{
		ownerID:   p.CreditID,
		updatedAt: p.CreatedAt,
	}, p, origin)
}

// PutPaymentPair writes a reversal payment and its flagged original in one
// transaction. The two must reference each other; a void can never persist
// half-applied.
func (s *Store) PutPaymentPair(ctx context.Context, rev, orig *domain.Payment, origin Origin) error {
	if err := rev.Validate(); err != nil {
		return err
	}
	if err := orig.Validate(); err != nil {
		return err
	}
	if rev.ReversalOfID != orig.ID || orig.ReversedByID != rev.ID {
		return &domain.ErrValidation{Field: "reversal_of_id", Message: "reversal pair must reference each other"}
	}
	return s.putDocs(ctx, []docWrite{
		{col: domain.Payments, id: rev.ID, idx: indexed{ownerID: rev.CreditID, updatedAt: rev.CreatedAt}, entity: rev, origin: origin},
		{col: domain.Payments, id: orig.ID, idx: indexed{ownerID: orig.CreditID, updatedAt: orig.CreatedAt}, entity: orig, origin: origin},
	})
}

// GetPayment looks a payment up by primary key.
func (s *Store) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := s.getDoc(ctx, domain.Payments, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PaymentsByCredit returns a credit's payments in creation order.
func (s *Store) PaymentsByCredit(ctx context.Context, creditID string) ([]*domain.Payment, error) {
	return listDocs[domain.Payment](ctx, s,
		`SELECT payload FROM documents WHERE collection = ? AND owner_id = ? ORDER BY updated_at`,
		string(domain.Payments), creditID)
}

// ============================================================
// Cash movements
// ============================================================

// PutMovement inserts a cash movement. Movements are append-only; as with
// payments, only the reversal linkage may be touched after creation.
func (s *Store) PutMovement(ctx context.Context, m *domain.CashMovement, origin Origin) error {
	if err := m.Validate(); err != nil {
		return err
	}

	var existing domain.CashMovement
	err := s.getDoc(ctx, domain.CashMovements, m.ID, &existing)
	if err == nil && origin == OriginLocal && existing.ReversedByID == m.ReversedByID {
		return &domain.ErrValidation{Field: "id", Message: "cash movements are append-only"}
	}
	if err != nil && !isNotFound(err) {
		return err
	}

	return s.putDoc(ctx, domain.CashMovements, m.ID, indexed{
		ownerID:   m.RegisterID,
		updatedAt: m.CreatedAt,
	}, m, origin)
}

// PutMovementPair writes a reversal movement and its flagged original in
// one transaction, same discipline as PutPaymentPair.
func (s *Store) PutMovementPair(ctx context.Context, rev, orig *domain.CashMovement, origin Origin) error {
	if err := rev.Validate(); err != nil {
		return err
	}
	if err := orig.Validate(); err != nil {
		return err
	}
	if rev.ReversalOfID != orig.ID || orig.ReversedByID != rev.ID {
		return &domain.ErrValidation{Field: "reversal_of_id", Message: "reversal pair must reference each other"}
	}
	return s.putDocs(ctx, []docWrite{
		{col: domain.CashMovements, id: rev.ID, idx: indexed{ownerID: rev.RegisterID, updatedAt: rev.CreatedAt}, entity: rev, origin: origin},
		{col: domain.CashMovements, id: orig.ID, idx: indexed{ownerID: orig.RegisterID, updatedAt: orig.CreatedAt}, entity: orig, origin: origin},
	})
}

// GetMovement looks a movement up by primary key.
func (s *Store) GetMovement(ctx context.Context, id string) (*domain.CashMovement, error) {
	var m domain.CashMovement
	if err := s.getDoc(ctx, domain.CashMovements, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MovementsByRegister returns a register's movements in chronological order.
// The order is the ledger: the register balance is a fold over it.
func (s *Store) MovementsByRegister(ctx context.Context, registerID string) ([]*domain.CashMovement, error) {
	return listDocs[domain.CashMovement](ctx, s,
		`SELECT payload FROM documents WHERE collection = ? AND owner_id = ? ORDER BY updated_at, id`,
		string(domain.CashMovements), registerID)
}

// ============================================================
// Clients / Guarantees
// ============================================================

// PutClient upserts a client. Deletion is the soft IsDeleted flag so the
// tombstone replicates like any other change.
func (s *Store) PutClient(ctx context.Context, c *domain.Client, origin Origin) error {
	if c.ID == "" {
		return &domain.ErrValidation{Field: "id", Message: "id is required"}
	}
	c.UpdatedAt = time.Now().UTC()
	return s.putDoc(ctx, domain.Clients, c.ID, indexed{
		isDeleted: c.IsDeleted,
		updatedAt: c.UpdatedAt,
	}, c, origin)
}

// GetClient looks a client up by primary key.
func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	if err := s.getDoc(ctx, domain.Clients, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutGuarantee upserts a pledged item.
func (s *Store) PutGuarantee(ctx context.Context, g *domain.Guarantee, origin Origin) error {
	if g.ID == "" {
		return &domain.ErrValidation{Field: "id", Message: "id is required"}
	}
	if g.CreditID == "" {
		return &domain.ErrValidation{Field: "credit_id", Message: "credit_id is required"}
	}
	g.UpdatedAt = time.Now().UTC()
	return s.putDoc(ctx, domain.Guarantees, g.ID, indexed{
		ownerID:   g.CreditID,
		isDeleted: g.IsDeleted,
		updatedAt: g.UpdatedAt,
	}, g, origin)
}

// GetGuarantee looks a guarantee up by primary key.
func (s *Store) GetGuarantee(ctx context.Context, id string) (*domain.Guarantee, error) {
	var g domain.Guarantee
	if err := s.getDoc(ctx, domain.Guarantees, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GuaranteesByCredit returns the items pledged against a credit.
func (s *Store) GuaranteesByCredit(ctx context.Context, creditID string) ([]*domain.Guarantee, error) {
	return listDocs[domain.Guarantee](ctx, s,
		`SELECT payload FROM documents WHERE collection = ? AND owner_id = ? ORDER BY updated_at`,
		string(domain.Guarantees), creditID)
}

// ============================================================
// Push queue / checkpoints
// ============================================================

// RawDoc is an unsealed document plus its id, handed to the replication
// engine for push serialization. The sealed bytes double as a revision
// token: every write reseals under a fresh nonce, so MarkPushed can tell
// the pushed revision apart from a later local rewrite.
type RawDoc struct {
	ID      string
	Payload []byte

	sealed []byte
}

// PendingPush returns the dirty documents of one collection in local
// mutation order. This is the push queue.
func (s *Store) PendingPush(ctx context.Context, col domain.Collection, limit int) ([]RawDoc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM documents
		 WHERE collection = ? AND dirty = 1
		 ORDER BY updated_at, id LIMIT ?`,
		string(col), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawDoc
	for rows.Next() {
		var d RawDoc
		if err := rows.Scan(&d.ID, &d.sealed); err != nil {
			return nil, err
		}
		if d.Payload, err = s.unseal(d.sealed); err != nil {
			return nil, &domain.ErrWrongKey{Path: s.path}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkPushed clears the dirty flag on successfully pushed documents. The
// ack is conditional on the pushed revision: a document rewritten locally
// between PendingPush and the ack keeps its dirty flag and stays queued.
func (s *Store) MarkPushed(ctx context.Context, col domain.Collection, docs []RawDoc) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range docs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET dirty = 0 WHERE collection = ? AND id = ? AND payload = ?`,
			string(col), d.ID, d.sealed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Checkpoint returns the last synchronized pull cursor for a collection,
// empty string when the collection has never synced.
func (s *Store) Checkpoint(ctx context.Context, col domain.Collection) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM checkpoints WHERE collection = ?`, string(col)).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

// SetCheckpoint advances a collection's pull cursor.
func (s *Store) SetCheckpoint(ctx context.Context, col domain.Collection, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (collection, cursor, synced_at) VALUES (?, ?, ?)
		 ON CONFLICT(collection) DO UPDATE SET cursor = excluded.cursor, synced_at = excluded.synced_at`,
		string(col), cursor, time.Now().UTC())
	return err
}

// ============================================================
// Quarantine
// ============================================================

// QuarantinedRow records one remote change that could not be applied.
type QuarantinedRow struct {
	ID     string
	Reason string
	At     time.Time
}

// Quarantine records a remote change that failed normalization or apply so
// it stays inspectable instead of vanishing behind an advanced checkpoint.
func (s *Store) Quarantine(ctx context.Context, col domain.Collection, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quarantine (collection, id, reason, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at`,
		string(col), id, reason, time.Now().UTC())
	return err
}

// ClearQuarantine drops the quarantine entry once a later change for the
// same entity applies cleanly.
func (s *Store) ClearQuarantine(ctx context.Context, col domain.Collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM quarantine WHERE collection = ? AND id = ?`, string(col), id)
	return err
}

// Quarantined lists a collection's unappliable remote changes, oldest first.
func (s *Store) Quarantined(ctx context.Context, col domain.Collection) ([]QuarantinedRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reason, created_at FROM quarantine WHERE collection = ? ORDER BY created_at, id`,
		string(col))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuarantinedRow
	for rows.Next() {
		var q QuarantinedRow
		if err := rows.Scan(&q.ID, &q.Reason, &q.At); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func isNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}
