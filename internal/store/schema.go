package store

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/prestasur/synccore/internal/domain"
)

// Documents persist in one table per store: plaintext index columns plus the
// sealed payload. Decimal fields live inside the payload as decimal strings.
const baseSchema = `
CREATE TABLE IF NOT EXISTS store_meta (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_versions (
	collection TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	collection TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	synced_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS quarantine (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	is_deleted INTEGER NOT NULL DEFAULT 0,
	dirty INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents (collection, owner_id);
CREATE INDEX IF NOT EXISTS idx_documents_state ON documents (collection, state);
CREATE INDEX IF NOT EXISTS idx_documents_dirty ON documents (collection, dirty);
`

// migration upgrades one collection's persisted shape from version n to n+1.
type migration func(ctx context.Context, tx *sql.Tx) error

// collectionMigrations holds the ordered migration chain per collection.
// len(chain) is the expected schema version; a persisted version above it is
// a hard mismatch (the app on disk is newer than this binary understands).
var collectionMigrations = map[domain.Collection][]migration{
	domain.Credits: {
		// v0 -> v1: initial shape.
		func(ctx context.Context, tx *sql.Tx) error { return nil },
	},
	domain.Payments: {
		func(ctx context.Context, tx *sql.Tx) error { return nil },
		// v1 -> v2: payments adopted reversal pairing. Historical voided
		// flags become reversal-of references on the counter entry.
		func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`UPDATE documents SET state = '' WHERE collection = 'payments' AND state = 'voided'`)
			return err
		},
	},
	domain.CashMovements: {
		func(ctx context.Context, tx *sql.Tx) error { return nil },
	},
	domain.Clients: {
		func(ctx context.Context, tx *sql.Tx) error { return nil },
	},
	domain.Guarantees: {
		func(ctx context.Context, tx *sql.Tx) error { return nil },
	},
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, baseSchema); err != nil {
		return &domain.ErrUnrecoverable{Path: s.path, Err: err}
	}
	return nil
}

// migrate brings every collection to its expected schema version. A
// persisted version newer than the binary's is irreconcilable: the store is
// wiped and ErrSchemaMismatch tells the caller to restart. Each migration
// step runs in its own transaction, so a cancelled migration leaves the
// store at the last completed version, never half-stepped.
func (s *Store) migrate(ctx context.Context) error {
	for _, col := range domain.AllCollections {
		chain := collectionMigrations[col]
		expected := len(chain)

		persisted, err := s.schemaVersion(ctx, col)
		if err != nil {
			return &domain.ErrUnrecoverable{Path: s.path, Err: err}
		}

		if persisted > expected {
			s.logger.Error("store: hard schema mismatch, wiping",
				zap.String("collection", string(col)),
				zap.Int("persisted", persisted),
				zap.Int("expected", expected),
			)
			if err := s.Wipe(); err != nil {
				s.logger.Warn("store: wipe after schema mismatch failed", zap.Error(err))
			}
			return &domain.ErrSchemaMismatch{Collection: col, Persisted: persisted, Expected: expected}
		}

		for v := persisted; v < expected; v++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.runMigration(ctx, col, v, chain[v]); err != nil {
				return &domain.ErrUnrecoverable{Path: s.path, Err: err}
			}
			s.logger.Info("store: migrated collection",
				zap.String("collection", string(col)),
				zap.Int("to_version", v+1),
			)
		}
	}
	return nil
}

func (s *Store) runMigration(ctx context.Context, col domain.Collection, from int, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_versions (collection, version) VALUES (?, ?)
		 ON CONFLICT(collection) DO UPDATE SET version = excluded.version`,
		string(col), from+1,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) schemaVersion(ctx context.Context, col domain.Collection) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM schema_versions WHERE collection = ?`, string(col)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}
