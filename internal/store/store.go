// Package store implements the per-identity encrypted local document store.
// Entities persist in one SQLite file per identity; document payloads are
// sealed with AES-GCM under a key derived from the identity id and an
// application-wide salt. Index columns (ids, owning references, credit
// state, timestamps, the dirty flag) stay in the clear so the query surface
// works without decrypting whole collections.
package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/prestasur/synccore/internal/domain"
)

var tracer = otel.Tracer("store")

// devKeySeed is the fixed key material used when no identity is present.
// Only valid when Options.DevMode is set; production opens refuse to fall
// back to it.
const devKeySeed = "synccore-dev-store-key"

// keyCheckSentinel is sealed into every new store so later opens can detect
// a wrong key before any document is touched.
const keyCheckSentinel = "synccore-keycheck-v1"

// Options configures store opening.
type Options struct {
	// Dir is the directory holding the per-identity store files.
	Dir string
	// AppSalt is the application-wide secret salt mixed into key derivation.
	AppSalt []byte
	// DevMode allows opening without an identity under a fixed key.
	DevMode bool
}

// Store is the encrypted local document store for one identity.
type Store struct {
	db     *sql.DB
	path   string
	aead   cipher.AEAD
	logger *zap.Logger

	writeMu sync.Mutex // serializes write transactions to one document set

	subMu  sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

// Open opens (or creates) the store for the given identity id. A wrong-key
// signature triggers the bounded recovery procedure: erase-and-recreate
// under the same name, falling back to a freshly named recovery store with
// best-effort deletion of the orphans. Open never panics out of recovery;
// it returns either a usable store or a typed ErrUnrecoverable.
func Open(ctx context.Context, identityID string, opts Options, logger *zap.Logger) (*Store, error) {
	ctx, span := tracer.Start(ctx, "Store.Open")
	defer span.End()

	aead, err := deriveAEAD(identityID, opts)
	if err != nil {
		return nil, err
	}

	path := StorePath(opts.Dir, identityID)
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, &domain.ErrUnrecoverable{Path: path, Err: err}
	}

	s, err := openAt(ctx, path, aead, logger)
	if err == nil {
		return s, nil
	}

	var wrongKey *domain.ErrWrongKey
	if !errors.As(err, &wrongKey) {
		return nil, err
	}

	logger.Warn("store: wrong encryption key, entering recovery",
		zap.String("path", path),
	)
	return recoverStore(ctx, path, aead, logger)
}

// StorePath returns the deterministic store file name for an identity.
// The identity id is hashed so the file name leaks nothing about it.
func StorePath(dir, identityID string) string {
	sum := sha256.Sum256([]byte("synccore-store:" + identityID))
	return filepath.Join(dir, fmt.Sprintf("store-%s.db", hex.EncodeToString(sum[:8])))
}

// deriveAEAD derives the AES-256-GCM sealer from the identity id and the
// application salt. No key material is ever persisted.
func deriveAEAD(identityID string, opts Options) (cipher.AEAD, error) {
	secret := identityID
	if secret == "" {
		if !opts.DevMode {
			return nil, &domain.ErrValidation{Field: "identity", Message: "identity required to open store"}
		}
		secret = devKeySeed
	}

	// scrypt stretches the (low-entropy) identity id; hkdf expands the
	// result into the final AES key so future subkeys can share the root.
	root, err := scrypt.Key([]byte(secret), opts.AppSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, &domain.ErrUnrecoverable{Path: "", Err: err}
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, opts.AppSalt, []byte("store-aes-key")), key); err != nil {
		return nil, &domain.ErrUnrecoverable{Path: "", Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &domain.ErrUnrecoverable{Path: "", Err: err}
	}
	return cipher.NewGCM(block)
}

// openAt opens the SQLite file, verifies the key-check sentinel, and runs
// schema migrations.
func openAt(ctx context.Context, path string, aead cipher.AEAD, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, &domain.ErrUnrecoverable{Path: path, Err: err}
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, &domain.ErrUnrecoverable{Path: path, Err: err}
		}
	}

	s := &Store{
		db:     db,
		path:   path,
		aead:   aead,
		logger: logger,
		subs:   make(map[int]*subscription),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.verifyKey(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened", zap.String("path", path))
	return s, nil
}

// verifyKey checks the sealed sentinel row, writing it on first open.
func (s *Store) verifyKey(ctx context.Context) error {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM store_meta WHERE k = 'keycheck'`).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		sealed, err = s.seal([]byte(keyCheckSentinel))
		if err != nil {
			return &domain.ErrUnrecoverable{Path: s.path, Err: err}
		}
		_, err = s.db.ExecContext(ctx, `INSERT INTO store_meta (k, v) VALUES ('keycheck', ?)`, sealed)
		if err != nil {
			return &domain.ErrUnrecoverable{Path: s.path, Err: err}
		}
		return nil
	}
	if err != nil {
		return &domain.ErrUnrecoverable{Path: s.path, Err: err}
	}

	plain, err := s.unseal(sealed)
	if err != nil || string(plain) != keyCheckSentinel {
		return &domain.ErrWrongKey{Path: s.path}
	}
	return nil
}

// recoverStore implements the bounded wrong-key recovery: (1) erase and recreate
// under the same name; (2) on failure, create a recovery-timestamped store
// and schedule best-effort deletion of the orphaned files.
func recoverStore(ctx context.Context, path string, aead cipher.AEAD, logger *zap.Logger) (*Store, error) {
	if err := removeStoreFiles(path); err == nil {
		s, err := openAt(ctx, path, aead, logger)
		if err == nil {
			logger.Info("store recovered in place", zap.String("path", path))
			return s, nil
		}
		logger.Warn("store: recreate after erase failed", zap.String("path", path), zap.Error(err))
	} else {
		logger.Warn("store: erase failed, switching to recovery name", zap.String("path", path), zap.Error(err))
	}

	recoveryPath := fmt.Sprintf("%s.recovery-%d", strings.TrimSuffix(path, ".db"), time.Now().Unix()) + ".db"
	s, err := openAt(ctx, recoveryPath, aead, logger)
	if err != nil {
		return nil, &domain.ErrUnrecoverable{Path: path, Err: err}
	}

	// Orphaned stores are deleted opportunistically; a held handle elsewhere
	// just means they survive until the next open.
	go func() {
		if err := removeStoreFiles(path); err != nil {
			logger.Warn("store: orphan cleanup failed", zap.String("path", path), zap.Error(err))
		}
	}()

	logger.Info("store recovered under new name", zap.String("path", recoveryPath))
	return s, nil
}

// removeStoreFiles deletes the SQLite file and its WAL/SHM side files.
func removeStoreFiles(path string) error {
	var firstErr error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close closes the store and every subscription. Safe to call twice.
func (s *Store) Close() error {
	s.subMu.Lock()
	if !s.closed {
		s.closed = true
		for id, sub := range s.subs {
			close(sub.ch)
			delete(s.subs, id)
		}
	}
	s.subMu.Unlock()
	return s.db.Close()
}

// Wipe closes the store and deletes its files. Used at logout and after a
// hard schema mismatch; the remote store re-populates on next sync.
func (s *Store) Wipe() error {
	if err := s.Close(); err != nil {
		s.logger.Warn("store: close before wipe failed", zap.Error(err))
	}
	return removeStoreFiles(s.path)
}

// Path returns the on-disk location of this store.
func (s *Store) Path() string {
	return s.path
}

// seal encrypts a document payload, prepending the random nonce.
func (s *Store) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// unseal decrypts a payload produced by seal.
func (s *Store) unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed payload too short")
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ct, nil)
}
