// Package replication keeps the local encrypted store and the remote
// relational store eventually consistent. Each collection pulls and pushes
// in its own failure domain; the application stays fully usable offline and
// the push queue drains when connectivity returns.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prestasur/synccore/internal/domain"
	"github.com/prestasur/synccore/internal/infra/observability"
	"github.com/prestasur/synccore/internal/infra/resilience"
	"github.com/prestasur/synccore/internal/remote"
	"github.com/prestasur/synccore/internal/store"
)

var tracer = otel.Tracer("replication")

// RemoteClient is the slice of the backend contract the engine needs.
type RemoteClient interface {
	Changes(ctx context.Context, col domain.Collection, cursor string, limit int) (*remote.ChangePage, error)
	Upsert(ctx context.Context, col domain.Collection, docs []json.RawMessage) error
}

// Config tunes the engine.
type Config struct {
	BatchSize    int
	SyncInterval time.Duration
	BatchTimeout time.Duration
	// MaxConcurrent bounds how many collections sync at once.
	MaxConcurrent int
}

// Status is the observable replication state consumed by the
// connectivity-status surface.
type Status struct {
	IsActive     bool      `json:"is_active"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}

// Engine is the bidirectional synchronizer.
type Engine struct {
	store   *store.Store
	remote  RemoteClient
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger

	bulkhead *resilience.Bulkhead

	mu         sync.Mutex
	status     Status
	statusSubs map[int]chan Status
	nextSubID  int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine over the given store and remote client.
func New(s *store.Store, rc RemoteClient, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 15 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = len(domain.AllCollections)
	}
	return &Engine{
		store:      s,
		remote:     rc,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrent),
		statusSubs: make(map[int]chan Status),
	}
}

// Start performs the initial pull gate, then launches the continuous
// background loops. Only the pull side gates readiness: if the initial pull
// fails the engine logs it and the application proceeds against local data,
// with the background loops retrying.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return nil // already running
	}

	if err := e.pullAll(ctx); err != nil {
		e.logger.Warn("replication: initial pull failed, starting in offline mode", zap.Error(err))
		e.setStatus(func(st *Status) { st.LastError = err.Error() })
	} else {
		e.setStatus(func(st *Status) { st.LastError = ""; st.LastSyncedAt = time.Now().UTC() })
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.setStatus(func(st *Status) { st.IsActive = true })

	go e.run(runCtx)
	return nil
}

// Stop cancels all in-flight sync tasks and waits for the loops to exit.
// It must complete before the store closes on logout or identity switch.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.setStatus(func(st *Status) { st.IsActive = false })
}

// run drives one loop per collection so a failing collection never halts
// the others.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	var wg sync.WaitGroup
	for _, col := range domain.AllCollections {
		wg.Add(1)
		go func(col domain.Collection) {
			defer wg.Done()
			ticker := time.NewTicker(e.cfg.SyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					e.syncCollection(ctx, col)
				}
			}
		}(col)
	}
	wg.Wait()
}

// ForceSync runs one full pull+push cycle across every collection now.
func (e *Engine) ForceSync(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Engine.ForceSync")
	defer span.End()

	g, gCtx := errgroup.WithContext(ctx)
	for _, col := range domain.AllCollections {
		col := col
		g.Go(func() error {
			return e.syncCollection(gCtx, col)
		})
	}
	return g.Wait()
}

// Status returns the current status snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SubscribeStatus registers a listener for status changes. Cancel is
// idempotent; the channel closes on cancel.
func (e *Engine) SubscribeStatus() (<-chan Status, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Status, 8)
	id := e.nextSubID
	e.nextSubID++
	e.statusSubs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.statusSubs[id]; ok {
			delete(e.statusSubs, id)
			close(sub)
		}
	}
}

func (e *Engine) setStatus(mutate func(*Status)) {
	e.mu.Lock()
	mutate(&e.status)
	snapshot := e.status
	for _, ch := range e.statusSubs {
		select {
		case ch <- snapshot:
		default:
		}
	}
	e.mu.Unlock()
}

// pullAll is the startup gate: one pull over every collection, concurrently,
// collecting the first error.
func (e *Engine) pullAll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Engine.InitialPull")
	defer span.End()

	g, gCtx := errgroup.WithContext(ctx)
	for _, col := range domain.AllCollections {
		col := col
		g.Go(func() error {
			return e.pullCollection(gCtx, col)
		})
	}
	return g.Wait()
}

// syncCollection runs one pull+push cycle for a single collection under the
// bulkhead and the per-batch timeout. Transient errors are already retried
// inside the remote client; whatever still fails is recorded in the status
// and left for the next tick.
func (e *Engine) syncCollection(ctx context.Context, col domain.Collection) error {
	if err := e.bulkhead.Acquire(ctx); err != nil {
		return err
	}
	defer e.bulkhead.Release()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.BatchTimeout)
	defer cancel()

	start := time.Now()
	err := e.pullCollection(ctx, col)
	if err == nil {
		err = e.pushCollection(ctx, col)
	}
	e.metrics.ObserveSyncCycle(string(col), time.Since(start))

	switch {
	case err == nil:
		e.setStatus(func(st *Status) { st.LastError = ""; st.LastSyncedAt = time.Now().UTC() })
	case errors.Is(err, context.Canceled):
		// shutdown, not a failure
	default:
		var conflict *domain.ErrConflict
		if errors.As(err, &conflict) {
			e.metrics.IncrConflict(string(col))
			e.logger.Warn("replication: push conflict, re-pulling",
				zap.String("collection", string(col)),
				zap.String("id", conflict.ID),
				zap.String("reason", conflict.Reason),
			)
			// The remote's terminal copy wins; pulling it clears the
			// conflicting dirty document.
			if pullErr := e.pullCollection(ctx, col); pullErr != nil {
				e.logger.Warn("replication: re-pull after conflict failed",
					zap.String("collection", string(col)), zap.Error(pullErr))
			}
		} else {
			e.metrics.IncrSyncError(string(col))
			e.logger.Warn("replication: sync cycle failed",
				zap.String("collection", string(col)), zap.Error(err))
		}
		e.setStatus(func(st *Status) { st.LastError = err.Error() })
	}
	return err
}

// pullCollection drains the remote changefeed from the last checkpoint in
// bounded batches, normalizes each row, and applies it with per-entity
// conflict arbitration.
func (e *Engine) pullCollection(ctx context.Context, col domain.Collection) error {
	ctx, span := tracer.Start(ctx, "Engine.Pull")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(col)))

	for {
		cursor, err := e.store.Checkpoint(ctx, col)
		if err != nil {
			return err
		}
		page, err := e.remote.Changes(ctx, col, cursor, e.cfg.BatchSize)
		if err != nil {
			return err
		}

		for _, change := range page.Changes {
			if err := e.applyRemote(ctx, col, change); err != nil {
				// The checkpoint advances past this row; quarantine keeps
				// it inspectable until a later change for the same entity
				// applies cleanly.
				e.logger.Warn("replication: quarantining unappliable remote change",
					zap.String("collection", string(col)),
					zap.String("id", change.ID),
					zap.Error(err),
				)
				e.metrics.IncrSyncError(string(col))
				if qErr := e.store.Quarantine(ctx, col, change.ID, err.Error()); qErr != nil {
					e.logger.Warn("replication: quarantine write failed",
						zap.String("collection", string(col)), zap.Error(qErr))
				}
			} else if err := e.store.ClearQuarantine(ctx, col, change.ID); err != nil {
				e.logger.Warn("replication: quarantine clear failed",
					zap.String("collection", string(col)), zap.Error(err))
			}
			e.metrics.IncrPulled(string(col))
		}

		if page.NextCursor != "" && page.NextCursor != cursor {
			if err := e.store.SetCheckpoint(ctx, col, page.NextCursor); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
	}
}

// pushCollection sends the dirty documents of one collection in local
// mutation order and clears their dirty flags on success.
func (e *Engine) pushCollection(ctx context.Context, col domain.Collection) error {
	ctx, span := tracer.Start(ctx, "Engine.Push")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(col)))

	for {
		pending, err := e.store.PendingPush(ctx, col, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		docs := make([]json.RawMessage, 0, len(pending))
		for _, d := range pending {
			docs = append(docs, json.RawMessage(d.Payload))
		}

		if err := e.remote.Upsert(ctx, col, docs); err != nil {
			return err
		}
		// The ack is revision-conditional: a document the UI rewrote while
		// this batch was in flight stays dirty and pushes next cycle.
		if err := e.store.MarkPushed(ctx, col, pending); err != nil {
			return err
		}
		e.metrics.AddPushed(string(col), len(pending))

		if len(pending) < e.cfg.BatchSize {
			return nil
		}
	}
}
