package replication

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/prestasur/synccore/internal/domain"
	"github.com/prestasur/synccore/internal/remote"
	"github.com/prestasur/synccore/internal/store"
)

// applyRemote normalizes one remote change and applies it to the local
// store, arbitrating against the local copy per entity. Two remote changes
// to the same entity in one batch collapse through the same rule, so apply
// order inside a batch cannot produce a state the priority order forbids.
func (e *Engine) applyRemote(ctx context.Context, col domain.Collection, change remote.Change) error {
	payload, err := normalize(col, change.Fields)
	if err != nil {
		return err
	}

	switch col {
	case domain.Credits:
		return e.applyRemoteCredit(ctx, payload)
	case domain.Payments:
		return e.applyRemotePayment(ctx, payload)
	case domain.CashMovements:
		return e.applyRemoteMovement(ctx, payload)
	case domain.Clients:
		return e.applyRemoteClient(ctx, payload)
	case domain.Guarantees:
		return e.applyRemoteGuarantee(ctx, payload)
	}
	return nil
}

// applyRemoteCredit arbitrates by state priority: the higher-priority state
// wins the whole document, and if the winner is terminal every field
// freezes to the winning side. Ties keep the remote value — the relational
// store is the system of record.
func (e *Engine) applyRemoteCredit(ctx context.Context, payload json.RawMessage) error {
	var incoming domain.Credit
	if err := json.Unmarshal(payload, &incoming); err != nil {
		return err
	}

	local, err := e.store.GetCredit(ctx, incoming.ID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		return e.store.PutCredit(ctx, &incoming, store.OriginRemote)
	}

	if !domain.RemoteWins(local.State, incoming.State) {
		// The local copy is further along; it stays, and stays queued for
		// push. The server-side procedures are the canonical arbiter when
		// that push lands.
		e.logger.Debug("replication: local credit outranks remote copy",
			zap.String("credit_id", incoming.ID),
			zap.String("local_state", string(local.State)),
			zap.String("remote_state", string(incoming.State)),
		)
		return nil
	}
	return e.store.PutCredit(ctx, &incoming, store.OriginRemote)
}

// applyRemotePayment uses last-write-wins by creation timestamp; payments
// are logically immutable so a newer local record only exists when the
// reversal linkage was written locally and not yet pushed.
func (e *Engine) applyRemotePayment(ctx context.Context, payload json.RawMessage) error {
	var incoming domain.Payment
	if err := json.Unmarshal(payload, &incoming); err != nil {
		return err
	}

	local, err := e.store.GetPayment(ctx, incoming.ID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		return e.store.PutPayment(ctx, &incoming, store.OriginRemote)
	}
	if local.ReversedByID != "" && incoming.ReversedByID == "" {
		return nil // keep the local void until it pushes
	}
	return e.store.PutPayment(ctx, &incoming, store.OriginRemote)
}

func (e *Engine) applyRemoteMovement(ctx context.Context, payload json.RawMessage) error {
	var incoming domain.CashMovement
	if err := json.Unmarshal(payload, &incoming); err != nil {
		return err
	}

	local, err := e.store.GetMovement(ctx, incoming.ID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		return e.store.PutMovement(ctx, &incoming, store.OriginRemote)
	}
	if local.ReversedByID != "" && incoming.ReversedByID == "" {
		return nil
	}
	return e.store.PutMovement(ctx, &incoming, store.OriginRemote)
}

// applyRemoteClient/Guarantee use last-write-wins by update timestamp;
// ties keep the remote value.
func (e *Engine) applyRemoteClient(ctx context.Context, payload json.RawMessage) error {
	var incoming domain.Client
	if err := json.Unmarshal(payload, &incoming); err != nil {
		return err
	}

	local, err := e.store.GetClient(ctx, incoming.ID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		return e.store.PutClient(ctx, &incoming, store.OriginRemote)
	}
	if local.UpdatedAt.After(incoming.UpdatedAt) {
		return nil
	}
	return e.store.PutClient(ctx, &incoming, store.OriginRemote)
}

func (e *Engine) applyRemoteGuarantee(ctx context.Context, payload json.RawMessage) error {
	var incoming domain.Guarantee
	if err := json.Unmarshal(payload, &incoming); err != nil {
		return err
	}

	local, err := e.store.GetGuarantee(ctx, incoming.ID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		return e.store.PutGuarantee(ctx, &incoming, store.OriginRemote)
	}
	if local.UpdatedAt.After(incoming.UpdatedAt) {
		return nil
	}
	return e.store.PutGuarantee(ctx, &incoming, store.OriginRemote)
}

func isNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}
