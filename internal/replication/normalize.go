package replication

import (
	"encoding/json"
	"fmt"

	"github.com/prestasur/synccore/internal/domain"
	"github.com/prestasur/synccore/internal/money"
)

// Remote rows arrive as loose column maps. Each collection declares one
// mapping table (remote column -> local field plus a transform) and the
// engine applies it uniformly; there is no per-collection ad hoc stripping.
// Columns not named in the table are server-only and dropped.

// transform converts one remote value. keep=false drops the field.
type transform func(v any) (out any, keep bool, err error)

// fieldRule maps one remote column to a local field.
type fieldRule struct {
	remote    string
	local     string
	transform transform
}

// copyValue keeps the value as-is, including JSON null.
func copyValue(v any) (any, bool, error) {
	return v, true, nil
}

// dropIfNull keeps the value unless it is JSON null.
func dropIfNull(v any) (any, bool, error) {
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// floatToDecimal converts a monetary column to a fixed-scale decimal
// string. Decimal text passes through validated; a binary float must be
// exactly representable at the fixed scale or normalization fails — a
// silently truncated cent here is the bug this subsystem exists to prevent.
func floatToDecimal(v any) (any, bool, error) {
	switch n := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		a, err := money.Parse(n)
		if err != nil {
			return nil, false, err
		}
		return a.String(), true, nil
	case float64:
		a, err := money.FromFloat(n)
		if err != nil {
			return nil, false, err
		}
		return a.String(), true, nil
	default:
		return nil, false, fmt.Errorf("monetary column has type %T", v)
	}
}

// collectionMappings declares the pull-side normalization per collection.
var collectionMappings = map[domain.Collection][]fieldRule{
	domain.Credits: {
		{"id", "id", copyValue},
		{"client_id", "client_id", copyValue},
		{"principal", "principal", floatToDecimal},
		{"outstanding_balance", "outstanding_balance", floatToDecimal},
		{"interest_rate", "interest_rate", floatToDecimal},
		{"start_date", "start_date", dropIfNull},
		{"due_date", "due_date", dropIfNull},
		{"state", "state", copyValue},
		{"notes", "notes", dropIfNull},
		{"created_at", "created_at", dropIfNull},
		{"created_by", "created_by", dropIfNull},
		{"updated_at", "updated_at", dropIfNull},
		{"updated_by", "updated_by", dropIfNull},
	},
	domain.Payments: {
		{"id", "id", copyValue},
		{"credit_id", "credit_id", copyValue},
		{"amount", "amount", floatToDecimal},
		{"kind", "kind", copyValue},
		{"payment_method", "payment_method", dropIfNull},
		{"operator_id", "operator_id", dropIfNull},
		{"register_id", "register_id", dropIfNull},
		{"reversal_of_id", "reversal_of_id", dropIfNull},
		{"reversed_by_id", "reversed_by_id", dropIfNull},
		{"created_at", "created_at", dropIfNull},
		{"created_by", "created_by", dropIfNull},
	},
	domain.CashMovements: {
		{"id", "id", copyValue},
		{"register_id", "register_id", copyValue},
		{"direction", "direction", copyValue},
		{"amount", "amount", floatToDecimal},
		{"reason", "reason", dropIfNull},
		{"balance_before", "balance_before", floatToDecimal},
		{"balance_after", "balance_after", floatToDecimal},
		{"reversal_of_id", "reversal_of_id", dropIfNull},
		{"reversed_by_id", "reversed_by_id", dropIfNull},
		{"created_at", "created_at", dropIfNull},
		{"created_by", "created_by", dropIfNull},
	},
	domain.Clients: {
		{"id", "id", copyValue},
		{"full_name", "full_name", copyValue},
		{"document", "document", dropIfNull},
		{"phone", "phone", dropIfNull},
		{"address", "address", dropIfNull},
		{"is_deleted", "is_deleted", dropIfNull},
		{"created_at", "created_at", dropIfNull},
		{"updated_at", "updated_at", dropIfNull},
	},
	domain.Guarantees: {
		{"id", "id", copyValue},
		{"credit_id", "credit_id", copyValue},
		{"description", "description", dropIfNull},
		{"valuation", "valuation", floatToDecimal},
		{"is_deleted", "is_deleted", dropIfNull},
		{"created_at", "created_at", dropIfNull},
		{"updated_at", "updated_at", dropIfNull},
	},
}

// normalize applies the collection's mapping table to one raw remote row
// and returns a payload in the local shape.
func normalize(col domain.Collection, raw json.RawMessage) (json.RawMessage, error) {
	rules, ok := collectionMappings[col]
	if !ok {
		return nil, fmt.Errorf("no mapping table for collection %s", col)
	}

	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(rules))
	for _, r := range rules {
		v, present := row[r.remote]
		if !present {
			continue
		}
		converted, keep, err := r.transform(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", r.remote, err)
		}
		if keep {
			out[r.local] = converted
		}
	}
	return json.Marshal(out)
}
