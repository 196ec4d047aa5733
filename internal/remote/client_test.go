package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/prestasur/synccore/internal/domain"
	"github.com/prestasur/synccore/internal/infra/resilience"
	"github.com/prestasur/synccore/internal/remote"
)

var testSecret = []byte("test-device-secret")

func newClient(t *testing.T, baseURL string) *remote.Client {
	t.Helper()
	return remote.NewClient(
		&http.Client{Timeout: 5 * time.Second},
		baseURL,
		testSecret,
		"user-1",
		resilience.NewCircuitBreaker("test"),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
		zap.NewNop(),
	)
}

func TestChanges_AuthenticatedRequest(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(remote.ChangePage{
			Changes:    []remote.Change{{ID: "cr-1", Fields: json.RawMessage(`{"id":"cr-1"}`)}},
			NextCursor: "7",
		})
	}))
	defer srv.Close()

	page, err := newClient(t, srv.URL).Changes(context.Background(), domain.Credits, "3", 50)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if gotPath != "/v1/changes/credits" {
		t.Errorf("path = %s", gotPath)
	}
	if gotQuery != "since=3&limit=50" {
		t.Errorf("query = %s", gotQuery)
	}
	if len(page.Changes) != 1 || page.NextCursor != "7" {
		t.Errorf("page = %+v", page)
	}

	// The bearer token is a valid short-lived HS256 device token.
	raw := strings.TrimPrefix(gotAuth, "Bearer ")
	if raw == gotAuth {
		t.Fatal("missing bearer token")
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return testSecret, nil })
	if err != nil || !tok.Valid {
		t.Fatalf("device token invalid: %v", err)
	}
	if sub, _ := tok.Claims.GetSubject(); sub != "user-1" {
		t.Errorf("token subject = %q", sub)
	}
}

func TestChanges_RetriesTransientStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(remote.ChangePage{})
	}))
	defer srv.Close()

	if _, err := newClient(t, srv.URL).Changes(context.Background(), domain.Credits, "", 10); err != nil {
		t.Fatalf("Changes after retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestUpsert_ConflictIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"code": "terminal_state_violation", "id": "cr-1", "reason": "credit is paid",
		})
	}))
	defer srv.Close()

	err := newClient(t, srv.URL).Upsert(context.Background(), domain.Credits,
		[]json.RawMessage{json.RawMessage(`{"id":"cr-1"}`)})

	var conflict *domain.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if conflict.ID != "cr-1" || conflict.Reason != "credit is paid" {
		t.Errorf("conflict detail = %+v", conflict)
	}
	if calls != 1 {
		t.Errorf("conflict must not be retried, got %d calls", calls)
	}
}

func TestUpsert_ConflictWithBareBodyGetsDefaultReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	err := newClient(t, srv.URL).Upsert(context.Background(), domain.Credits,
		[]json.RawMessage{json.RawMessage(`{"id":"cr-1"}`)})
	var conflict *domain.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if conflict.Reason != "terminal_state_violation" {
		t.Errorf("reason = %q, want the default rejection code", conflict.Reason)
	}
}

func TestUpsert_ValidationRejectionIsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"id": "p-1", "reason": "amount must be positive"})
	}))
	defer srv.Close()

	err := newClient(t, srv.URL).Upsert(context.Background(), domain.Payments,
		[]json.RawMessage{json.RawMessage(`{"id":"p-1"}`)})
	var conflict *domain.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpsert_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newClient(t, srv.URL).Upsert(context.Background(), domain.Credits,
		[]json.RawMessage{json.RawMessage(`{"id":"cr-1"}`)})
	var transient *domain.ErrTransient
	if !errors.As(err, &transient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestChanges_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	_, err := newClient(t, srv.URL).Changes(context.Background(), domain.Credits, "", 10)
	var transient *domain.ErrTransient
	if !errors.As(err, &transient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}
