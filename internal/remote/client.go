// Package remote implements the HTTP client for the authoritative backend:
// a per-collection changefeed ("changes since checkpoint") and an upsert
// endpoint that enforces terminal-state immutability server-side. Monetary
// columns round-trip as decimal text; any float that still leaks through is
// normalized by the replication engine before it reaches the local store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/prestasur/synccore/internal/domain"
	"github.com/prestasur/synccore/internal/infra/resilience"
)

var tracer = otel.Tracer("remote")

// conflictCode is the remote's distinguishable rejection code for pushes
// that violate terminal-state immutability or server-side validation.
const conflictCode = "terminal_state_violation"

// Change is one entry in a collection's changefeed. Fields holds the raw
// column map; normalization into the local shape happens in the replication
// engine's mapping tables.
type Change struct {
	ID     string          `json:"id"`
	Cursor string          `json:"cursor"`
	Fields json.RawMessage `json:"fields"`
}

// ChangePage is a bounded batch of remote changes.
type ChangePage struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// pushRejection is the remote's error body on a refused upsert.
type pushRejection struct {
	Code   string `json:"code"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Client talks to the authoritative backend with retry and a circuit
// breaker per the resilience configuration.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secret     []byte
	identityID string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a remote client. The secret signs short-lived device
// tokens identifying this identity to the backend.
func NewClient(httpClient *http.Client, baseURL string, secret []byte, identityID string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		secret:     secret,
		identityID: identityID,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

// deviceToken mints a short-lived HS256 token for one request batch.
func (c *Client) deviceToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": c.identityID,
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// doRequest executes one authenticated request.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}

	token, err := c.deviceToken()
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("remote: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, 0, &domain.ErrTransient{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &domain.ErrTransient{Op: method + " " + path, Err: err}
	}

	c.logger.Debug("remote: request done",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return respBody, resp.StatusCode, nil
}

// Changes fetches one bounded batch of a collection's changefeed since the
// given cursor. An empty cursor starts from the beginning.
func (c *Client) Changes(ctx context.Context, col domain.Collection, cursor string, limit int) (*ChangePage, error) {
	ctx, span := tracer.Start(ctx, "Remote.Changes")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(col)))

	var page *ChangePage
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			path := fmt.Sprintf("/v1/changes/%s?since=%s&limit=%d", col, url.QueryEscape(cursor), limit)
			body, status, err := c.doRequest(ctx, http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return &domain.ErrTransient{Op: "changes " + string(col), Err: fmt.Errorf("status %d: %s", status, body)}
			}
			page = &ChangePage{}
			if err := json.Unmarshal(body, page); err != nil {
				return &domain.ErrTransient{Op: "changes " + string(col), Err: err}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Upsert pushes one batch of local documents. A 409 with the terminal-state
// code comes back as ErrConflict and must not be retried blindly; the
// replication engine re-pulls instead.
func (c *Client) Upsert(ctx context.Context, col domain.Collection, docs []json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "Remote.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", string(col)),
		attribute.Int("batch_size", len(docs)),
	)

	payload, err := json.Marshal(map[string]any{"documents": docs})
	if err != nil {
		return err
	}

	_, err = c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			body, status, err := c.doRequest(ctx, http.MethodPost, "/v1/upsert/"+string(col), payload)
			if err != nil {
				return err
			}
			switch {
			case status >= 200 && status < 300:
				return nil
			case status == http.StatusConflict:
				var rej pushRejection
				_ = json.Unmarshal(body, &rej)
				reason := rej.Reason
				if reason == "" {
					reason = rej.Code
				}
				if reason == "" {
					reason = conflictCode
				}
				// Conflicts are final for this batch; backoff stops here.
				return resilience.Permanent(&domain.ErrConflict{Collection: col, ID: rej.ID, Reason: reason})
			case status == http.StatusUnprocessableEntity:
				var rej pushRejection
				_ = json.Unmarshal(body, &rej)
				reason := rej.Reason
				if reason == "" {
					reason = rej.Code
				}
				if reason == "" {
					reason = "rejected_by_remote"
				}
				return resilience.Permanent(&domain.ErrConflict{Collection: col, ID: rej.ID, Reason: reason})
			default:
				return &domain.ErrTransient{Op: "upsert " + string(col), Err: fmt.Errorf("status %d: %s", status, body)}
			}
		})
	})
	return err
}
