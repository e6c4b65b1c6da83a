// Package usersync maps an identity-provider subject to the backend's internal
// user id and roles. The call is made once per sign-in. Every failure is typed
// so callers can log and count it, and none of them is meant to block a login.
package usersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"

	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/telemetry"
)

// Kind classifies why a sync produced no result
type Kind string

const (
	KindMissingKey     Kind = "missing_key"
	KindMissingProfile Kind = "missing_profile"
	KindHTTPStatus     Kind = "http_status"
	KindMalformedBody  Kind = "malformed_body"
	KindNetwork        Kind = "network"
)

// OutcomeSynced is the metric/audit label for a successful sync
const OutcomeSynced = "synced"

// InternalKeyHeader carries the pre-shared internal API key
const InternalKeyHeader = "X-Internal-API-Key"

const syncPath = "/users/sync"

// Error is returned for every failed sync
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("user sync %s: status %d", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("user sync %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("user sync %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome returns the label recorded for a sync result: "synced" for nil, the
// failure kind otherwise.
func Outcome(err error) string {
	if err == nil {
		return OutcomeSynced
	}
	var se *Error
	if errors.As(err, &se) {
		return string(se.Kind)
	}
	return string(KindNetwork)
}

// Request is the body sent to the sync endpoint
type Request struct {
	Auth0UserID string `json:"auth0UserId"`
	Email       string `json:"email"`
	Name        string `json:"name"`
}

// Complete reports whether every field needed for a sync is present
func (r Request) Complete() bool {
	return r.Auth0UserID != "" && r.Email != "" && r.Name != ""
}

// Result is a validated sync response. Roles is never nil.
type Result struct {
	ID    string   `json:"id" validate:"required,uuid"`
	Roles []string `json:"roles"`
}

// Syncer is implemented by Client and by test fakes
type Syncer interface {
	Sync(ctx context.Context, req Request) (*Result, error)
}

// Client calls the backend sync endpoint
type Client struct {
	http     *resty.Client
	apiKey   string
	validate *validator.Validate
}

// NewClient builds a sync client from configuration. Sync is never retried: a
// failed call degrades the session instead of delaying the login.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		http:     buildHTTPClient(cfg.Backend.APIURL, cfg.Backend.Timeout),
		apiKey:   cfg.Auth.InternalAPIKey,
		validate: validator.New(),
	}
}

func buildHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
}

// Sync posts req to the backend. A nil result always comes with an *Error.
func (c *Client) Sync(ctx context.Context, req Request) (*Result, error) {
	log := slog.With("sub", req.Auth0UserID, "email", req.Email)

	if !req.Complete() {
		log.Warn("user sync skipped: profile incomplete",
			"has_sub", req.Auth0UserID != "", "has_email", req.Email != "", "has_name", req.Name != "")
		return nil, &Error{Kind: KindMissingProfile}
	}
	if c.apiKey == "" {
		log.Error("user sync skipped: internal API key not configured")
		return nil, &Error{Kind: KindMissingKey}
	}

	log.Debug("user sync attempt")
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(InternalKeyHeader, c.apiKey).
		SetBody(req).
		Post(syncPath)
	telemetry.BackendRequestDuration.WithLabelValues("users.sync").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.BackendRequestsTotal.WithLabelValues("users.sync", telemetry.StatusClass(0)).Inc()
		log.Error("user sync failed: network error", "error", err)
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	telemetry.BackendRequestsTotal.WithLabelValues("users.sync", telemetry.StatusClass(resp.StatusCode())).Inc()

	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		log.Error("user sync failed: unexpected status", "status", resp.StatusCode())
		return nil, &Error{Kind: KindHTTPStatus, Status: resp.StatusCode()}
	}

	result, err := c.decode(resp.Body())
	if err != nil {
		log.Error("user sync failed: malformed response body", "error", err)
		return nil, &Error{Kind: KindMalformedBody, Err: err}
	}

	log.Info("user sync succeeded", "user_id", result.ID, "roles", result.Roles)
	return result, nil
}

func (c *Client) decode(body []byte) (*Result, error) {
	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := c.validate.Struct(&result); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if result.Roles == nil {
		result.Roles = []string{}
	}
	return &result, nil
}
