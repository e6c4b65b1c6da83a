// Package backend is the client for the knowledge backend API. Every call is
// made on behalf of the signed-in user with the session access token as bearer.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/telemetry"
)

// ErrNoToken is returned when a call is attempted without an access token
var ErrNoToken = errors.New("backend: no access token")

// Error is returned for any failed backend call
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the backend status of err, or 0 when the call never got a
// response.
func StatusCode(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.Status
	}
	return 0
}

// API is the set of backend operations the portal uses
type API interface {
	ListSectors(ctx context.Context, token string) ([]Sector, error)
	CreateSector(ctx context.Context, token string, req CreateSectorRequest) (*Sector, error)
	DeleteSector(ctx context.Context, token, id string) error
	SendChat(ctx context.Context, token string, req ChatRequest) (*ChatResponse, error)
	UploadDocument(ctx context.Context, token string, up Upload) (*Document, error)
	ListDocuments(ctx context.Context, token, sectorID string) ([]Document, error)
	DeleteDocument(ctx context.Context, token, id string) error
	Invite(ctx context.Context, token string, req InviteRequest) (*Invitation, error)
	UnreadCount(ctx context.Context, token string) (int, error)
	Health(ctx context.Context) error
}

// Upload is a document to forward as multipart/form-data
type Upload struct {
	Filename    string
	ContentType string
	SectorID    string
	Body        io.Reader
}

// Client implements API over HTTP
type Client struct {
	// reads are retried on transport errors; writes are sent exactly once
	reads  *resty.Client
	writes *resty.Client
}

var _ API = (*Client)(nil)

// NewClient builds a client from the backend configuration
func NewClient(cfg *config.BackendConfig) *Client {
	return &Client{
		reads:  newResty(cfg.APIURL, cfg.Timeout).SetRetryCount(cfg.RetryCount).SetRetryWaitTime(200 * time.Millisecond),
		writes: newResty(cfg.APIURL, cfg.Timeout).SetRetryCount(0),
	}
}

func newResty(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

// call runs one request and records metrics. out may be nil.
func (c *Client) call(ctx context.Context, rc *resty.Client, op, method, path, token string, build func(*resty.Request), out any) error {
	if token == "" {
		return &Error{Op: op, Err: ErrNoToken}
	}

	req := rc.R().SetContext(ctx).SetAuthToken(token)
	if build != nil {
		build(req)
	}
	if out != nil {
		req.SetResult(out)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	telemetry.BackendRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.BackendRequestsTotal.WithLabelValues(op, telemetry.StatusClass(0)).Inc()
		slog.Error("backend request failed", "op", op, "error", err)
		return &Error{Op: op, Err: err}
	}
	telemetry.BackendRequestsTotal.WithLabelValues(op, telemetry.StatusClass(resp.StatusCode())).Inc()

	if resp.IsError() || resp.StatusCode() >= http.StatusMultipleChoices {
		slog.Warn("backend returned error status", "op", op, "status", resp.StatusCode())
		return &Error{Op: op, Status: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ListSectors returns the sectors visible to the user
func (c *Client) ListSectors(ctx context.Context, token string) ([]Sector, error) {
	var out []Sector
	if err := c.call(ctx, c.reads, "sectors.list", http.MethodGet, "/sectors", token, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Sector{}
	}
	return out, nil
}

func (c *Client) CreateSector(ctx context.Context, token string, body CreateSectorRequest) (*Sector, error) {
	var out Sector
	err := c.call(ctx, c.writes, "sectors.create", http.MethodPost, "/sectors", token, func(r *resty.Request) {
		r.SetBody(body)
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSector(ctx context.Context, token, id string) error {
	return c.call(ctx, c.writes, "sectors.delete", http.MethodDelete, "/sectors/"+url.PathEscape(id), token, nil, nil)
}

// SendChat asks the assistant a question within a sector
func (c *Client) SendChat(ctx context.Context, token string, body ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	err := c.call(ctx, c.writes, "chat.send", http.MethodPost, "/chat", token, func(r *resty.Request) {
		r.SetBody(body)
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Sources == nil {
		out.Sources = []Source{}
	}
	return &out, nil
}

// UploadDocument forwards a file to the backend for ingestion
func (c *Client) UploadDocument(ctx context.Context, token string, up Upload) (*Document, error) {
	var out Document
	err := c.call(ctx, c.writes, "documents.upload", http.MethodPost, "/documents", token, func(r *resty.Request) {
		r.SetMultipartField("file", up.Filename, up.ContentType, up.Body)
		if up.SectorID != "" {
			r.SetMultipartFormData(map[string]string{"sectorId": up.SectorID})
		}
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocuments returns the documents of a sector; an empty sectorID lists all
func (c *Client) ListDocuments(ctx context.Context, token, sectorID string) ([]Document, error) {
	var out []Document
	err := c.call(ctx, c.reads, "documents.list", http.MethodGet, "/documents", token, func(r *resty.Request) {
		if sectorID != "" {
			r.SetQueryParam("sectorId", sectorID)
		}
	}, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Document{}
	}
	return out, nil
}

func (c *Client) DeleteDocument(ctx context.Context, token, id string) error {
	return c.call(ctx, c.writes, "documents.delete", http.MethodDelete, "/documents/"+url.PathEscape(id), token, nil, nil)
}

// Invite asks the backend to invite a new user
func (c *Client) Invite(ctx context.Context, token string, body InviteRequest) (*Invitation, error) {
	var out Invitation
	err := c.call(ctx, c.writes, "users.invite", http.MethodPost, "/users/invite", token, func(r *resty.Request) {
		r.SetBody(body)
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UnreadCount returns the number of unread notifications
func (c *Client) UnreadCount(ctx context.Context, token string) (int, error) {
	var out unreadCount
	if err := c.call(ctx, c.reads, "notifications.unread", http.MethodGet, "/notifications/unread-count", token, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Health checks that the backend answers. It needs no user token.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.reads.R().SetContext(ctx).Get("/health")
	if err != nil {
		return &Error{Op: "health", Err: err}
	}
	if resp.IsError() {
		return &Error{Op: "health", Status: resp.StatusCode()}
	}
	return nil
}
