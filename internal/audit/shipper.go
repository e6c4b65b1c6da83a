package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/db/models"
	"github.com/knowledge-portal/portal/internal/safego"
	"github.com/knowledge-portal/portal/internal/telemetry"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultFlushInterval  = 5 * time.Second
	webhookQueueSize      = 1000
)

// LogEntry is the shipped form of an audit entry
type LogEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	UserID       string         `json:"user_id,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	StatusCode   int            `json:"status_code,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewLogEntry flattens a stored audit entry for shipping
func NewLogEntry(l *models.AuditLog) *LogEntry {
	e := &LogEntry{
		Timestamp:    l.CreatedAt,
		Action:       l.Action,
		UserID:       deref(l.UserID),
		Subject:      deref(l.Subject),
		ResourceType: deref(l.ResourceType),
		ResourceID:   deref(l.ResourceID),
		Outcome:      deref(l.Outcome),
		RequestID:    deref(l.RequestID),
		IPAddress:    deref(l.IPAddress),
		Metadata:     l.Metadata,
	}
	if l.StatusCode != nil {
		e.StatusCode = *l.StatusCode
	}
	return e
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Shipper sends audit entries to an external destination
type Shipper interface {
	// Ship sends an audit log entry to the destination
	Ship(ctx context.Context, entry *LogEntry) error
	// Close flushes and releases the destination
	Close() error
}

type namedShipper struct {
	kind string
	Shipper
}

// MultiShipper ships to every configured destination
type MultiShipper struct {
	shippers []namedShipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a shipper for each enabled config
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var (
			shipper Shipper
			err     error
		)
		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				err = fmt.Errorf("webhook config is required")
				break
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				err = fmt.Errorf("file config is required")
				break
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			err = fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}
		if err != nil {
			ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, namedShipper{kind: cfg.Type, Shipper: shipper})
	}

	return ms, nil
}

// Len returns the number of active shippers
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends entry to every shipper. A failing shipper does not stop the
// others; the last error is returned.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			lastErr = err
			telemetry.AuditShipErrorsTotal.WithLabelValues(s.kind).Inc()
			slog.Warn("audit shipper error", "type", s.kind, "action", entry.Action, "error", err)
		}
	}
	return lastErr
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper posts audit entries as JSON. With a batch size it queues
// entries and posts them as arrays, on a full batch or every flush interval.
type WebhookShipper struct {
	cfg       *config.AuditWebhookConfig
	client    *resty.Client
	timeout   time.Duration
	batchCh   chan *LogEntry
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a webhook shipper
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	ws := &WebhookShipper{
		cfg:     cfg,
		timeout: timeout,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeaders(cfg.Headers),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		ws.batchCh = make(chan *LogEntry, webhookQueueSize)
		safego.Go("audit.webhook-batch", ws.processBatches)
	} else {
		close(ws.done)
	}

	return ws, nil
}

// processBatches owns the pending batch until Close
func (ws *WebhookShipper) processBatches() {
	defer close(ws.done)

	interval := ws.cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []*LogEntry
	for {
		select {
		case entry := <-ws.batchCh:
			batch = append(batch, entry)
			if len(batch) >= ws.cfg.BatchSize {
				batch = ws.flush(batch)
			}
		case <-ticker.C:
			batch = ws.flush(batch)
		case <-ws.closeCh:
			for {
				select {
				case entry := <-ws.batchCh:
					batch = append(batch, entry)
				default:
					ws.flush(batch)
					return
				}
			}
		}
	}
}

// flush posts batch and returns an empty one
func (ws *WebhookShipper) flush(batch []*LogEntry) []*LogEntry {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.timeout)
	defer cancel()
	if err := ws.post(ctx, batch); err != nil {
		telemetry.AuditShipErrorsTotal.WithLabelValues("webhook").Add(float64(len(batch)))
		slog.Warn("failed to send audit batch", "entries", len(batch), "error", err)
	}
	return batch[:0]
}

// Ship sends entry to the webhook, or queues it when batching
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.batchCh != nil {
		select {
		case ws.batchCh <- entry:
			return nil
		default:
			// Queue full; send directly.
		}
	}
	return ws.post(ctx, entry)
}

func (ws *WebhookShipper) post(ctx context.Context, body any) error {
	resp, err := ws.client.R().SetContext(ctx).SetBody(body).Post(ws.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// Close flushes queued entries and stops the batch loop
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.done
	return nil
}

// FileShipper appends audit entries to a file as JSON lines, rotating it once
// it grows past MaxSizeMB.
type FileShipper struct {
	cfg  *config.AuditFileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper opens cfg.Path for appending
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileShipper{
		cfg:  cfg,
		file: file,
	}, nil
}

// Ship writes an entry to the file
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit log", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and reopens it
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fs.cfg.Path, i), fmt.Sprintf("%s.%d", fs.cfg.Path, i+1))
	}
	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")
	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
