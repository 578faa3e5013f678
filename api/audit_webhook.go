package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// webhookQueueSize is the bounded channel capacity for outbound audit events.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string         `json:"event"`
	IdentityID string         `json:"identity_id,omitempty"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

func newWebhookEvent(event AuditEvent, r *http.Request, identityID string, ts time.Time, fields []zap.Field) webhookEvent {
	evt := webhookEvent{
		Event:      string(event),
		IdentityID: identityID,
		RemoteAddr: r.RemoteAddr,
		Timestamp:  ts.Format(time.RFC3339),
	}
	if len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range fields {
			f.AddTo(enc)
		}
		evt.Attrs = enc.Fields
	}
	return evt
}

const (
	webhookMaxAttempts = 3
	webhookUserAgent   = "CivicGate-Audit-Webhook/1.0"
)

// auditWebhook forwards audit events to an external HTTP endpoint from a
// single dispatcher goroutine. enqueue drops instead of waiting when the
// queue is full. Retries back off on a timer tied to the dispatcher's
// context, so close can abandon them when its deadline passes.
type auditWebhook struct {
	url         string
	headerName  string
	headerValue string
	client      *http.Client
	logger      *zap.Logger
	events      chan webhookEvent
	retryDelay  time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	dropped   atomic.Int64
}

// newAuditWebhook starts the dispatcher. authHeader is "Name: Value"; an
// empty or malformed value sends no extra header.
func newAuditWebhook(url, authHeader string, logger *zap.Logger) *auditWebhook {
	ctx, cancel := context.WithCancel(context.Background())
	w := &auditWebhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(zap.String("component", "audit_webhook")),
		events:     make(chan webhookEvent, webhookQueueSize),
		retryDelay: time.Second,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if name, value, ok := strings.Cut(authHeader, ":"); ok && strings.TrimSpace(name) != "" {
		w.headerName = strings.TrimSpace(name)
		w.headerValue = strings.TrimSpace(value)
	}
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.dropped.Add(1)
		w.logger.Warn("queue full, dropping event", zap.String("event", evt.Event))
	}
}

// close stops accepting events and waits for the queue to drain. When ctx
// ends first, the request in flight and any pending retry are cancelled
// and whatever is still queued is discarded.
func (w *auditWebhook) close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.events) })
	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return fmt.Errorf("audit webhook: %d events not delivered: %w", w.dropped.Load(), ctx.Err())
	}
}

func (w *auditWebhook) loop() {
	defer close(w.done)
	for evt := range w.events {
		if w.ctx.Err() != nil {
			w.dropped.Add(1)
			continue
		}
		if err := w.deliver(w.ctx, evt); err != nil {
			w.dropped.Add(1)
			w.logger.Warn("event not delivered", zap.String("event", evt.Event), zap.Error(err))
		}
	}
}

// deliver POSTs evt, retrying transport errors and 5xx responses with a
// doubling delay. 4xx responses are final.
func (w *auditWebhook) deliver(ctx context.Context, evt webhookEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	delay := w.retryDelay
	var lastErr error
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			delay *= 2
		}

		retry, err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		if !retry || ctx.Err() != nil {
			return err
		}
		lastErr = err
		w.logger.Debug("webhook attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return lastErr
}

func (w *auditWebhook) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if w.headerName != "" {
		req.Header.Set(w.headerName, w.headerValue)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook rejected event with %d", resp.StatusCode)
	}
}
