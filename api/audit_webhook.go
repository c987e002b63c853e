package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goldencompasses/lodge/auth"
	"github.com/goldencompasses/lodge/storage"
)

// webhookQueueSize is the bounded channel capacity for outbound audit events.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string `json:"event"`
	ID         string `json:"id"`
	Seq        uint64 `json:"seq"`
	IdentityID string `json:"identity_id,omitempty"`
	ClientIP   string `json:"client_ip,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  string `json:"timestamp"`
	Hash       string `json:"hash"`
}

// auditWebhook forwards security events to an external HTTP endpoint.
// Events are enqueued non-blockingly into a bounded channel and sent by a
// background goroutine. If the channel is full, events are dropped; the
// durable copy is always the audit log itself.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan webhookEvent
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var _ auth.Observer = (*auditWebhook)(nil)

// newAuditWebhook creates a webhook dispatcher and starts its background loop.
func newAuditWebhook(url, authHeader string, logger *slog.Logger) *auditWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: time.Second,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// ObserveEvent enqueues e for delivery.
func (w *auditWebhook) ObserveEvent(e storage.SecurityEvent) {
	w.enqueue(webhookEvent{
		Event:      e.Kind,
		ID:         e.ID,
		Seq:        e.Seq,
		IdentityID: e.IdentityID,
		ClientIP:   e.ClientIP,
		Detail:     e.Detail,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Hash:       e.Hash,
	})
}

// enqueue never blocks.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event, "seq", evt.Seq)
	}
}

// close stops the dispatcher after draining queued events. Events observed
// after close are dropped.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event with one retry on 5xx or transport error.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := range 2 {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Lodge-Audit-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		// 4xx: the endpoint rejected the payload; retrying will not help.
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
