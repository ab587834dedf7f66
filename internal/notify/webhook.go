package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/wagerescrow/internal/circuitbreaker"
	"github.com/mbd888/wagerescrow/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
)

var webhookFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wagerescrow",
	Subsystem: "notify",
	Name:      "webhook_failures_total",
	Help:      "Webhook deliveries that failed after retries, by event type.",
}, []string{"event_type"})

func init() {
	prometheus.MustRegister(webhookFailures)
}

// WebhookSink POSTs events as JSON to a single URL. Deliveries run on a
// bounded queue drained by one goroutine; a full queue drops the event.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	queue   chan *Event
	logger  *slog.Logger
}

// NewWebhookSink creates a sink. Call Run to start delivering.
func NewWebhookSink(url, secret string, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		queue:   make(chan *Event, 512),
		logger:  logger,
	}
}

func (w *WebhookSink) Emit(_ context.Context, e *Event) {
	select {
	case w.queue <- e:
	default:
		webhookFailures.WithLabelValues(string(e.Type)).Inc()
		w.logger.Warn("webhook queue full, dropping event", "event", e.Type, "id", e.ID)
	}
}

// Run delivers queued events until ctx is cancelled.
func (w *WebhookSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.queue:
			if err := w.deliver(ctx, e); err != nil {
				webhookFailures.WithLabelValues(string(e.Type)).Inc()
				w.logger.Warn("webhook delivery failed", "event", e.Type, "id", e.ID, "error", err)
			}
		}
	}
}

func (w *WebhookSink) deliver(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return retry.Do(ctx, w.policy, func() error {
		err := w.breaker.Do(w.url, func() error { return w.post(ctx, e, payload) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (w *WebhookSink) post(ctx context.Context, e *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wager-Event", string(e.Type))
	req.Header.Set("X-Wager-Timestamp", strconv.FormatInt(e.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set("X-Wager-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
