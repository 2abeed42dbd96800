package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/trustwire/trustwire/internal/alerts"
	"github.com/trustwire/trustwire/internal/circuitbreaker"
)

// Dispatcher delivers alerts to matching subscriptions. Each endpoint has
// its own circuit: after repeated failures deliveries to it are skipped
// until the breaker probes it again.
type Dispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	// defaultSecret signs deliveries for subscriptions created without
	// their own secret.
	defaultSecret string

	wg sync.WaitGroup
}

func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// WithDefaultSecret sets the fallback HMAC secret used when a subscription
// has none of its own. Returns d for chaining at construction.
func (d *Dispatcher) WithDefaultSecret(secret string) *Dispatcher {
	d.defaultSecret = secret
	return d
}

// Forget clears delivery state for a subscription, typically after it is
// deleted, so a future subscription reusing the id starts with a closed
// circuit.
func (d *Dispatcher) Forget(subscriptionID string) {
	d.breaker.Forget(subscriptionID)
}

// Dispatch sends the alert to every matching active subscription. Sends
// run asynchronously; delivery failures never propagate to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, a *alerts.Alert) error {
	subs, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Matches(a.AlertType, a.Severity) {
			continue
		}
		if !d.breaker.Allow(sub.ID) {
			deliveriesSkipped.Inc()
			d.logger.Warn("webhook delivery skipped, circuit open",
				"subscription_id", sub.ID, "url", sub.URL)
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.send(sub, a)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish. For shutdown and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(sub *Subscription, a *alerts.Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		d.recordFailure(sub, fmt.Sprintf("marshal alert: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(sub, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trustwire-Alert", a.AlertType)
	req.Header.Set("X-Trustwire-Severity", string(a.Severity))
	req.Header.Set("X-Trustwire-Timestamp", fmt.Sprintf("%d", a.CreatedAt.Unix()))
	if secret := d.signingSecret(sub); secret != "" {
		req.Header.Set("X-Trustwire-Signature", Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(sub)
		return
	}
	d.recordFailure(sub, fmt.Sprintf("status %d", resp.StatusCode))
}

func (d *Dispatcher) signingSecret(sub *Subscription) string {
	if sub.Secret != "" {
		return sub.Secret
	}
	return d.defaultSecret
}

// Sign computes the hex HMAC-SHA256 signature receivers verify.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(sub *Subscription) {
	d.breaker.RecordSuccess(sub.ID)
	deliveries.WithLabelValues("success").Inc()

	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(context.Background(), sub); err != nil {
		d.logger.Warn("failed to record delivery success", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(sub *Subscription, msg string) {
	d.breaker.RecordFailure(sub.ID)
	deliveries.WithLabelValues("failure").Inc()
	d.logger.Warn("webhook delivery failed", "subscription_id", sub.ID, "url", sub.URL, "error", msg)

	sub.LastError = msg
	if err := d.store.Update(context.Background(), sub); err != nil {
		d.logger.Warn("failed to record delivery failure", "subscription_id", sub.ID, "error", err)
	}
}
