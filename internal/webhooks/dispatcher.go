package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgeranchor/internal/anchorer"
	"go.uber.org/zap"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher delivers events to the configured subscriptions. Deliveries run
// in the background; Wait blocks until all of them have finished.
type Dispatcher struct {
	subs       []Subscription
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewDispatcher creates a Dispatcher for subs.
func NewDispatcher(subs []Subscription, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		subs:       subs,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Three attempts: immediately, after 1s, after 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// Len returns the number of subscriptions.
func (d *Dispatcher) Len() int { return len(d.subs) }

// Dispatch fans an event out to every subscription that wants it.
func (d *Dispatcher) Dispatch(eventType string, payload map[string]string) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	for _, sub := range d.subs {
		if !sub.wants(eventType) {
			continue
		}
		d.wg.Add(1)
		go func(sub Subscription) {
			defer d.wg.Done()
			d.deliver(sub, eventType, body)
		}(sub)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// OnAnchorRun is an anchorer.ResultHook. It sends anchor.recorded for stored
// anchors and anchor.failed for failed runs; skips are not reported.
func (d *Dispatcher) OnAnchorRun(res anchorer.Result, err error) {
	switch res.Outcome {
	case anchorer.OutcomeRecorded:
		payload := anchorPayload(res)
		if res.Record != nil {
			payload["record_id"] = res.Record.ID.String()
			payload["proofs"] = strconv.Itoa(len(res.Record.Proofs))
		}
		d.Dispatch(EventAnchorRecorded, payload)
	case anchorer.OutcomeFailed:
		payload := anchorPayload(res)
		if err != nil {
			payload["error"] = err.Error()
		}
		d.Dispatch(EventAnchorFailed, payload)
	}
}

func anchorPayload(res anchorer.Result) map[string]string {
	return map[string]string{
		"position":          strconv.FormatInt(res.Anchor.Position, 10),
		"transaction_count": strconv.FormatUint(res.Anchor.TransactionCount, 10),
		"full_store_hash":   res.Anchor.StoreHashHex(),
	}
}

// deliver sends body to a single subscription, retrying on failure.
func (d *Dispatcher) deliver(sub Subscription, eventType string, body []byte) {
	signature := Sign(body, sub.Secret)

	for attempt, delay := range d.delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		ok, errMsg := d.doDelivery(sub.URL, body, signature)
		if d.onMetrics != nil {
			d.onMetrics(ok)
		}
		if ok {
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(url string, body []byte, signature string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
