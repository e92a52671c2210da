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
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/crawlpilot/internal/circuitbreaker"
	"github.com/mbd888/crawlpilot/internal/retry"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Crawlpilot-Event"
	HeaderTimestamp = "X-Crawlpilot-Timestamp"
	HeaderSignature = "X-Crawlpilot-Signature"
)

// WebhookSender POSTs messages as JSON to a single URL. When a secret is
// set the body is signed with HMAC-SHA256 (hex) in HeaderSignature.
type WebhookSender struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
}

// NewWebhookSender creates a sender. Transient failures are retried per
// retry.DefaultPolicy. After five consecutive failures the destination is
// skipped for a minute.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, time.Minute),
		retry:   retry.DefaultPolicy(),
	}
}

// WithHTTPClient overrides the HTTP client.
func (w *WebhookSender) WithHTTPClient(c *http.Client) *WebhookSender {
	w.client = c
	return w
}

// WithRetry overrides the retry policy.
func (w *WebhookSender) WithRetry(p retry.Policy) *WebhookSender {
	w.retry = p
	return w
}

// WithBreaker overrides the circuit breaker.
func (w *WebhookSender) WithBreaker(b *circuitbreaker.Breaker) *WebhookSender {
	w.breaker = b
	return w
}

func (w *WebhookSender) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	return w.retry.Do(ctx, func(ctx context.Context) error {
		err := w.breaker.Do(w.url, func() error {
			return w.post(ctx, msg, payload)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (w *WebhookSender) post(ctx context.Context, msg *Message, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, msg.Kind)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(msg.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Sender = (*WebhookSender)(nil)
