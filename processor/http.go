package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/warp/copay-engine/payments"
)

// WebhookPayload is the JSON body posted to the webhook endpoint.
type WebhookPayload struct {
	Type              string          `json:"type"`
	ProcessorChargeID string          `json:"processorChargeId"`
	Amount            decimal.Decimal `json:"amount"`
	FailureCode       string          `json:"failureCode,omitempty"`
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.StatusCode, e.Body)
}

// Retryable is true for 404 (not committed yet), 409 (locked), 429 and 5xx.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusNotFound,
		e.StatusCode == http.StatusConflict,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// HTTPDelivery posts webhooks to URL.
type HTTPDelivery struct {
	URL    string
	Client *http.Client
}

func NewHTTPDelivery(url string) *HTTPDelivery {
	return &HTTPDelivery{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *HTTPDelivery) Deliver(ctx context.Context, event payments.WebhookEvent) error {
	body, err := json.Marshal(WebhookPayload{
		Type:              string(event.Type),
		ProcessorChargeID: event.ProcessorChargeID,
		Amount:            event.Amount,
		FailureCode:       event.FailureCode,
	})
	if err != nil {
		return fmt.Errorf("encode webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
}
