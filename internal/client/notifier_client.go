package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NotifierClient broadcasts provision events to the notification channel.
// Calls are fire-and-forget: the pipeline never blocks or fails on them.
type NotifierClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewNotifierClient creates a new notification channel client
func NewNotifierClient(baseURL, internalKey string) *NotifierClient {
	return &NotifierClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type notifyEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Notify posts one event. Callers treat the returned error as log-only.
func (c *NotifierClient) Notify(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(notifyEnvelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/internal/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notifier returned status %d", resp.StatusCode)
	}

	return nil
}
