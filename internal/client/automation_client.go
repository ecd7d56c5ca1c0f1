package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrNumberBound is returned when the automation agent reports that the
// supplied phone number is already registered to another account. The
// pipeline reacts with its one compensating rebuy.
var ErrNumberBound = errors.New("number already bound to another account")

// NumberSupplier hands the automation agent a phone number exactly when the
// registration flow asks for one. The pipeline provides a memoizing supplier
// so a repeated ask returns the already-purchased number instead of buying
// twice.
type NumberSupplier func(ctx context.Context) (string, error)

// AutomationClient drives the UI-automation agent inside a session
// container. The agent's flow is asynchronous: start the registration, feed
// it a number when it asks, then feed it the delivered code.
type AutomationClient struct {
	httpClient *http.Client
}

// NewAutomationClient creates a new automation agent client
func NewAutomationClient() *AutomationClient {
	return &AutomationClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sessionState struct {
	State string `json:"state"` // warming, awaiting_number, awaiting_code, registered, failed
	Error string `json:"error,omitempty"`
}

type startSessionRequest struct {
	CountryHint string `json:"country_hint,omitempty"`
	LinkToWeb   bool   `json:"link_to_web,omitempty"`
}

// Register walks the agent through registration up to the point where it
// waits for the verification code. The number is requested from the supplier
// just in time, after the agent has warmed the target application.
func (c *AutomationClient) Register(ctx context.Context, endpoint string, supplier NumberSupplier, countryHint string, linkToWeb bool) error {
	log.Printf("[Automation] Starting registration (endpoint: %s)", endpoint)

	if err := c.post(ctx, endpoint+"/session/start", startSessionRequest{
		CountryHint: countryHint,
		LinkToWeb:   linkToWeb,
	}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if _, err := c.waitForState(ctx, endpoint, "awaiting_number"); err != nil {
		return err
	}

	phone, err := supplier(ctx)
	if err != nil {
		return fmt.Errorf("obtain number: %w", err)
	}

	if err := c.post(ctx, endpoint+"/session/number", map[string]string{"phone": phone}); err != nil {
		return fmt.Errorf("submit number: %w", err)
	}

	if _, err := c.waitForState(ctx, endpoint, "awaiting_code"); err != nil {
		return err
	}

	log.Printf("[Automation] Registration waiting for code (endpoint: %s)", endpoint)
	return nil
}

// InjectCode feeds the delivered verification code to the agent and waits
// for the registration to complete.
func (c *AutomationClient) InjectCode(ctx context.Context, endpoint, code string) error {
	log.Printf("[Automation] Injecting code (endpoint: %s)", endpoint)

	if err := c.post(ctx, endpoint+"/session/code", map[string]string{"code": code}); err != nil {
		return fmt.Errorf("submit code: %w", err)
	}

	if _, err := c.waitForState(ctx, endpoint, "registered"); err != nil {
		return err
	}

	log.Printf("[Automation] Registration complete (endpoint: %s)", endpoint)
	return nil
}

// waitForState polls the agent until it reaches the wanted state or fails.
// The agent's "number_in_use" failure maps to ErrNumberBound so the pipeline
// can compensate.
func (c *AutomationClient) waitForState(ctx context.Context, endpoint, want string) (*sessionState, error) {
	pollInterval := 2 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		state, err := c.getState(ctx, endpoint)
		if err != nil {
			log.Printf("[Automation] Error reading session state: %v", err)
			continue
		}

		switch state.State {
		case want:
			return state, nil
		case "failed":
			if state.Error == "number_in_use" {
				return nil, ErrNumberBound
			}
			return nil, fmt.Errorf("automation failed: %s", state.Error)
		}
	}
}

func (c *AutomationClient) getState(ctx context.Context, endpoint string) (*sessionState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/session/state", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var state sessionState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, string(body))
	}

	return &state, nil
}

func (c *AutomationClient) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	return nil
}
