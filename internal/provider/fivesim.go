package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// FiveSimClient speaks the JSON order API of the 5sim-style markets. Order
// ids arrive as JSON numbers; they are normalized to strings here so nothing
// provider-specific leaves the adapter.
type FiveSimClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewFiveSimClient creates a new fivesim client
func NewFiveSimClient(baseURL, apiKey string) *FiveSimClient {
	return &FiveSimClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *FiveSimClient) Name() string {
	return "fivesim"
}

type fiveSimProfile struct {
	Balance json.Number `json:"balance"`
}

type fiveSimOrder struct {
	ID     json.Number `json:"id"`
	Phone  string      `json:"phone"`
	Status string      `json:"status"`
	SMS    []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"sms"`
}

// GetBalance returns the remaining account balance.
func (c *FiveSimClient) GetBalance(ctx context.Context) (float64, error) {
	body, err := c.call(ctx, "getBalance", "/user/profile")
	if err != nil {
		return 0, err
	}

	var profile fiveSimProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return 0, WrapError(c.Name(), "getBalance", KindTransient, "unparseable profile", err)
	}

	balance, err := profile.Balance.Float64()
	if err != nil {
		return 0, WrapError(c.Name(), "getBalance", KindTransient, "unparseable balance", err)
	}
	return balance, nil
}

// HasNumbers probes the public price listing for remaining stock.
func (c *FiveSimClient) HasNumbers(ctx context.Context, country, service string) (bool, error) {
	body, err := c.call(ctx, "hasNumbers", fmt.Sprintf("/guest/prices?country=%s&product=%s", country, service))
	if err != nil {
		return false, err
	}

	// country -> product -> operator -> {cost, count}.
	var listing map[string]map[string]map[string]struct {
		Count json.Number `json:"count"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return false, WrapError(c.Name(), "hasNumbers", KindTransient, "unparseable price listing", err)
	}

	for _, products := range listing {
		for _, operators := range products {
			for _, entry := range operators {
				if n, err := entry.Count.Int64(); err == nil && n > 0 {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// Buy rents one activation. Callers must not retry this against the same
// provider within a cascade run.
func (c *FiveSimClient) Buy(ctx context.Context, country, service string) (*Number, error) {
	body, err := c.call(ctx, "buy", fmt.Sprintf("/user/buy/activation/%s/any/%s", country, service))
	if err != nil {
		return nil, err
	}

	var order fiveSimOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, WrapError(c.Name(), "buy", KindTransient, "unparseable order", err)
	}
	if order.ID.String() == "" || order.Phone == "" {
		return nil, NewError(c.Name(), "buy", KindTransient, "order response missing id or phone")
	}

	log.Printf("[FiveSim] Rented number for service=%s country=%s (order: %s)", service, country, order.ID.String())
	return &Number{ExternalID: order.ID.String(), PhoneNumber: order.Phone}, nil
}

// PollOnce checks an order for a delivered code without blocking.
func (c *FiveSimClient) PollOnce(ctx context.Context, externalID string) (*Delivery, error) {
	body, err := c.call(ctx, "pollOnce", "/user/check/"+externalID)
	if err != nil {
		return nil, err
	}

	var order fiveSimOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, WrapError(c.Name(), "pollOnce", KindTransient, "unparseable order", err)
	}

	switch order.Status {
	case "CANCELED", "TIMEOUT", "BANNED":
		// The order is dead; a fresh purchase is the only way forward.
		return nil, NewError(c.Name(), "pollOnce", KindFatal, "order "+strings.ToLower(order.Status))
	}

	if len(order.SMS) > 0 {
		last := order.SMS[len(order.SMS)-1]
		text := last.Text
		if text == "" {
			text = last.Code
		}
		return &Delivery{Delivered: true, Text: text}, nil
	}

	return &Delivery{}, nil
}

// call performs one API request and returns the raw body, classifying
// HTTP-level failures.
func (c *FiveSimClient) call(ctx context.Context, op, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, WrapError(c.Name(), op, KindTransient, "create request", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, WrapError(c.Name(), op, KindTransient, "send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(c.Name(), op, KindTransient, "read response", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusTooManyRequests:
		return nil, NewError(c.Name(), op, KindRateLimited, "http 429")
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, NewError(c.Name(), op, KindFatal, "rejected credentials")
	case http.StatusBadRequest:
		msg := strings.TrimSpace(string(body))
		if strings.Contains(msg, "not enough user balance") {
			return nil, NewError(c.Name(), op, KindFatal, "insufficient balance")
		}
		if strings.Contains(msg, "no free phones") {
			return nil, NewError(c.Name(), op, KindTransient, "no numbers in stock")
		}
		return nil, NewError(c.Name(), op, KindFatal, "rejected request: "+msg)
	default:
		return nil, NewError(c.Name(), op, KindTransient, fmt.Sprintf("http %d", resp.StatusCode))
	}
}
