package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SMSMarketClient speaks the colon-delimited plain-text protocol used by the
// classic activation markets: every call is a GET against one handler URL
// with an action parameter, and the body is either a status word or a
// colon-separated tuple.
type SMSMarketClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSMSMarketClient creates a new smsmarket client
func NewSMSMarketClient(baseURL, apiKey string) *SMSMarketClient {
	return &SMSMarketClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *SMSMarketClient) Name() string {
	return "smsmarket"
}

// GetBalance returns the remaining account balance.
func (c *SMSMarketClient) GetBalance(ctx context.Context) (float64, error) {
	body, err := c.call(ctx, "getBalance", nil)
	if err != nil {
		return 0, err
	}

	// "ACCESS_BALANCE:12.34"
	if value, ok := strings.CutPrefix(body, "ACCESS_BALANCE:"); ok {
		balance, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, WrapError(c.Name(), "getBalance", KindTransient, "unparseable balance", err)
		}
		return balance, nil
	}

	return 0, c.classify("getBalance", body)
}

// HasNumbers reports whether the market currently stocks numbers for the
// service in the given country.
func (c *SMSMarketClient) HasNumbers(ctx context.Context, country, service string) (bool, error) {
	body, err := c.call(ctx, "getNumbersStatus", url.Values{"country": {country}})
	if err != nil {
		return false, err
	}

	// The stock report is a JSON object whose values are counts, delivered
	// inconsistently as numbers or quoted strings. Normalize both here.
	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return false, WrapError(c.Name(), "getNumbersStatus", KindTransient, "unparseable stock report", err)
	}

	key := service + "_0"
	count, ok := raw[key]
	if !ok {
		return false, nil
	}
	switch v := count.(type) {
	case float64:
		return v > 0, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return false, nil
		}
		return n > 0, nil
	default:
		return false, nil
	}
}

// Buy rents one number. Callers must not retry this against the same
// provider within a cascade run.
func (c *SMSMarketClient) Buy(ctx context.Context, country, service string) (*Number, error) {
	body, err := c.call(ctx, "getNumber", url.Values{
		"service": {service},
		"country": {country},
	})
	if err != nil {
		return nil, err
	}

	// "ACCESS_NUMBER:<activation id>:<phone>"
	if rest, ok := strings.CutPrefix(body, "ACCESS_NUMBER:"); ok {
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, NewError(c.Name(), "getNumber", KindTransient, "malformed ACCESS_NUMBER response")
		}
		log.Printf("[SMSMarket] Rented number for service=%s country=%s (activation: %s)", service, country, parts[0])
		return &Number{ExternalID: parts[0], PhoneNumber: parts[1]}, nil
	}

	return nil, c.classify("getNumber", body)
}

// PollOnce checks for a delivered code without blocking.
func (c *SMSMarketClient) PollOnce(ctx context.Context, externalID string) (*Delivery, error) {
	body, err := c.call(ctx, "getStatus", url.Values{"id": {externalID}})
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(body, "STATUS_OK:"):
		return &Delivery{Delivered: true, Text: strings.TrimPrefix(body, "STATUS_OK:")}, nil
	case body == "STATUS_WAIT_CODE", strings.HasPrefix(body, "STATUS_WAIT_RETRY"):
		return &Delivery{}, nil
	case body == "STATUS_CANCEL", body == "NO_ACTIVATION", body == "EXPIRED":
		// The activation is gone; polling further is pointless.
		return nil, NewError(c.Name(), "getStatus", KindFatal, "activation "+strings.ToLower(body))
	default:
		return nil, c.classify("getStatus", body)
	}
}

// call performs one handler request and returns the trimmed body.
func (c *SMSMarketClient) call(ctx context.Context, action string, params url.Values) (string, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	params.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", WrapError(c.Name(), action, KindTransient, "create request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", WrapError(c.Name(), action, KindTransient, "send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", WrapError(c.Name(), action, KindTransient, "read response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", NewError(c.Name(), action, KindRateLimited, "http 429")
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewError(c.Name(), action, KindTransient, fmt.Sprintf("http %d", resp.StatusCode))
	}

	return strings.TrimSpace(string(body)), nil
}

// classify maps the market's status words onto the uniform taxonomy.
// Unknown words default to transient.
func (c *SMSMarketClient) classify(op, body string) *Error {
	switch body {
	case "NO_BALANCE":
		return NewError(c.Name(), op, KindFatal, "insufficient balance")
	case "BAD_KEY", "BAD_ACTION", "BAD_SERVICE", "WRONG_MAX_PRICE":
		return NewError(c.Name(), op, KindFatal, "rejected request: "+body)
	case "SLEEP", "TOO_MANY_REQUESTS":
		return NewError(c.Name(), op, KindRateLimited, "provider throttling: "+body)
	case "NO_NUMBERS":
		return NewError(c.Name(), op, KindTransient, "no numbers in stock")
	default:
		return NewError(c.Name(), op, KindTransient, "unexpected response: "+body)
	}
}
