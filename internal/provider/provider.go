package provider

import (
	"context"
)

// Number is one purchased activation: the provider-side order id plus the
// phone number it rented.
type Number struct {
	ExternalID  string
	PhoneNumber string
}

// Delivery is the result of one non-blocking poll. Text is set only when
// Delivered is true.
type Delivery struct {
	Delivered bool
	Text      string
}

// Client is the uniform boundary over one rental market. Implementations
// normalize their wire responses immediately and classify every failure as a
// *Error; callers never see provider-specific shapes.
//
// Buy must be called at most once per logical purchase attempt; the cascade
// owns that contract. PollOnce never blocks; backoff belongs to the caller.
type Client interface {
	Name() string
	GetBalance(ctx context.Context) (float64, error)
	HasNumbers(ctx context.Context, country, service string) (bool, error)
	Buy(ctx context.Context, country, service string) (*Number, error)
	PollOnce(ctx context.Context, externalID string) (*Delivery, error)
}

// Candidate is one (provider, country) pair the cascade will try.
type Candidate struct {
	Provider string
	Country  string
}
