package models

import (
	"time"
)

// Provider name constants.
const (
	ProviderSMSMarket = "smsmarket"
	ProviderFiveSim   = "fivesim"
)

// NumberReservation is one phone number purchased from a rental market.
// The phone number is unique across all reservations; writes are upserts on
// it so retried jobs stay idempotent. A reservation that is still unused
// past the orphan TTL is reclaimable.
type NumberReservation struct {
	ID          string
	Provider    string
	ExternalID  string // provider-side activation/order id
	PhoneNumber string
	Country     string
	Service     string
	ProvisionID *string // owning provision, nil until recorded for one
	IsUsed      bool
	UsedAt      *time.Time
	CreatedAt   time.Time
}
