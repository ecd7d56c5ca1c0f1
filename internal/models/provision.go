package models

import (
	"time"
)

// Provision state constants. The pipeline walks them strictly in order, with
// one compensating loop from AUTOMATING back to PURCHASING when the purchased
// number turns out to be bound to another account.
const (
	StatePending           = "PENDING"
	StateAcquiringResource = "ACQUIRING_RESOURCE"
	StatePurchasing        = "PURCHASING"
	StateAutomating        = "AUTOMATING"
	StateAwaitingCode      = "AWAITING_CODE"
	StateInjectingCode     = "INJECTING_CODE"
	StateFinalizing        = "FINALIZING"
	StateActive            = "ACTIVE"
	StateFailed            = "FAILED"
)

// IsTerminalState reports whether a state accepts no further transitions.
func IsTerminalState(state string) bool {
	return state == StateActive || state == StateFailed
}

// Provision is one end-to-end request to produce an active account.
// It is mutated only through state machine transitions and never deleted by
// the pipeline; teardown is a caller operation.
type Provision struct {
	ID                string
	UserID            string
	State             string
	CountryPreference string // optional caller hint, provider country selector
	ServiceSelector   string // optional caller hint, provider service code
	ResolvedPhone     *string
	LastError         *string
	LinkToWeb         bool // passed through to the automation driver, not interpreted here
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ActivatedAt       *time.Time
}
