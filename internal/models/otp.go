package models

import (
	"time"
)

// OtpAttempt is one successfully delivered verification text. Append-only.
type OtpAttempt struct {
	ID          string
	ProvisionID string
	Provider    string
	ExternalID  string
	RawText     string
	Code        string
	CreatedAt   time.Time
}

// ProvisionLog is an append-only audit entry for one provision.
type ProvisionLog struct {
	ID          string
	ProvisionID string
	Action      string
	Status      string
	Message     string
	CreatedAt   time.Time
}
