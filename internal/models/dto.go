package models

// ==================== Internal API DTOs ====================

// CreateProvisionRequest starts a new provisioning pipeline.
type CreateProvisionRequest struct {
	UserID            string `json:"user_id" binding:"required"`
	CountryPreference string `json:"country_preference,omitempty"`
	ServiceSelector   string `json:"service_selector,omitempty"`
	LinkToWeb         bool   `json:"link_to_web,omitempty"`
}

// CreateProvisionResponse is returned after the pipeline job is enqueued.
type CreateProvisionResponse struct {
	ProvisionID string `json:"provision_id"`
	State       string `json:"state"`
	JobID       string `json:"job_id"`
	Message     string `json:"message"`
}

// ProvisionStatusResponse is the caller-facing view of a provision.
type ProvisionStatusResponse struct {
	ProvisionID   string  `json:"provision_id"`
	UserID        string  `json:"user_id"`
	State         string  `json:"state"`
	ResolvedPhone *string `json:"resolved_phone,omitempty"`
	LastError     *string `json:"last_error,omitempty"`
	LinkToWeb     bool    `json:"link_to_web"`
	CreatedAt     string  `json:"created_at"`
	ActivatedAt   *string `json:"activated_at,omitempty"`
}

// RestartProvisionResponse is returned after re-enqueueing a failed provision.
type RestartProvisionResponse struct {
	ProvisionID string `json:"provision_id"`
	State       string `json:"state"`
	JobID       string `json:"job_id"`
	Message     string `json:"message"`
}

// ReleaseProvisionResponse is returned after teardown starts.
type ReleaseProvisionResponse struct {
	ProvisionID string `json:"provision_id"`
	Message     string `json:"message"`
}

// ==================== Job payloads ====================

// PipelineJobPayload drives one provisioning pipeline run.
type PipelineJobPayload struct {
	ProvisionID       string `json:"provision_id"`
	CountryPreference string `json:"country_preference,omitempty"`
	ServiceSelector   string `json:"service_selector,omitempty"`
	LinkToWeb         bool   `json:"link_to_web,omitempty"`
}

// InjectJobPayload drives one code-injection run. It is a separate job so the
// injection step is retryable on its own while the parent pipeline waits.
type InjectJobPayload struct {
	ProvisionID string `json:"provision_id"`
	ExternalID  string `json:"external_id"`
	Code        string `json:"code"`
}

// ==================== Admin DTOs ====================

// ProviderBalance is one market's remaining balance.
type ProviderBalance struct {
	Provider string  `json:"provider"`
	Balance  float64 `json:"balance,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// ReclaimResponse reports an orphaned-reservation sweep.
type ReclaimResponse struct {
	Reclaimed int    `json:"reclaimed"`
	Message   string `json:"message"`
}

// ==================== Notification payloads ====================

// StateChangeEvent is broadcast on every provision transition.
type StateChangeEvent struct {
	ProvisionID string `json:"provision_id"`
	FromState   string `json:"from_state"`
	ToState     string `json:"to_state"`
	Phone       string `json:"phone,omitempty"`
	Error       string `json:"error,omitempty"`
}
