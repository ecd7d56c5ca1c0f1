package service

import (
	"context"
	"time"

	"github.com/wenwu/saas-platform/provisioning-service/internal/client"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/provider"
	"github.com/wenwu/saas-platform/provisioning-service/internal/scheduler"
)

// Store interfaces mirror the pgx repositories so the pipeline can be
// exercised against in-memory fakes. Absence is repository.ErrNotFound.

type ProvisionStore interface {
	Create(ctx context.Context, p *models.Provision) error
	GetByID(ctx context.Context, id string) (*models.Provision, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Provision, error)
	UpdateState(ctx context.Context, id, state string, lastError *string) error
	SetResolvedPhone(ctx context.Context, id string, phone *string) error
}

type SessionStore interface {
	Create(ctx context.Context, s *models.DerivedSession) error
	GetNonTerminalByProvision(ctx context.Context, provisionID string) (*models.DerivedSession, error)
	GetByProvision(ctx context.Context, provisionID string) (*models.DerivedSession, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

type ReservationStore interface {
	Upsert(ctx context.Context, res *models.NumberReservation) error
	FindUnusedByProvision(ctx context.Context, provisionID string) (*models.NumberReservation, error)
	MarkUsed(ctx context.Context, id string) error
	ListOrphaned(ctx context.Context, ttl time.Duration) ([]*models.NumberReservation, error)
}

type OtpStore interface {
	Create(ctx context.Context, attempt *models.OtpAttempt) error
}

type ActionLogger interface {
	LogAction(ctx context.Context, provisionID, action, status, message string) error
}

// Notifier is the broadcast channel. Errors are log-only; no transition ever
// waits on or fails with a notification.
type Notifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

// Collaborator interfaces over the external services.

type ContainerManager interface {
	Acquire(ctx context.Context, spec client.AcquireSpec, readyTimeout time.Duration) (*client.ContainerHandle, error)
	Release(ctx context.Context, handle string) error
}

type AutomationDriver interface {
	Register(ctx context.Context, endpoint string, supplier client.NumberSupplier, countryHint string, linkToWeb bool) error
	InjectCode(ctx context.Context, endpoint, code string) error
}

// Purchaser is the cascade seen from the pipeline.
type Purchaser interface {
	Purchase(ctx context.Context, provisionID, service string, candidates []provider.Candidate) (*models.NumberReservation, error)
}

// CodeAwaiter is the OTP poller seen from the pipeline.
type CodeAwaiter interface {
	Await(ctx context.Context, c provider.Client, externalID string) (code, raw string, err error)
}

// ProviderLookup is the registry seen from the pipeline and the API layer.
type ProviderLookup interface {
	Get(name string) (provider.Client, bool)
	Names() []string
	DefaultCandidates(country string) []provider.Candidate
}

// JobRunner is the scheduler seen from the services.
type JobRunner interface {
	Enqueue(queue string, payload any) (*scheduler.Job, error)
	EnqueueAndWait(ctx context.Context, queue string, payload any, timeout time.Duration) (*scheduler.Job, error)
}
