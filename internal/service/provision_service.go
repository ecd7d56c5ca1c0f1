package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
)

// ProvisionService is the API-facing layer: it creates and inspects
// provisions and enqueues pipeline work, but never drives the pipeline
// itself.
type ProvisionService struct {
	provisions ProvisionStore
	sessions   SessionStore
	logs       ActionLogger
	ledger     *NumberLedger
	registry   ProviderLookup
	containers ContainerManager
	jobs       JobRunner
}

// NewProvisionService creates the provision service.
func NewProvisionService(
	provisions ProvisionStore,
	sessions SessionStore,
	logs ActionLogger,
	ledger *NumberLedger,
	registry ProviderLookup,
	containers ContainerManager,
	jobs JobRunner,
) *ProvisionService {
	return &ProvisionService{
		provisions: provisions,
		sessions:   sessions,
		logs:       logs,
		ledger:     ledger,
		registry:   registry,
		containers: containers,
		jobs:       jobs,
	}
}

// Create records a PENDING provision and enqueues its pipeline job.
func (s *ProvisionService) Create(ctx context.Context, req *models.CreateProvisionRequest) (*models.CreateProvisionResponse, error) {
	prov := &models.Provision{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		State:             models.StatePending,
		CountryPreference: req.CountryPreference,
		ServiceSelector:   req.ServiceSelector,
		LinkToWeb:         req.LinkToWeb,
	}

	if err := s.provisions.Create(ctx, prov); err != nil {
		return nil, fmt.Errorf("create provision: %w", err)
	}
	s.logs.LogAction(ctx, prov.ID, "provision_created", models.StatePending,
		fmt.Sprintf("Provision created for user %s", req.UserID))

	job, err := s.jobs.Enqueue(QueuePipeline, models.PipelineJobPayload{
		ProvisionID:       prov.ID,
		CountryPreference: prov.CountryPreference,
		ServiceSelector:   prov.ServiceSelector,
		LinkToWeb:         prov.LinkToWeb,
	})
	if err != nil {
		// The provision stays PENDING; a restart call can re-enqueue it.
		log.Printf("[ProvisionService] Failed to enqueue pipeline job for %s: %v", prov.ID, err)
		return nil, fmt.Errorf("enqueue pipeline job: %w", err)
	}

	log.Printf("[ProvisionService] Provision %s created for user %s, job %s queued", prov.ID, req.UserID, job.ID)
	return &models.CreateProvisionResponse{
		ProvisionID: prov.ID,
		State:       prov.State,
		JobID:       job.ID,
		Message:     "Provisioning started",
	}, nil
}

// Get returns the caller-facing status of a provision.
func (s *ProvisionService) Get(ctx context.Context, id string) (*models.ProvisionStatusResponse, error) {
	prov, err := s.provisions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusResponse(prov), nil
}

// ListByUser returns every provision owned by a user.
func (s *ProvisionService) ListByUser(ctx context.Context, userID string) ([]*models.ProvisionStatusResponse, error) {
	provs, err := s.provisions.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ProvisionStatusResponse, 0, len(provs))
	for _, p := range provs {
		out = append(out, statusResponse(p))
	}
	return out, nil
}

// Restart resets a FAILED provision to PENDING and enqueues a fresh pipeline
// job. Only FAILED provisions qualify; everything else is either running or
// already active.
func (s *ProvisionService) Restart(ctx context.Context, id string) (*models.RestartProvisionResponse, error) {
	prov, err := s.provisions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if prov.State != models.StateFailed {
		return nil, fmt.Errorf("provision %s is %s, only FAILED provisions can be restarted", id, prov.State)
	}

	// A lingering non-terminal session would trip the duplicate guard on the
	// fresh run. Tear it down first.
	if err := s.releaseSession(ctx, prov.ID); err != nil {
		return nil, err
	}

	if err := s.provisions.SetResolvedPhone(ctx, prov.ID, nil); err != nil {
		return nil, fmt.Errorf("clear resolved phone: %w", err)
	}
	if err := s.provisions.UpdateState(ctx, prov.ID, models.StatePending, nil); err != nil {
		return nil, fmt.Errorf("reset provision to PENDING: %w", err)
	}
	prov.State = models.StatePending
	prov.ResolvedPhone = nil
	prov.LastError = nil

	s.logs.LogAction(ctx, prov.ID, "provision_restarted", models.StatePending, "Provision reset for restart")

	job, err := s.jobs.Enqueue(QueuePipeline, models.PipelineJobPayload{
		ProvisionID:       prov.ID,
		CountryPreference: prov.CountryPreference,
		ServiceSelector:   prov.ServiceSelector,
		LinkToWeb:         prov.LinkToWeb,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue pipeline job: %w", err)
	}

	log.Printf("[ProvisionService] Provision %s restarted, job %s queued", prov.ID, job.ID)
	return &models.RestartProvisionResponse{
		ProvisionID: prov.ID,
		State:       prov.State,
		JobID:       job.ID,
		Message:     "Provisioning restarted",
	}, nil
}

// Release tears down a provision's session and container. Provisions still
// walking the pipeline cannot be released; fail or finish them first.
func (s *ProvisionService) Release(ctx context.Context, id string) (*models.ReleaseProvisionResponse, error) {
	prov, err := s.provisions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.IsTerminalState(prov.State) && prov.State != models.StatePending {
		return nil, fmt.Errorf("provision %s is %s, release it after the pipeline finishes", id, prov.State)
	}

	if err := s.releaseSession(ctx, prov.ID); err != nil {
		return nil, err
	}

	s.logs.LogAction(ctx, prov.ID, "provision_released", prov.State, "Session released")
	return &models.ReleaseProvisionResponse{
		ProvisionID: prov.ID,
		Message:     "Session released",
	}, nil
}

// releaseSession marks the live session released and frees its container.
// No live session is not an error.
func (s *ProvisionService) releaseSession(ctx context.Context, provisionID string) error {
	session, err := s.sessions.GetNonTerminalByProvision(ctx, provisionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}

	if err := s.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusReleased); err != nil {
		return fmt.Errorf("mark session released: %w", err)
	}
	if err := s.containers.Release(ctx, session.ContainerHandle); err != nil {
		log.Printf("[ProvisionService] Failed to release container %s: %v", session.ContainerHandle, err)
	}
	return nil
}

// Balances queries every registered market for its remaining balance. Slow
// or failing markets report an error entry instead of blocking the rest.
func (s *ProvisionService) Balances(ctx context.Context) []models.ProviderBalance {
	names := s.registry.Names()
	out := make([]models.ProviderBalance, 0, len(names))

	for _, name := range names {
		c, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		balance, err := c.GetBalance(callCtx)
		cancel()

		entry := models.ProviderBalance{Provider: name}
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Balance = balance
		}
		out = append(out, entry)
	}
	return out
}

// ReclaimOrphans sweeps reservations whose provisions never consumed them.
func (s *ProvisionService) ReclaimOrphans(ctx context.Context) (*models.ReclaimResponse, error) {
	reclaimed, err := s.ledger.ReclaimOrphans(ctx)
	if err != nil {
		return nil, err
	}
	return &models.ReclaimResponse{
		Reclaimed: reclaimed,
		Message:   fmt.Sprintf("Reclaimed %d orphaned reservations", reclaimed),
	}, nil
}

func statusResponse(p *models.Provision) *models.ProvisionStatusResponse {
	resp := &models.ProvisionStatusResponse{
		ProvisionID:   p.ID,
		UserID:        p.UserID,
		State:         p.State,
		ResolvedPhone: p.ResolvedPhone,
		LastError:     p.LastError,
		LinkToWeb:     p.LinkToWeb,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
	if p.ActivatedAt != nil {
		formatted := p.ActivatedAt.Format(time.RFC3339)
		resp.ActivatedAt = &formatted
	}
	return resp
}
