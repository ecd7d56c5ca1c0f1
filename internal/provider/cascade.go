package provider

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// Ledger is the cascade's view of the reservation store: enough to avoid a
// second purchase for the same provision and to record the one that happens.
type Ledger interface {
	// FindReusable returns an unused reservation already recorded for the
	// provision, or nil when there is none.
	FindReusable(ctx context.Context, provisionID string) (*models.NumberReservation, error)
	// Record upserts a reservation keyed on its phone number.
	Record(ctx context.Context, res *models.NumberReservation) error
}

// Cascade tries an ordered list of (provider, country) candidates until one
// purchase succeeds. Across a whole run at most one Buy succeeds; failed and
// rate-limited attempts are collected and surface together if every
// candidate is exhausted.
type Cascade struct {
	registry *Registry
	ledger   Ledger
}

// NewCascade creates a new purchase cascade.
func NewCascade(registry *Registry, ledger Ledger) *Cascade {
	return &Cascade{registry: registry, ledger: ledger}
}

// Purchase buys one number for a provision. A reservation recorded by an
// earlier delivery of the same job is reused instead of buying again.
func (c *Cascade) Purchase(ctx context.Context, provisionID, service string, candidates []Candidate) (*models.NumberReservation, error) {
	existing, err := c.ledger.FindReusable(ctx, provisionID)
	if err != nil {
		return nil, fmt.Errorf("check existing reservation: %w", err)
	}
	if existing != nil {
		log.Printf("[Cascade] Reusing reservation %s (%s via %s) for provision %s",
			existing.ID, existing.PhoneNumber, existing.Provider, provisionID)
		return existing, nil
	}

	// Providers that report rate limiting are skipped for the remainder of
	// this run only; nothing is cached across runs.
	rateLimited := make(map[string]bool)
	var failures []CandidateFailure

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cascade aborted: %w", err)
		}

		client, ok := c.registry.Get(cand.Provider)
		if !ok {
			failures = append(failures, CandidateFailure{cand.Provider, cand.Country, "unknown provider"})
			continue
		}

		if rateLimited[cand.Provider] {
			failures = append(failures, CandidateFailure{cand.Provider, cand.Country, "rate limited earlier in this run"})
			continue
		}

		// Availability probe. A probe failure is a transient miss for this
		// candidate, never fatal for the cascade.
		available, err := client.HasNumbers(ctx, cand.Country, service)
		if err != nil {
			log.Printf("[Cascade] Probe failed for %s/%s: %v", cand.Provider, cand.Country, err)
			failures = append(failures, CandidateFailure{cand.Provider, cand.Country, "availability probe failed: " + err.Error()})
			continue
		}
		if !available {
			failures = append(failures, CandidateFailure{cand.Provider, cand.Country, "no availability"})
			continue
		}

		number, err := client.Buy(ctx, cand.Country, service)
		if err != nil {
			kind := KindOf(err)
			if kind == KindRateLimited {
				rateLimited[cand.Provider] = true
			}
			// A fatal answer for one candidate does not abort the cascade;
			// an explicit caller preference may still be satisfiable by the
			// next entry.
			log.Printf("[Cascade] Buy failed (%s) for %s/%s: %v", kind, cand.Provider, cand.Country, err)
			failures = append(failures, CandidateFailure{cand.Provider, cand.Country, err.Error()})
			continue
		}

		res := &models.NumberReservation{
			ID:          uuid.New().String(),
			Provider:    cand.Provider,
			ExternalID:  number.ExternalID,
			PhoneNumber: number.PhoneNumber,
			Country:     cand.Country,
			Service:     service,
			ProvisionID: &provisionID,
		}
		if err := c.ledger.Record(ctx, res); err != nil {
			return nil, fmt.Errorf("record reservation: %w", err)
		}

		log.Printf("[Cascade] Purchased %s via %s/%s for provision %s",
			res.PhoneNumber, cand.Provider, cand.Country, provisionID)
		return res, nil
	}

	return nil, &CascadeError{Failures: failures}
}
