package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
)

// NumberLedger is the idempotent record of purchased numbers. It implements
// provider.Ledger for the cascade and adds retirement and orphan reclaim for
// the pipeline and the admin API.
type NumberLedger struct {
	reservations ReservationStore
	orphanTTL    time.Duration
}

// NewNumberLedger creates a new ledger.
func NewNumberLedger(reservations ReservationStore, orphanTTL time.Duration) *NumberLedger {
	return &NumberLedger{reservations: reservations, orphanTTL: orphanTTL}
}

// FindReusable returns the unused reservation already recorded for a
// provision, or nil when there is none.
func (l *NumberLedger) FindReusable(ctx context.Context, provisionID string) (*models.NumberReservation, error) {
	res, err := l.reservations.FindUnusedByProvision(ctx, provisionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find reusable reservation: %w", err)
	}
	return res, nil
}

// Record upserts a reservation, keyed on the unique phone number so retried
// jobs never produce a second row.
func (l *NumberLedger) Record(ctx context.Context, res *models.NumberReservation) error {
	return l.reservations.Upsert(ctx, res)
}

// Retire marks a reservation used. Called when a number is consumed by an
// active provision and when a compensating rebuy discards one.
func (l *NumberLedger) Retire(ctx context.Context, res *models.NumberReservation) error {
	if err := l.reservations.MarkUsed(ctx, res.ID); err != nil {
		return fmt.Errorf("retire reservation %s: %w", res.ID, err)
	}
	res.IsUsed = true
	return nil
}

// ReclaimOrphans retires every unused reservation past the TTL and returns
// how many were swept.
func (l *NumberLedger) ReclaimOrphans(ctx context.Context) (int, error) {
	orphans, err := l.reservations.ListOrphaned(ctx, l.orphanTTL)
	if err != nil {
		return 0, fmt.Errorf("list orphaned reservations: %w", err)
	}

	reclaimed := 0
	for _, res := range orphans {
		if err := l.reservations.MarkUsed(ctx, res.ID); err != nil {
			log.Printf("[Ledger] Failed to reclaim reservation %s: %v", res.ID, err)
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		log.Printf("[Ledger] Reclaimed %d orphaned reservations (TTL %v)", reclaimed, l.orphanTTL)
	}
	return reclaimed, nil
}
