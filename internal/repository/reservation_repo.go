package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

type ReservationRepository struct {
	pool *pgxpool.Pool
}

func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

// Upsert records a purchased number. Keyed on the unique phone number so a
// retried job re-recording the same purchase is a no-op update, never a
// second row.
func (r *ReservationRepository) Upsert(ctx context.Context, res *models.NumberReservation) error {
	query := `
		INSERT INTO provisioning.number_reservations (
			id, provider, external_id, phone_number, country, service,
			provision_id, is_used, used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (phone_number) DO UPDATE SET
			provider = EXCLUDED.provider,
			external_id = EXCLUDED.external_id,
			provision_id = EXCLUDED.provision_id
	`

	_, err := r.pool.Exec(ctx, query,
		res.ID, res.Provider, res.ExternalID, res.PhoneNumber, res.Country,
		res.Service, res.ProvisionID, res.IsUsed, res.UsedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert reservation: %w", err)
	}

	return nil
}

// FindUnusedByProvision returns the unused reservation already recorded for a
// provision, if any. Used by the cascade to avoid buying twice on a retried
// run.
func (r *ReservationRepository) FindUnusedByProvision(ctx context.Context, provisionID string) (*models.NumberReservation, error) {
	query := `
		SELECT id, provider, external_id, phone_number, country, service,
			   provision_id, is_used, used_at, created_at
		FROM provisioning.number_reservations
		WHERE provision_id = $1 AND is_used = false
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.scanReservation(r.pool.QueryRow(ctx, query, provisionID))
}

// MarkUsed retires a reservation. Reservations are never mutated again after
// this.
func (r *ReservationRepository) MarkUsed(ctx context.Context, id string) error {
	query := `
		UPDATE provisioning.number_reservations
		SET is_used = true, used_at = now()
		WHERE id = $1 AND is_used = false
	`
	_, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark reservation used: %w", err)
	}
	return nil
}

// ListOrphaned returns unused reservations older than the TTL.
func (r *ReservationRepository) ListOrphaned(ctx context.Context, ttl time.Duration) ([]*models.NumberReservation, error) {
	query := `
		SELECT id, provider, external_id, phone_number, country, service,
			   provision_id, is_used, used_at, created_at
		FROM provisioning.number_reservations
		WHERE is_used = false AND created_at < $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, time.Now().Add(-ttl))
	if err != nil {
		return nil, fmt.Errorf("query orphaned reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*models.NumberReservation
	for rows.Next() {
		res := &models.NumberReservation{}
		err := rows.Scan(
			&res.ID, &res.Provider, &res.ExternalID, &res.PhoneNumber, &res.Country,
			&res.Service, &res.ProvisionID, &res.IsUsed, &res.UsedAt, &res.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan reservation row: %w", err)
		}
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

func (r *ReservationRepository) scanReservation(row pgx.Row) (*models.NumberReservation, error) {
	res := &models.NumberReservation{}
	err := row.Scan(
		&res.ID, &res.Provider, &res.ExternalID, &res.PhoneNumber, &res.Country,
		&res.Service, &res.ProvisionID, &res.IsUsed, &res.UsedAt, &res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	return res, nil
}
