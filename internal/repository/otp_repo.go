package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

type OtpRepository struct {
	pool *pgxpool.Pool
}

func NewOtpRepository(pool *pgxpool.Pool) *OtpRepository {
	return &OtpRepository{pool: pool}
}

// Create appends one delivered-code record. Raw text is kept for debugging
// extraction misses.
func (r *OtpRepository) Create(ctx context.Context, attempt *models.OtpAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	query := `
		INSERT INTO provisioning.otp_attempts (id, provision_id, provider, external_id, raw_text, code)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.ProvisionID, attempt.Provider, attempt.ExternalID,
		attempt.RawText, attempt.Code,
	)
	if err != nil {
		return fmt.Errorf("insert otp attempt: %w", err)
	}

	return nil
}

// GetByProvisionID retrieves delivered codes for a provision, newest first.
func (r *OtpRepository) GetByProvisionID(ctx context.Context, provisionID string, limit int) ([]*models.OtpAttempt, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, provision_id, provider, external_id, raw_text, code, created_at
		FROM provisioning.otp_attempts
		WHERE provision_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, provisionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query otp attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.OtpAttempt
	for rows.Next() {
		attempt := &models.OtpAttempt{}
		err := rows.Scan(
			&attempt.ID, &attempt.ProvisionID, &attempt.Provider, &attempt.ExternalID,
			&attempt.RawText, &attempt.Code, &attempt.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan otp attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}

	return attempts, rows.Err()
}
