package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create records a freshly acquired session in starting status.
func (r *SessionRepository) Create(ctx context.Context, s *models.DerivedSession) error {
	query := `
		INSERT INTO provisioning.derived_sessions (
			id, provision_id, container_handle, automation_endpoint, status, is_active
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		s.ID, s.ProvisionID, s.ContainerHandle, s.AutomationEndpoint, s.Status, s.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

// GetNonTerminalByProvision returns the live session for a provision, or
// ErrNotFound. This is the duplicate-guard query.
func (r *SessionRepository) GetNonTerminalByProvision(ctx context.Context, provisionID string) (*models.DerivedSession, error) {
	query := `
		SELECT id, provision_id, container_handle, automation_endpoint,
			   status, is_active, created_at, released_at
		FROM provisioning.derived_sessions
		WHERE provision_id = $1 AND status NOT IN ('released', 'failed')
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.scanSession(r.pool.QueryRow(ctx, query, provisionID))
}

// GetByProvision returns the newest session for a provision regardless of
// status.
func (r *SessionRepository) GetByProvision(ctx context.Context, provisionID string) (*models.DerivedSession, error) {
	query := `
		SELECT id, provision_id, container_handle, automation_endpoint,
			   status, is_active, created_at, released_at
		FROM provisioning.derived_sessions
		WHERE provision_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.scanSession(r.pool.QueryRow(ctx, query, provisionID))
}

// UpdateStatus moves a session through its lifecycle. is_active is set only
// for the active status; released_at is stamped on terminal statuses.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE provisioning.derived_sessions SET
			status = $1,
			is_active = ($1 = 'active'),
			released_at = CASE WHEN $1 IN ('released', 'failed') THEN now() ELSE released_at END
		WHERE id = $2
	`
	_, err := r.pool.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (r *SessionRepository) scanSession(row pgx.Row) (*models.DerivedSession, error) {
	s := &models.DerivedSession{}
	err := row.Scan(
		&s.ID, &s.ProvisionID, &s.ContainerHandle, &s.AutomationEndpoint,
		&s.Status, &s.IsActive, &s.CreatedAt, &s.ReleasedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return s, nil
}
