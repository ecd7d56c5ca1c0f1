package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

var ErrNotFound = errors.New("not found")

type ProvisionRepository struct {
	pool *pgxpool.Pool
}

func NewProvisionRepository(pool *pgxpool.Pool) *ProvisionRepository {
	return &ProvisionRepository{pool: pool}
}

// Create creates a new provision in PENDING state.
func (r *ProvisionRepository) Create(ctx context.Context, p *models.Provision) error {
	query := `
		INSERT INTO provisioning.provisions (
			id, user_id, state, country_preference, service_selector,
			resolved_phone, last_error, link_to_web
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.UserID, p.State, p.CountryPreference, p.ServiceSelector,
		p.ResolvedPhone, p.LastError, p.LinkToWeb,
	)
	if err != nil {
		return fmt.Errorf("insert provision: %w", err)
	}

	return nil
}

// GetByID retrieves a provision by ID.
func (r *ProvisionRepository) GetByID(ctx context.Context, id string) (*models.Provision, error) {
	query := `
		SELECT id, user_id, state, country_preference, service_selector,
			   resolved_phone, last_error, link_to_web,
			   created_at, updated_at, activated_at
		FROM provisioning.provisions
		WHERE id = $1
	`

	return r.scanProvision(r.pool.QueryRow(ctx, query, id))
}

// ListByUser retrieves all provisions for a user, newest first.
func (r *ProvisionRepository) ListByUser(ctx context.Context, userID string) ([]*models.Provision, error) {
	query := `
		SELECT id, user_id, state, country_preference, service_selector,
			   resolved_phone, last_error, link_to_web,
			   created_at, updated_at, activated_at
		FROM provisioning.provisions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query provisions: %w", err)
	}
	defer rows.Close()

	var provisions []*models.Provision
	for rows.Next() {
		p := &models.Provision{}
		err := rows.Scan(
			&p.ID, &p.UserID, &p.State, &p.CountryPreference, &p.ServiceSelector,
			&p.ResolvedPhone, &p.LastError, &p.LinkToWeb,
			&p.CreatedAt, &p.UpdatedAt, &p.ActivatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provision row: %w", err)
		}
		provisions = append(provisions, p)
	}
	return provisions, rows.Err()
}

// UpdateState persists a state transition. lastError is non-nil only for the
// FAILED state; activated_at is stamped on entering ACTIVE.
func (r *ProvisionRepository) UpdateState(ctx context.Context, id, state string, lastError *string) error {
	query := `
		UPDATE provisioning.provisions SET
			state = $1,
			last_error = $2,
			activated_at = CASE WHEN $1 = 'ACTIVE' THEN now() ELSE activated_at END,
			updated_at = now()
		WHERE id = $3
	`
	_, err := r.pool.Exec(ctx, query, state, lastError, id)
	if err != nil {
		return fmt.Errorf("update provision state: %w", err)
	}
	return nil
}

// SetResolvedPhone sets or clears the purchased number. A nil phone clears it
// (compensating rebuy only).
func (r *ProvisionRepository) SetResolvedPhone(ctx context.Context, id string, phone *string) error {
	query := `UPDATE provisioning.provisions SET resolved_phone = $1, updated_at = now() WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, phone, id)
	if err != nil {
		return fmt.Errorf("set resolved phone: %w", err)
	}
	return nil
}

func (r *ProvisionRepository) scanProvision(row pgx.Row) (*models.Provision, error) {
	p := &models.Provision{}
	err := row.Scan(
		&p.ID, &p.UserID, &p.State, &p.CountryPreference, &p.ServiceSelector,
		&p.ResolvedPhone, &p.LastError, &p.LinkToWeb,
		&p.CreatedAt, &p.UpdatedAt, &p.ActivatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan provision: %w", err)
	}
	return p, nil
}
