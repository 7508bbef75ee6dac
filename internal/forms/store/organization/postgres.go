package organization

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"formgate/internal/forms/models"
	"formgate/internal/sentinel"
	id "formgate/pkg/domain"
)

const orgColumns = `
	id, name, status,
	default_csrf_enabled, default_rate_limit_enabled, default_rate_limit_max_requests,
	default_rate_limit_window_seconds, default_rate_limit_max_requests_per_hour,
	default_min_time_between_submissions_enabled, default_min_time_between_submissions_seconds,
	default_max_request_size_bytes, default_referer_fallback_enabled,
	created_at, updated_at`

// PostgresStore persists organizations and whitelisted domains in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, org *models.Organization) error {
	if org == nil {
		return fmt.Errorf("organization is required")
	}
	d := org.Defaults
	query := `INSERT INTO organizations (` + orgColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(org.ID), org.Name, string(org.Status),
		d.CsrfEnabled, d.RateLimitEnabled, d.RateLimitMaxRequests,
		d.RateLimitWindowSeconds, d.RateLimitMaxRequestsPerHour,
		d.MinTimeBetweenSubmissionsEnabled, d.MinTimeBetweenSubmissionsSeconds,
		d.MaxRequestSizeBytes, d.RefererFallbackEnabled,
		org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("organization already exists: %w", sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, orgID id.OrganizationID) (*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1`
	var org models.Organization
	var rawID uuid.UUID
	var status string
	d := &org.Defaults
	err := s.db.QueryRowContext(ctx, query, uuid.UUID(orgID)).Scan(
		&rawID, &org.Name, &status,
		&d.CsrfEnabled, &d.RateLimitEnabled, &d.RateLimitMaxRequests,
		&d.RateLimitWindowSeconds, &d.RateLimitMaxRequestsPerHour,
		&d.MinTimeBetweenSubmissionsEnabled, &d.MinTimeBetweenSubmissionsSeconds,
		&d.MaxRequestSizeBytes, &d.RefererFallbackEnabled,
		&org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find organization by id: %w", err)
	}
	org.ID = id.OrganizationID(rawID)
	org.Status = models.Status(status)
	return &org, nil
}

func (s *PostgresStore) Update(ctx context.Context, org *models.Organization) error {
	if org == nil {
		return fmt.Errorf("organization is required")
	}
	d := org.Defaults
	query := `
		UPDATE organizations SET
			name = $2, status = $3,
			default_csrf_enabled = $4, default_rate_limit_enabled = $5,
			default_rate_limit_max_requests = $6, default_rate_limit_window_seconds = $7,
			default_rate_limit_max_requests_per_hour = $8,
			default_min_time_between_submissions_enabled = $9,
			default_min_time_between_submissions_seconds = $10,
			default_max_request_size_bytes = $11, default_referer_fallback_enabled = $12,
			updated_at = $13
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query,
		uuid.UUID(org.ID), org.Name, string(org.Status),
		d.CsrfEnabled, d.RateLimitEnabled, d.RateLimitMaxRequests,
		d.RateLimitWindowSeconds, d.RateLimitMaxRequestsPerHour,
		d.MinTimeBetweenSubmissionsEnabled, d.MinTimeBetweenSubmissionsSeconds,
		d.MaxRequestSizeBytes, d.RefererFallbackEnabled,
		org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update organization rows: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddDomain(ctx context.Context, d *models.WhitelistedDomain) error {
	if d == nil {
		return fmt.Errorf("domain is required")
	}
	query := `
		INSERT INTO whitelisted_domains (id, organization_id, domain, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(d.ID), uuid.UUID(d.OrganizationID), d.Domain, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("domain already whitelisted: %w", sentinel.ErrAlreadyUsed)
		}
		if isForeignKeyViolation(err) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("add whitelisted domain: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDomains(ctx context.Context, orgID id.OrganizationID) ([]*models.WhitelistedDomain, error) {
	query := `
		SELECT id, organization_id, domain, created_at
		FROM whitelisted_domains
		WHERE organization_id = $1
		ORDER BY created_at, domain`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("list whitelisted domains: %w", err)
	}
	defer rows.Close()

	var out []*models.WhitelistedDomain
	for rows.Next() {
		var d models.WhitelistedDomain
		var domainID, org uuid.UUID
		if err := rows.Scan(&domainID, &org, &d.Domain, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan whitelisted domain: %w", err)
		}
		d.ID = id.DomainID(domainID)
		d.OrganizationID = id.OrganizationID(org)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate whitelisted domains: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RemoveDomain(ctx context.Context, orgID id.OrganizationID, domainID id.DomainID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM whitelisted_domains WHERE id = $1 AND organization_id = $2`,
		uuid.UUID(domainID), uuid.UUID(orgID),
	)
	if err != nil {
		return fmt.Errorf("remove whitelisted domain: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove whitelisted domain rows: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
