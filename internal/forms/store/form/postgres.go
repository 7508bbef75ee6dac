package form

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

const formColumns = `
	id, identifier, organization_id, name, status, use_org_security_settings,
	csrf_enabled, rate_limit_enabled, rate_limit_max_requests, rate_limit_window_seconds,
	rate_limit_max_requests_per_hour, min_time_between_submissions_enabled,
	min_time_between_submissions_seconds, max_request_size_bytes, referer_fallback_enabled,
	created_at, updated_at`

// PostgresStore persists forms in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, f *models.Form) error {
	if f == nil {
		return fmt.Errorf("form is required")
	}
	query := `INSERT INTO forms (` + formColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := s.db.ExecContext(ctx, query, formArgs(f)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("form identifier must be unique: %w", sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create form: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, formID id.FormID) (*models.Form, error) {
	query := `SELECT ` + formColumns + ` FROM forms WHERE id = $1`
	f, err := scanForm(s.db.QueryRowContext(ctx, query, uuid.UUID(formID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find form by id: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) FindByIdentifier(ctx context.Context, identifier string) (*models.Form, error) {
	query := `SELECT ` + formColumns + ` FROM forms WHERE identifier = $1`
	f, err := scanForm(s.db.QueryRowContext(ctx, query, identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find form by identifier: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) Update(ctx context.Context, f *models.Form) error {
	if f == nil {
		return fmt.Errorf("form is required")
	}
	query := `
		UPDATE forms SET
			identifier = $2, organization_id = $3, name = $4, status = $5,
			use_org_security_settings = $6, csrf_enabled = $7, rate_limit_enabled = $8,
			rate_limit_max_requests = $9, rate_limit_window_seconds = $10,
			rate_limit_max_requests_per_hour = $11, min_time_between_submissions_enabled = $12,
			min_time_between_submissions_seconds = $13, max_request_size_bytes = $14,
			referer_fallback_enabled = $15, updated_at = $16
		WHERE id = $1`
	args := formArgs(f)
	// created_at is immutable; drop it and keep updated_at as $16.
	args = append(args[:15], f.UpdatedAt)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("form identifier must be unique: %w", sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("update form: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update form rows: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func formArgs(f *models.Form) []any {
	var orgID *uuid.UUID
	if f.OrganizationID != nil {
		u := uuid.UUID(*f.OrganizationID)
		orgID = &u
	}
	sec := f.Security
	return []any{
		uuid.UUID(f.ID),
		f.Identifier,
		orgID,
		f.Name,
		string(f.Status),
		f.UseOrgSecuritySettings,
		sec.CsrfEnabled,
		sec.RateLimitEnabled,
		sec.RateLimitMaxRequests,
		sec.RateLimitWindowSeconds,
		sec.RateLimitMaxRequestsPerHour,
		sec.MinTimeBetweenSubmissionsEnabled,
		sec.MinTimeBetweenSubmissionsSeconds,
		sec.MaxRequestSizeBytes,
		sec.RefererFallbackEnabled,
		f.CreatedAt,
		f.UpdatedAt,
	}
}

type formRow interface {
	Scan(dest ...any) error
}

func scanForm(row formRow) (*models.Form, error) {
	var f models.Form
	var formID uuid.UUID
	var orgID *uuid.UUID
	var status string
	sec := &f.Security
	err := row.Scan(
		&formID, &f.Identifier, &orgID, &f.Name, &status, &f.UseOrgSecuritySettings,
		&sec.CsrfEnabled, &sec.RateLimitEnabled, &sec.RateLimitMaxRequests, &sec.RateLimitWindowSeconds,
		&sec.RateLimitMaxRequestsPerHour, &sec.MinTimeBetweenSubmissionsEnabled,
		&sec.MinTimeBetweenSubmissionsSeconds, &sec.MaxRequestSizeBytes, &sec.RefererFallbackEnabled,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.ID = id.FormID(formID)
	if orgID != nil {
		o := id.OrganizationID(*orgID)
		f.OrganizationID = &o
	}
	f.Status = models.Status(status)
	return &f, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
