package submission

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

const submissionColumns = `id, form_id, organization_id, data, message, origin, ip_address,
	user_agent, browser, os, mobile, created_at`

// PostgresStore persists submissions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, sub *models.Submission) error {
	if sub == nil {
		return fmt.Errorf("submission is required")
	}
	query := `INSERT INTO submissions (` + submissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(sub.ID), uuid.UUID(sub.FormID), uuid.UUID(sub.OrganizationID),
		[]byte(sub.Data), sub.Message, nullString(sub.Origin), sub.IPAddress,
		nullString(sub.UserAgent), nullString(sub.Browser), nullString(sub.OS),
		sub.Mobile, sub.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("submission already exists: %w", sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, subID id.SubmissionID) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, query, uuid.UUID(subID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find submission by id: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListByForm(ctx context.Context, formID id.FormID, limit int) ([]*models.Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + submissionColumns + `
		FROM submissions WHERE form_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(formID), limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []*models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountByForm(ctx context.Context, formID id.FormID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE form_id = $1`, uuid.UUID(formID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

type submissionRow interface {
	Scan(dest ...any) error
}

func scanSubmission(row submissionRow) (*models.Submission, error) {
	var sub models.Submission
	var subID, formID, orgID uuid.UUID
	var data []byte
	var origin, userAgent, browser, os sql.NullString
	err := row.Scan(&subID, &formID, &orgID, &data, &sub.Message, &origin, &sub.IPAddress,
		&userAgent, &browser, &os, &sub.Mobile, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	sub.ID = id.SubmissionID(subID)
	sub.FormID = id.FormID(formID)
	sub.OrganizationID = id.OrganizationID(orgID)
	sub.Data = data
	sub.Origin = origin.String
	sub.UserAgent = userAgent.String
	sub.Browser = browser.String
	sub.OS = os.String
	return &sub, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
