package integration

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"formgate/internal/forms/models"
	"formgate/internal/sentinel"
	id "formgate/pkg/domain"
)

// PostgresStore persists integration definitions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, in *models.Integration) error {
	if in == nil {
		return fmt.Errorf("integration is required")
	}
	if !in.Type.IsValid() {
		return fmt.Errorf("integration type %q: %w", in.Type, sentinel.ErrInvalidInput)
	}
	var formID *uuid.UUID
	if in.FormID != nil {
		u := uuid.UUID(*in.FormID)
		formID = &u
	}
	config := []byte(in.Config)
	if len(config) == 0 {
		config = []byte("{}")
	}
	query := `
		INSERT INTO integrations (id, organization_id, form_id, type, enabled, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(in.ID), uuid.UUID(in.OrganizationID), formID,
		string(in.Type), in.Enabled, config, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create integration: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEnabledForForm(ctx context.Context, orgID id.OrganizationID, formID id.FormID) ([]*models.Integration, error) {
	query := `
		SELECT id, organization_id, form_id, type, enabled, config, created_at
		FROM integrations
		WHERE organization_id = $1 AND enabled AND (form_id IS NULL OR form_id = $2)
		ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(orgID), uuid.UUID(formID))
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []*models.Integration
	for rows.Next() {
		var in models.Integration
		var rawID, rawOrg uuid.UUID
		var rawForm *uuid.UUID
		var typ string
		var config []byte
		if err := rows.Scan(&rawID, &rawOrg, &rawForm, &typ, &in.Enabled, &config, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		in.ID = id.IntegrationID(rawID)
		in.OrganizationID = id.OrganizationID(rawOrg)
		if rawForm != nil {
			f := id.FormID(*rawForm)
			in.FormID = &f
		}
		in.Type = models.IntegrationType(typ)
		in.Config = config
		out = append(out, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integrations: %w", err)
	}
	return out, nil
}
