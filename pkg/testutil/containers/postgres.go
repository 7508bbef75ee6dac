//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"formgate/migrations"
	id "formgate/pkg/domain"
)

// tables lists every schema table, children first.
var tables = []string{
	"submissions",
	"integrations",
	"forms",
	"whitelisted_domains",
	"organizations",
}

// PostgresContainer is a Postgres instance with the schema applied.
type PostgresContainer struct {
	Container *postgres.PostgresContainer
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts Postgres and applies the embedded migrations.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("formgate_test"),
		postgres.WithUsername("formgate"),
		postgres.WithPassword("formgate_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}

	fail := func(format string, args ...any) {
		_ = container.Terminate(ctx)
		t.Fatalf(format, args...)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fail("postgres dsn: %v", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fail("open postgres: %v", err)
	}
	err = migrations.Apply(ctx, func(ctx context.Context, query string) error {
		_, err := db.ExecContext(ctx, query)
		return err
	})
	if err != nil {
		_ = db.Close()
		fail("migrate postgres: %v", err)
	}

	return &PostgresContainer{Container: container, DSN: dsn, DB: db}
}

// Reset empties every table so suites can share the container.
func (p *PostgresContainer) Reset(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE")
	if err != nil {
		return fmt.Errorf("reset schema: %w", err)
	}
	return nil
}

// InsertOrganization writes an active organization row directly.
func (p *PostgresContainer) InsertOrganization(ctx context.Context, t testing.TB, name string) id.OrganizationID {
	t.Helper()
	orgID := id.NewOrganizationID()
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO organizations (id, name, status, created_at, updated_at) VALUES ($1, $2, 'active', NOW(), NOW())`,
		uuid.UUID(orgID), name)
	if err != nil {
		t.Fatalf("insert organization %q: %v", name, err)
	}
	return orgID
}

// InsertForm writes an active form row with default security settings.
func (p *PostgresContainer) InsertForm(ctx context.Context, t testing.TB, orgID id.OrganizationID, identifier string) id.FormID {
	t.Helper()
	formID := id.NewFormID()
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO forms (id, identifier, organization_id, name, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $2, 'active', NOW(), NOW())`,
		uuid.UUID(formID), identifier, uuid.UUID(orgID))
	if err != nil {
		t.Fatalf("insert form %q: %v", identifier, err)
	}
	return formID
}
