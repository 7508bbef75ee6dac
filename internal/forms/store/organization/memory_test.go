package organization

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formgate/internal/forms/models"
	"formgate/internal/sentinel"
	id "formgate/pkg/domain"
)

func TestInMemory_Domains(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	org, err := models.NewOrganization(id.NewOrganizationID(), "Acme", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, org))

	add := func(domain string) *models.WhitelistedDomain {
		d := &models.WhitelistedDomain{ID: id.NewDomainID(), OrganizationID: org.ID, Domain: domain, CreatedAt: time.Now()}
		return d
	}

	first := add("example.com")
	require.NoError(t, store.AddDomain(ctx, first))
	require.NoError(t, store.AddDomain(ctx, add("shop.example.org")))

	t.Run("lists in insertion order", func(t *testing.T) {
		domains, err := store.ListDomains(ctx, org.ID)
		require.NoError(t, err)
		require.Len(t, domains, 2)
		assert.Equal(t, "example.com", domains[0].Domain)
		assert.Equal(t, "shop.example.org", domains[1].Domain)
	})

	t.Run("duplicate domain rejected", func(t *testing.T) {
		assert.ErrorIs(t, store.AddDomain(ctx, add("example.com")), sentinel.ErrAlreadyUsed)
	})

	t.Run("unknown organization", func(t *testing.T) {
		d := add("x.test")
		d.OrganizationID = id.NewOrganizationID()
		assert.ErrorIs(t, store.AddDomain(ctx, d), sentinel.ErrNotFound)
	})

	t.Run("empty list for organization without domains", func(t *testing.T) {
		domains, err := store.ListDomains(ctx, id.NewOrganizationID())
		require.NoError(t, err)
		assert.Empty(t, domains)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.RemoveDomain(ctx, org.ID, first.ID))
		domains, err := store.ListDomains(ctx, org.ID)
		require.NoError(t, err)
		require.Len(t, domains, 1)
		assert.ErrorIs(t, store.RemoveDomain(ctx, org.ID, first.ID), sentinel.ErrNotFound)
	})
}

func TestInMemory_Organizations(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	org, err := models.NewOrganization(id.NewOrganizationID(), "Acme", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, org))
	assert.ErrorIs(t, store.Create(ctx, org), sentinel.ErrAlreadyUsed)

	require.NoError(t, org.Deactivate(time.Now()))
	require.NoError(t, store.Update(ctx, org))

	got, err := store.FindByID(ctx, org.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())

	_, err = store.FindByID(ctx, id.NewOrganizationID())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
