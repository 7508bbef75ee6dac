package submission

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

func TestInMemory(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	formID, other := id.NewFormID(), id.NewFormID()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []id.SubmissionID
	for i, f := range []id.FormID{formID, other, formID, formID} {
		sub := &models.Submission{
			ID:        id.NewSubmissionID(),
			FormID:    f,
			Data:      []byte(`{"name":"Ada"}`),
			Message:   "name: Ada",
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Create(ctx, sub))
		ids = append(ids, sub.ID)
	}

	t.Run("count by form", func(t *testing.T) {
		n, err := store.CountByForm(ctx, formID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("list newest first with limit", func(t *testing.T) {
		subs, err := store.ListByForm(ctx, formID, 2)
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, ids[3], subs[0].ID)
		assert.Equal(t, ids[2], subs[1].ID)
	})

	t.Run("find by id", func(t *testing.T) {
		sub, err := store.FindByID(ctx, ids[1])
		require.NoError(t, err)
		assert.Equal(t, other, sub.FormID)

		_, err = store.FindByID(ctx, id.NewSubmissionID())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}
