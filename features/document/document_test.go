package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

func TestService_List_InvalidScope(t *testing.T) {
	svc := NewService(knowledge.NewMemoryStore(), &MockIngester{})
	_, err := svc.List(context.Background(), "bad\nscope")
	assert.ErrorIs(t, err, knowledge.ErrInvalidScope)
}

func TestService_Delete_Cascades(t *testing.T) {
	store := seededStore(t)
	svc := NewService(store, &MockIngester{})
	ctx := context.Background()

	require.NoError(t, svc.Delete(ctx, "d-shared"))
	_, err := svc.Get(ctx, "d-shared")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)

	cands, err := store.ChunksForScope(ctx, "avatar-a")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "d-a", cands[0].DocumentID)
}
