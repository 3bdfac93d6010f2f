package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(nil)
	err := s.Upsert(context.Background(), "docs", []Point{
		{ID: "1", Vector: []float64{1, 0}, Text: "about cats", Metadata: map[string]string{"user_id": "alice"}},
		{ID: "2", Vector: []float64{0, 1}, Text: "about dogs", Metadata: map[string]string{"user_id": "alice"}},
		{ID: "3", Vector: []float64{1, 0}, Text: "bob's note", Metadata: map[string]string{"user_id": "bob"}},
	})
	require.NoError(t, err)
	return s
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	s := seedStore(t)

	hits, err := s.Search(context.Background(), "docs", []float64{1, 0}, 10, map[string]string{"user_id": "alice"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "1", hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchScopesByFilter(t *testing.T) {
	s := seedStore(t)

	hits, err := s.Search(context.Background(), "docs", []float64{1, 0}, 10, map[string]string{"user_id": "bob"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "3", hits[0].ID)
}

func TestSearchRespectsLimit(t *testing.T) {
	s := seedStore(t)

	hits, err := s.Search(context.Background(), "docs", []float64{1, 1}, 1, map[string]string{"user_id": "alice"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestDeleteByIDs(t *testing.T) {
	s := seedStore(t)

	err := s.Delete(context.Background(), "docs", nil, []string{"1"})
	require.NoError(t, err)

	hits, err := s.Search(context.Background(), "docs", []float64{1, 0}, 10, map[string]string{"user_id": "alice"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestDeleteByIDsRespectsFilter(t *testing.T) {
	s := seedStore(t)

	// Alice's filter must not delete bob's point even with its ID.
	err := s.Delete(context.Background(), "docs", map[string]string{"user_id": "alice"}, []string{"3"})
	require.NoError(t, err)

	hits, err := s.Search(context.Background(), "docs", []float64{1, 0}, 10, map[string]string{"user_id": "bob"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "3", hits[0].ID)
}

func TestDeleteByFilter(t *testing.T) {
	s := seedStore(t)

	err := s.Delete(context.Background(), "docs", map[string]string{"user_id": "alice"}, nil)
	require.NoError(t, err)

	hits, err := s.Search(context.Background(), "docs", []float64{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "bob", hits[0].Metadata["user_id"])
}

func TestUpsertReplacesExistingPoint(t *testing.T) {
	s := seedStore(t)

	err := s.Upsert(context.Background(), "docs", []Point{
		{ID: "1", Vector: []float64{3, 4}, Text: "rewritten", Metadata: map[string]string{"user_id": "alice"}},
	})
	require.NoError(t, err)

	hits, err := s.Search(context.Background(), "docs", []float64{3, 4}, 1, map[string]string{"user_id": "alice"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "rewritten", hits[0].Text)
}

func TestSearchBreaksScoreTiesByID(t *testing.T) {
	s := NewMemoryStore(nil)
	err := s.Upsert(context.Background(), "docs", []Point{
		{ID: "b", Vector: []float64{0, 1}, Text: "second"},
		{ID: "a", Vector: []float64{0, 1}, Text: "first"},
		{ID: "c", Vector: []float64{0, 1}, Text: "third"},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		hits, err := s.Search(context.Background(), "docs", []float64{0, 1}, 10, nil)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, "a", hits[0].ID)
		assert.Equal(t, "b", hits[1].ID)
		assert.Equal(t, "c", hits[2].ID)
	}
}
