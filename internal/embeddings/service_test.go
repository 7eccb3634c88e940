package embeddings

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tom-mart/chatbot-base/internal/logging"
)

func init() {
	logging.Disable()
}

type countingProvider struct {
	calls int
	fail  error
}

func (p *countingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	if p.fail != nil {
		return nil, p.fail
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		// Deterministic per-text vector.
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (p *countingProvider) Dimensions() int { return 2 }
func (p *countingProvider) Model() string   { return "counting" }

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestServiceCachesEmbeddings(t *testing.T) {
	provider := &countingProvider{}
	svc, err := NewService(openTestDB(t), provider)
	require.NoError(t, err)

	first, err := svc.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, provider.calls)

	second, err := svc.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.calls, "repeat texts must come from cache")
}

func TestServiceEmbedsOnlyUncached(t *testing.T) {
	provider := &countingProvider{}
	svc, err := NewService(openTestDB(t), provider)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	vecs, err := svc.Embed(context.Background(), []string{"alpha", "gamma"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 2, provider.calls)
	assert.Equal(t, []float32{5, 1}, vecs[0])
	assert.Equal(t, []float32{5, 1}, vecs[1])
}

func TestServiceClientErrorNotRetried(t *testing.T) {
	provider := &countingProvider{fail: fmt.Errorf("embed error: 401 Unauthorized")}
	svc, err := NewService(openTestDB(t), provider)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), []string{"alpha"})
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls, "auth errors are not retried")
}

func TestServiceEmbedOne(t *testing.T) {
	svc, err := NewService(openTestDB(t), &countingProvider{})
	require.NoError(t, err)

	vec, err := svc.EmbedOne(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1}, vec)
}

func TestServiceWithoutProvider(t *testing.T) {
	svc, err := NewService(openTestDB(t), nil)
	require.NoError(t, err)
	assert.False(t, svc.HasProvider())

	_, err = svc.Embed(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1}), "mismatched lengths score zero")
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}), "zero vector scores zero")
}
