package embeddings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tom-mart/chatbot-base/internal/logging"
)

// Service wraps a Provider with a SQLite-backed cache keyed by content
// hash and model, so re-embedding the same tool descriptions or repeat
// queries never hits the backend twice.
type Service struct {
	db       *sql.DB
	provider Provider
}

// NewService creates the service and ensures the cache table exists.
// Cache entries older than 30 days are evicted at startup.
func NewService(db *sql.DB, provider Provider) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			model TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			embedding TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			PRIMARY KEY (content_hash, model)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -30).Unix()
	if _, err := db.Exec(`DELETE FROM embedding_cache WHERE created_at < ?`, cutoff); err != nil {
		logging.Warnf("embeddings: cache eviction failed: %v", err)
	}

	return &Service{db: db, provider: provider}, nil
}

// HasProvider reports whether an embedding backend is configured.
func (s *Service) HasProvider() bool {
	return s.provider != nil
}

// Embed returns one vector per text, serving from cache where possible.
// Backend calls are retried up to three times with exponential backoff,
// except on client errors.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	model := s.provider.Model()
	results := make([][]float32, len(texts))
	var uncachedIdx []int
	var uncached []string

	for i, text := range texts {
		if vec, ok := s.getCached(ctx, hashText(text), model); ok {
			results[i] = vec
		} else {
			uncachedIdx = append(uncachedIdx, i)
			uncached = append(uncached, text)
		}
	}

	if len(uncached) > 0 {
		var vectors [][]float32
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			vectors, err = s.provider.Embed(ctx, uncached)
			if err == nil {
				break
			}
			if isClientErr(err) {
				break
			}
			// 500ms, 2s, 8s
			backoff := time.Duration(1<<uint(attempt*2)) * 500 * time.Millisecond
			logging.Warnf("embeddings: attempt %d failed: %v, retrying in %v", attempt+1, err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, fmt.Errorf("generate embeddings: %w", err)
		}

		for j, vec := range vectors {
			i := uncachedIdx[j]
			results[i] = vec
			s.setCached(ctx, hashText(uncached[j]), model, vec)
		}
	}

	return results, nil
}

// EmbedOne embeds a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return nil, fmt.Errorf("no embedding generated")
	}
	return vecs[0], nil
}

func (s *Service) getCached(ctx context.Context, contentHash, model string) ([]float32, bool) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ?`,
		contentHash, model).Scan(&blob)
	if err != nil {
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal([]byte(blob), &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (s *Service) setCached(ctx context.Context, contentHash, model string, vec []float32) {
	blob, err := json.Marshal(vec)
	if err != nil {
		return
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (content_hash, model, dimensions, embedding, created_at)
		VALUES (?, ?, ?, ?, unixepoch())
		ON CONFLICT (content_hash, model) DO UPDATE SET
			dimensions = excluded.dimensions,
			embedding = excluded.embedding,
			created_at = excluded.created_at
	`, contentHash, model, len(vec), string(blob))
	if err != nil {
		logging.Warnf("embeddings: cache write failed: %v", err)
	}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// isClientErr detects auth/request errors that retrying cannot fix.
func isClientErr(err error) bool {
	msg := err.Error()
	for _, kw := range []string{"400", "401", "403", "Unauthorized", "invalid_api_key", "Bad Request"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
