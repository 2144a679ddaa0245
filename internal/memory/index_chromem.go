package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const chromemCollection = "memories"

// ChromemIndex stores memories in an embedded chromem-go database. An empty
// path keeps everything in memory. With dim 0 the first added vector fixes
// the dimension for the process.
type ChromemIndex struct {
	db  *chromem.DB
	col *chromem.Collection
	dim int
	mu  sync.RWMutex
	log *zap.Logger
}

func NewChromemIndex(path string, dim int, log *zap.Logger) (*ChromemIndex, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	col, err := db.GetOrCreateCollection(chromemCollection, nil, noEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("open chromem collection: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChromemIndex{db: db, col: col, dim: dim, log: log}, nil
}

// Vectors are always computed by the caller.
func noEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem index: documents must carry embeddings")
}

func (c *ChromemIndex) Add(ctx context.Context, e Entry) (Entry, error) {
	if len(e.Embedding) == 0 {
		return Entry{}, errors.New("add memory: empty embedding")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dim > 0 && len(e.Embedding) != c.dim {
		return Entry{}, fmt.Errorf("add memory: %w: got %d want %d", ErrDimensionMismatch, len(e.Embedding), c.dim)
	}
	if c.dim == 0 {
		c.dim = len(e.Embedding)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta["created_at"] = e.CreatedAt.Format(time.RFC3339Nano)

	doc := chromem.Document{ID: e.ID, Content: e.Content, Embedding: e.Embedding, Metadata: meta}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return Entry{}, fmt.Errorf("add memory: %w", err)
	}
	return e, nil
}

func (c *ChromemIndex) Search(ctx context.Context, vector []float32, threshold float64, topK int) ([]Entry, error) {
	if len(vector) == 0 || topK <= 0 {
		return []Entry{}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dim > 0 && len(vector) != c.dim {
		return []Entry{}, fmt.Errorf("search memories: %w: got %d want %d", ErrDimensionMismatch, len(vector), c.dim)
	}

	n := c.col.Count()
	if n == 0 {
		return []Entry{}, nil
	}
	if topK > n {
		topK = n
	}
	results, err := c.col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return []Entry{}, fmt.Errorf("search memories: %w", err)
	}

	hits := make([]Entry, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < threshold {
			continue
		}
		e := Entry{ID: r.ID, Content: r.Content, Embedding: r.Embedding, Score: score, Metadata: map[string]string{}}
		for k, v := range r.Metadata {
			if k == "created_at" {
				e.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
				continue
			}
			e.Metadata[k] = v
		}
		hits = append(hits, e)
	}
	c.log.Debug("chromem search", zap.Int("candidates", len(results)), zap.Int("hits", len(hits)))
	return hits, nil
}

func (c *ChromemIndex) Count(context.Context) (int, error) {
	return c.col.Count(), nil
}

func (c *ChromemIndex) Close() error { return nil }
