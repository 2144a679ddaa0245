package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

const (
	IndexSQLite  = "sqlite"
	IndexChromem = "chromem"
)

// Entry is one recalled memory.
type Entry struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
	CreatedAt time.Time
	Score     float64
}

// Date returns the entry's date metadata, or "unknown".
func (e Entry) Date() string {
	if d := strings.TrimSpace(e.Metadata["date"]); d != "" {
		return d
	}
	return "unknown"
}

// Index is the semantic memory store. Search returns entries best-first,
// only those scoring at least threshold, at most topK of them.
type Index interface {
	Add(ctx context.Context, e Entry) (Entry, error)
	Search(ctx context.Context, vector []float32, threshold float64, topK int) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// OpenIndex opens the backend named by cfg.Index.
func OpenIndex(cfg config.MemoryConfig, log *zap.Logger) (Index, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Index)) {
	case "", IndexSQLite:
		idx, err := NewSQLiteIndex(cfg.IndexPath, cfg.Embedding.Dimension, log)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case IndexChromem:
		idx, err := NewChromemIndex(cfg.IndexPath, cfg.Embedding.Dimension, log)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported memory index: %s", cfg.Index)
	}
}
