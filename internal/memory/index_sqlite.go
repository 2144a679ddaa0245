package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteIndex keeps embeddings as blobs and scans them with cosine
// similarity on every query.
type SQLiteIndex struct {
	db  *sql.DB
	dim int
	mu  sync.Mutex
	log *zap.Logger
}

func NewSQLiteIndex(dbPath string, dim int, log *zap.Logger) (*SQLiteIndex, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite index: empty path")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if log == nil {
		log = zap.NewNop()
	}
	idx := &SQLiteIndex{db: db, dim: dim, log: log}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS memories (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteIndex) Add(ctx context.Context, e Entry) (Entry, error) {
	if s.dim > 0 && len(e.Embedding) != s.dim {
		return Entry{}, fmt.Errorf("add memory: %w: got %d want %d", ErrDimensionMismatch, len(e.Embedding), s.dim)
	}
	blob, err := EncodeVector(e.Embedding)
	if err != nil {
		return Entry{}, fmt.Errorf("add memory: %w", err)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("add memory: marshal metadata: %w", err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, metadata, embedding, dimension, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Content, string(meta), blob, len(e.Embedding), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("add memory: %w", err)
	}
	return e, nil
}

func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, threshold float64, topK int) ([]Entry, error) {
	if len(vector) == 0 || topK <= 0 {
		return []Entry{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding, created_at FROM memories ORDER BY seq ASC`)
	if err != nil {
		return []Entry{}, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	hits := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			meta    string
			blob    []byte
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Content, &meta, &blob, &created); err != nil {
			return []Entry{}, fmt.Errorf("search memories: scan: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			s.log.Warn("skipping undecodable memory", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		score, err := CosineSimilarity(vector, vec)
		if err != nil {
			s.log.Warn("skipping incomparable memory", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if score < threshold {
			continue
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			e.Metadata = map[string]string{}
		}
		e.Embedding = vec
		e.Score = score
		e.CreatedAt = time.Unix(0, created).UTC()
		hits = append(hits, e)
	}
	if err := rows.Err(); err != nil {
		return []Entry{}, fmt.Errorf("search memories: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}
