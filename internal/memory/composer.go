package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	ActiveMemoryHeader   = "## Active Memory"
	RecalledMemoryHeader = "## Recalled Memory"
	recallSeparator      = "\n\n---\n\n"
)

type ComposerOptions struct {
	BasePrompt      string
	Threshold       float64
	TopK            int
	DocumentTimeout time.Duration
	SearchTimeout   time.Duration
}

// Composition is the assembled system prompt plus what went into it.
type Composition struct {
	Prompt       string
	ActiveMemory bool
	Recalled     []Entry
}

// Composer layers the base prompt, the active memory document and recalled
// semantic memories into one system prompt. It never fails: every memory
// source degrades to "absent".
type Composer struct {
	doc  DocumentSource
	emb  Embedder
	idx  Index
	opts ComposerOptions
	log  *zap.Logger
}

func NewComposer(doc DocumentSource, emb Embedder, idx Index, opts ComposerOptions, log *zap.Logger) *Composer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DocumentTimeout <= 0 {
		opts.DocumentTimeout = 2 * time.Second
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 5 * time.Second
	}
	return &Composer{doc: doc, emb: emb, idx: idx, opts: opts, log: log}
}

func (c *Composer) Compose(ctx context.Context, query string) string {
	return c.ComposeDetailed(ctx, query).Prompt
}

func (c *Composer) ComposeDetailed(ctx context.Context, query string) Composition {
	active := c.readActive(ctx)
	recalled := c.recall(ctx, query)

	var sb strings.Builder
	sb.WriteString(c.opts.BasePrompt)
	if active != "" {
		sb.WriteString("\n\n" + ActiveMemoryHeader + "\n")
		sb.WriteString(active)
	}
	if len(recalled) > 0 {
		blocks := make([]string, len(recalled))
		for i, e := range recalled {
			blocks[i] = FormatRecalled(e)
		}
		sb.WriteString("\n\n" + RecalledMemoryHeader + "\n")
		sb.WriteString(strings.Join(blocks, recallSeparator))
	}

	return Composition{Prompt: sb.String(), ActiveMemory: active != "", Recalled: recalled}
}

// FormatRecalled renders one recalled memory block.
func FormatRecalled(e Entry) string {
	return "Date: " + e.Date() + "\nLog:\n" + strings.TrimSpace(e.Content)
}

func (c *Composer) readActive(ctx context.Context) string {
	if c.doc == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.DocumentTimeout)
	defer cancel()

	text, err := c.doc.Read(ctx)
	if err != nil {
		c.log.Warn("active memory unavailable", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(text)
}

func (c *Composer) recall(ctx context.Context, query string) []Entry {
	if c.emb == nil || c.idx == nil || strings.TrimSpace(query) == "" {
		return nil
	}

	vec, err := c.emb.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, ErrEmbeddingUnavailable) {
			c.log.Info("semantic recall skipped", zap.Error(err))
		} else {
			c.log.Warn("semantic recall skipped", zap.Error(err))
		}
		return nil
	}
	if len(vec) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SearchTimeout)
	defer cancel()
	hits, err := c.idx.Search(ctx, vec, c.opts.Threshold, c.opts.TopK)
	if err != nil {
		c.log.Warn("memory search failed", zap.Error(err))
		return nil
	}
	return hits
}
