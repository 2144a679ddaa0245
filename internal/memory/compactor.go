package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/opsclaw/internal/conversation"
)

const compactionPrompt = `You are Mission Control. Summarize today's conversation log into a concise Markdown document.
Keep only decisions made, tasks completed, important context shared and new agent or system behaviours established.
Leave out casual banter and transient errors that were fixed right away. Output only the markdown, no intro or outro.`

// Summarizer turns a transcript into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, instructions, transcript string) (string, error)
}

type SummarizerFunc func(ctx context.Context, instructions, transcript string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, instructions, transcript string) (string, error) {
	return f(ctx, instructions, transcript)
}

// MessageSource lists stored chat messages.
type MessageSource interface {
	ListSince(ctx context.Context, conversationID int64, since time.Time) ([]conversation.Message, error)
}

// CompactionReport describes one compaction run.
type CompactionReport struct {
	Messages int
	Date     string
	Filename string
	Path     string
	Indexed  bool
	EntryID  string
}

func (r CompactionReport) Status() string {
	switch {
	case r.Messages == 0:
		return "No messages to compact for today."
	case r.Filename == "":
		return "Summary was empty, skipping."
	case !r.Indexed:
		return fmt.Sprintf("Compacted %d messages into %s (not indexed).", r.Messages, r.Filename)
	default:
		return fmt.Sprintf("Compacted %d messages into %s and indexed it.", r.Messages, r.Filename)
	}
}

// Compactor folds the last day of conversation into a dated log file and a
// semantic memory entry.
type Compactor struct {
	src            MessageSource
	sum            Summarizer
	emb            Embedder
	idx            Index
	conversationID int64
	logDir         string
	window         time.Duration
	now            func() time.Time
	log            *zap.Logger
}

func NewCompactor(src MessageSource, sum Summarizer, emb Embedder, idx Index, conversationID int64, logDir string, log *zap.Logger) *Compactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compactor{
		src:            src,
		sum:            sum,
		emb:            emb,
		idx:            idx,
		conversationID: conversationID,
		logDir:         logDir,
		window:         24 * time.Hour,
		now:            time.Now,
		log:            log,
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Compactor) SetClock(now func() time.Time) { c.now = now }

func (c *Compactor) Run(ctx context.Context) (CompactionReport, error) {
	now := c.now().UTC()
	msgs, err := c.src.ListSince(ctx, c.conversationID, now.Add(-c.window))
	if err != nil {
		return CompactionReport{}, fmt.Errorf("compact: list messages: %w", err)
	}
	msgs = withoutHeartbeats(msgs)
	report := CompactionReport{Messages: len(msgs), Date: now.Format("2006-01-02")}
	if len(msgs) == 0 {
		return report, nil
	}

	summary, err := c.sum.Summarize(ctx, compactionPrompt, Transcript(msgs))
	if err != nil {
		return report, fmt.Errorf("compact: summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return report, nil
	}

	report.Filename = report.Date + ".md"
	report.Path = filepath.Join(c.logDir, report.Filename)
	content := "# Auto-Compacted Log: " + report.Date + "\n\n" + summary
	if err := os.MkdirAll(c.logDir, 0755); err != nil {
		return report, fmt.Errorf("compact: create log dir: %w", err)
	}
	if err := os.WriteFile(report.Path, []byte(content+"\n"), 0644); err != nil {
		return report, fmt.Errorf("compact: write log: %w", err)
	}
	c.log.Info("daily log written", zap.String("path", report.Path), zap.Int("messages", len(msgs)))

	if c.emb == nil || c.idx == nil {
		return report, nil
	}
	vec, err := c.emb.Embed(ctx, summary)
	if err != nil {
		return report, fmt.Errorf("compact: %w", err)
	}
	entry, err := c.idx.Add(ctx, Entry{
		Content:   content,
		Embedding: vec,
		Metadata: map[string]string{
			"source":   "daily-log",
			"date":     report.Date,
			"filename": report.Filename,
		},
		CreatedAt: now,
	})
	if err != nil {
		return report, fmt.Errorf("compact: index: %w", err)
	}
	report.Indexed = true
	report.EntryID = entry.ID
	return report, nil
}

// Transcript renders messages one per paragraph as "[time] sender: text".
func Transcript(msgs []conversation.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		sender := m.SenderLabel
		if sender == "" {
			sender = string(m.Direction)
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.CreatedAt.UTC().Format(time.RFC3339), sender, m.Text))
	}
	return strings.Join(lines, "\n\n")
}

func withoutHeartbeats(msgs []conversation.Message) []conversation.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if !m.IsHeartbeat() {
			out = append(out, m)
		}
	}
	return out
}

// IsEmbeddingFailure reports whether a compaction error came from the
// embedding step, after the log file was written.
func IsEmbeddingFailure(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable)
}
