package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/opsclaw/internal/conversation"
)

type fakeSource struct {
	msgs  []conversation.Message
	since time.Time
	conv  int64
}

func (f *fakeSource) ListSince(_ context.Context, conv int64, since time.Time) ([]conversation.Message, error) {
	f.conv, f.since = conv, since
	return f.msgs, nil
}

var compactNow = time.Date(2026, 5, 6, 3, 0, 0, 0, time.UTC)

func sampleMessages() []conversation.Message {
	return []conversation.Message{
		{SenderLabel: "Ana", Text: "ship it", Direction: conversation.Inbound, CreatedAt: compactNow.Add(-2 * time.Hour)},
		{SenderLabel: "Claude", Text: "done", Direction: conversation.Outbound, CreatedAt: compactNow.Add(-time.Hour)},
	}
}

func TestCompactorRun(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{msgs: sampleMessages()}
	var gotTranscript string
	sum := SummarizerFunc(func(_ context.Context, instructions, transcript string) (string, error) {
		gotTranscript = transcript
		assert.Contains(t, instructions, "Mission Control")
		return "  - Shipped the release\n", nil
	})
	idx, err := NewSQLiteIndex(filepath.Join(dir, "m.db"), 16, nil)
	require.NoError(t, err)
	defer idx.Close()

	c := NewCompactor(src, sum, NewHashEmbedder(16), idx, 42, filepath.Join(dir, "daily"), nil)
	c.SetClock(func() time.Time { return compactNow })

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(42), src.conv)
	assert.Equal(t, compactNow.Add(-24*time.Hour), src.since)
	assert.Equal(t, "[2026-05-06T01:00:00Z] Ana: ship it\n\n[2026-05-06T02:00:00Z] Claude: done", gotTranscript)

	assert.Equal(t, 2, report.Messages)
	assert.Equal(t, "2026-05-06.md", report.Filename)
	assert.True(t, report.Indexed)
	assert.Contains(t, report.Status(), "Compacted 2 messages")

	data, err := os.ReadFile(report.Path)
	require.NoError(t, err)
	assert.Equal(t, "# Auto-Compacted Log: 2026-05-06\n\n- Shipped the release\n", string(data))

	vec, err := NewHashEmbedder(16).Embed(context.Background(), "- Shipped the release")
	require.NoError(t, err)
	hits, err := idx.Search(context.Background(), vec, 0.99, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "daily-log", hits[0].Metadata["source"])
	assert.Equal(t, "2026-05-06", hits[0].Metadata["date"])
	assert.Equal(t, "2026-05-06.md", hits[0].Metadata["filename"])
}

func TestCompactorNoMessages(t *testing.T) {
	called := false
	sum := SummarizerFunc(func(context.Context, string, string) (string, error) {
		called = true
		return "", nil
	})
	c := NewCompactor(&fakeSource{}, sum, nil, nil, 1, t.TempDir(), nil)
	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, "No messages to compact for today.", report.Status())
}

func TestCompactorEmptySummarySkips(t *testing.T) {
	dir := t.TempDir()
	sum := SummarizerFunc(func(context.Context, string, string) (string, error) { return "   ", nil })
	c := NewCompactor(&fakeSource{msgs: sampleMessages()}, sum, nil, nil, 1, dir, nil)
	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Summary was empty, skipping.", report.Status())
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestCompactorEmbeddingFailureKeepsFile(t *testing.T) {
	dir := t.TempDir()
	sum := SummarizerFunc(func(context.Context, string, string) (string, error) { return "summary", nil })
	emb := &fakeEmbedder{err: ErrEmbeddingUnavailable}
	c := NewCompactor(&fakeSource{msgs: sampleMessages()}, sum, emb, &fakeIndex{}, 1, dir, nil)

	report, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsEmbeddingFailure(err))
	assert.False(t, report.Indexed)
	_, statErr := os.Stat(report.Path)
	assert.NoError(t, statErr)
}

func TestCompactorSummarizerFailure(t *testing.T) {
	sum := SummarizerFunc(func(context.Context, string, string) (string, error) { return "", errors.New("quota") })
	c := NewCompactor(&fakeSource{msgs: sampleMessages()}, sum, nil, nil, 1, t.TempDir(), nil)
	_, err := c.Run(context.Background())
	require.ErrorContains(t, err, "summarize")
}

func TestCompactorLeavesOutHeartbeatAlerts(t *testing.T) {
	msgs := append(sampleMessages(), conversation.Message{
		SenderLabel: conversation.HeartbeatSender, Text: "disk at 91%",
		Direction: conversation.Outbound, CreatedAt: compactNow.Add(-30 * time.Minute),
	})
	var gotTranscript string
	sum := SummarizerFunc(func(_ context.Context, _, transcript string) (string, error) {
		gotTranscript = transcript
		return "summary", nil
	})
	c := NewCompactor(&fakeSource{msgs: msgs}, sum, nil, nil, 42, t.TempDir(), nil)
	c.SetClock(func() time.Time { return compactNow })

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Messages)
	assert.NotContains(t, gotTranscript, "disk at 91%")
}

func TestCompactorOnlyHeartbeatsIsEmpty(t *testing.T) {
	msgs := []conversation.Message{{
		SenderLabel: conversation.HeartbeatSender, Text: "HTTP 500 on /search",
		Direction: conversation.Outbound, CreatedAt: compactNow.Add(-time.Hour),
	}}
	sum := SummarizerFunc(func(context.Context, string, string) (string, error) {
		t.Fatal("summarizer must not run")
		return "", nil
	})
	c := NewCompactor(&fakeSource{msgs: msgs}, sum, nil, nil, 42, t.TempDir(), nil)
	c.SetClock(func() time.Time { return compactNow })

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Messages)
}
