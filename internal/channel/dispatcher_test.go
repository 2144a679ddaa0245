package channel

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/opsclaw/internal/bus"
	"github.com/stellarlinkco/opsclaw/internal/conversation"
)

type sentChunk struct {
	chatID int64
	text   string
}

// scriptedSender fails every call whose 1-based index is in failOn.
type scriptedSender struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
	sent   []sentChunk
	delay  time.Duration
}

func (s *scriptedSender) SendText(ctx context.Context, chatID int64, text string) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOn[s.calls] {
		return errors.New("telegram unavailable")
	}
	s.sent = append(s.sent, sentChunk{chatID, text})
	return nil
}

func (s *scriptedSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, c := range s.sent {
		out[i] = c.text
	}
	return out
}

func newDispatcherFixture(t *testing.T, sender ChatSender, chunkSize int) (*Dispatcher, *conversation.Store) {
	t.Helper()
	store, err := conversation.NewStore(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rec := conversation.NewRecorder(store, nil)
	return NewDispatcher(sender, rec, store, DispatcherOptions{ChunkSize: chunkSize, SendTimeout: time.Second}, nil), store
}

func TestDispatcher_SendSingleChunk(t *testing.T) {
	sender := &scriptedSender{}
	d, store := newDispatcherFixture(t, sender, 4000)
	ctx := context.Background()

	require.NoError(t, d.Send(ctx, bus.OutboundMessage{ConversationID: 5, Text: "all good", Backend: "Claude"}))
	assert.Equal(t, []string{"all good"}, sender.texts())
	assert.Equal(t, int64(5), sender.sent[0].chatID)

	pending, err := store.ListUnsentOutbound(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err := store.FetchRecentHistory(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, conversation.Outbound, history[0].Direction)
	assert.Equal(t, "Claude", history[0].SenderLabel)
	assert.True(t, history[0].Sent)
	assert.Equal(t, 1, history[0].ChunksSent)
}

func TestDispatcher_SendMultipleChunksInOrder(t *testing.T) {
	sender := &scriptedSender{}
	d, _ := newDispatcherFixture(t, sender, 4000)
	text := strings.Repeat("a", 4000) + strings.Repeat("b", 4000) + strings.Repeat("c", 1500)

	require.NoError(t, d.Send(context.Background(), bus.OutboundMessage{ConversationID: 1, Text: text}))
	got := sender.texts()
	require.Len(t, got, 3)
	assert.Equal(t, text, strings.Join(got, ""))
	assert.Len(t, got[2], 1500)
}

func TestDispatcher_MidSequenceFailureThenFlushResumes(t *testing.T) {
	sender := &scriptedSender{failOn: map[int]bool{2: true}}
	d, store := newDispatcherFixture(t, sender, 3)
	ctx := context.Background()

	err := d.Send(ctx, bus.OutboundMessage{ConversationID: 9, Text: "abcdefgh"})
	require.Error(t, err)
	assert.Equal(t, []string{"abc"}, sender.texts())

	pending, err := store.ListUnsentOutbound(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Sent)
	assert.Equal(t, 1, pending[0].ChunksSent)
	assert.Equal(t, "abcdefgh", pending[0].Text)

	n, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"abc", "def", "gh"}, sender.texts())

	pending, err = store.ListUnsentOutbound(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcher_FlushNothingPending(t *testing.T) {
	d, _ := newDispatcherFixture(t, &scriptedSender{}, 10)
	n, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_FlushFIFOStopsAtFirstError(t *testing.T) {
	sender := &scriptedSender{failOn: map[int]bool{1: true, 2: true, 3: true}}
	d, store := newDispatcherFixture(t, sender, 100)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		require.Error(t, d.Send(ctx, bus.OutboundMessage{ConversationID: 1, Text: text}))
	}

	// call 4 succeeds, call 5 fails
	sender.failOn = map[int]bool{5: true}
	n, err := d.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"first"}, sender.texts())

	pending, err := store.ListUnsentOutbound(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "second", pending[0].Text)
	assert.Equal(t, "third", pending[1].Text)

	n, err = d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "second", "third"}, sender.texts())
}

func TestDispatcher_SendTimeout(t *testing.T) {
	sender := &scriptedSender{delay: time.Second}
	store, err := conversation.NewStore(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	defer store.Close()
	d := NewDispatcher(sender, conversation.NewRecorder(store, nil), store,
		DispatcherOptions{ChunkSize: 10, SendTimeout: 20 * time.Millisecond}, nil)

	err = d.Send(context.Background(), bus.OutboundMessage{ConversationID: 1, Text: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pending, err := store.ListUnsentOutbound(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDispatcher_FlushDuringSendDoesNotResend(t *testing.T) {
	sender := &scriptedSender{delay: 200 * time.Millisecond}
	store, err := conversation.NewStore(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	defer store.Close()
	d := NewDispatcher(sender, conversation.NewRecorder(store, nil), store, DispatcherOptions{ChunkSize: 100}, nil)
	ctx := context.Background()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- d.Send(ctx, bus.OutboundMessage{ConversationID: 1, Text: "reply once"})
	}()
	time.Sleep(50 * time.Millisecond)

	n, err := d.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	assert.Zero(t, n)
	assert.Equal(t, []string{"reply once"}, sender.texts())
}

func TestDispatcher_ConcurrentFlushesDeliverOnce(t *testing.T) {
	sender := &scriptedSender{failOn: map[int]bool{1: true}}
	d, store := newDispatcherFixture(t, sender, 100)
	ctx := context.Background()

	require.Error(t, d.Send(ctx, bus.OutboundMessage{ConversationID: 1, Text: "queued"}))
	sender.delay = 100 * time.Millisecond

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := d.Flush(ctx)
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, counts[0]+counts[1])
	assert.Equal(t, []string{"queued"}, sender.texts())
	pending, err := store.ListUnsentOutbound(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type brokenWriter struct{}

func (brokenWriter) Append(context.Context, conversation.Message) (conversation.Message, error) {
	return conversation.Message{}, errors.New("disk full")
}
func (brokenWriter) MarkSent(context.Context, string) error         { return errors.New("disk full") }
func (brokenWriter) MarkProgress(context.Context, string, int) error { return errors.New("disk full") }
func (brokenWriter) MarkProcessed(context.Context, string) error    { return errors.New("disk full") }

func TestDispatcher_PersistenceFailureStillDelivers(t *testing.T) {
	sender := &scriptedSender{}
	d := NewDispatcher(sender, conversation.NewRecorder(brokenWriter{}, nil), nil, DispatcherOptions{}, nil)

	require.NoError(t, d.Send(context.Background(), bus.OutboundMessage{ConversationID: 3, Text: "still here"}))
	assert.Equal(t, []string{"still here"}, sender.texts())
}
