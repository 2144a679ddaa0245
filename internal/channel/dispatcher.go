package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/opsclaw/internal/bus"
	"github.com/stellarlinkco/opsclaw/internal/config"
	"github.com/stellarlinkco/opsclaw/internal/conversation"
)

// ChatSender delivers a single chunk to a chat.
type ChatSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Outbox lists replies that were recorded but not fully delivered.
type Outbox interface {
	ListUnsentOutbound(ctx context.Context) ([]conversation.Message, error)
}

// Dispatcher records replies and sends them chunk by chunk. A reply is
// persisted before the first chunk leaves so a failed send can be resumed by
// Flush from the last delivered chunk. Send and Flush never overlap, so a
// reply still in flight is not picked up again as unsent.
type Dispatcher struct {
	mu          sync.Mutex
	sender      ChatSender
	rec         *conversation.Recorder
	outbox      Outbox
	chunkSize   int
	sendTimeout time.Duration
	log         *zap.Logger
}

type DispatcherOptions struct {
	ChunkSize   int
	SendTimeout time.Duration
}

func NewDispatcher(sender ChatSender, rec *conversation.Recorder, outbox Outbox, opts DispatcherOptions, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultChunkSize
	}
	return &Dispatcher{
		sender:      sender,
		rec:         rec,
		outbox:      outbox,
		chunkSize:   opts.ChunkSize,
		sendTimeout: opts.SendTimeout,
		log:         log,
	}
}

// Send records out as a single unsent message and delivers it. On error the
// stored row keeps sent=false with the number of chunks that went through.
func (d *Dispatcher) Send(ctx context.Context, out bus.OutboundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, _ := d.rec.RecordOutbound(ctx, conversation.Message{
		ConversationID: out.ConversationID,
		SenderLabel:    out.Backend,
		Text:           out.Text,
	})
	return d.deliver(ctx, stored, 0)
}

// Flush resends unsent replies oldest first, resuming each at its recorded
// chunk. It stops at the first failure and returns how many replies were
// completed.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending, err := d.outbox.ListUnsentOutbound(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unsent outbound: %w", err)
	}
	sent := 0
	for _, m := range pending {
		if err := d.deliver(ctx, m, m.ChunksSent); err != nil {
			d.log.Warn("flush stopped",
				zap.String("message_id", m.ID),
				zap.Int("delivered", sent),
				zap.Int("pending", len(pending)-sent),
				zap.Error(err))
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		d.log.Info("flushed queued replies", zap.Int("count", sent))
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, m conversation.Message, from int) error {
	chunks := Chunk(m.Text, d.chunkSize)
	if from > len(chunks) {
		from = len(chunks)
	}
	for i := from; i < len(chunks); i++ {
		if err := d.sendChunk(ctx, m.ConversationID, chunks[i]); err != nil {
			d.log.Warn("send chunk failed",
				zap.String("message_id", m.ID),
				zap.Int64("conversation_id", m.ConversationID),
				zap.Int("chunk", i+1),
				zap.Int("chunks", len(chunks)),
				zap.Error(err))
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		d.rec.MarkProgress(ctx, m.ID, i+1)
	}
	d.rec.MarkSent(ctx, m.ID)
	return nil
}

func (d *Dispatcher) sendChunk(ctx context.Context, chatID int64, text string) error {
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}
	return d.sender.SendText(ctx, chatID, text)
}
