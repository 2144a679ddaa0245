package conversation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Writer is the write side of the store.
type Writer interface {
	Append(ctx context.Context, m Message) (Message, error)
	MarkSent(ctx context.Context, id string) error
	MarkProgress(ctx context.Context, id string, chunksSent int) error
	MarkProcessed(ctx context.Context, id string) error
}

// InboundLookup is implemented by writers that can tell whether a recorded
// delivery was ever answered.
type InboundLookup interface {
	FindInbound(ctx context.Context, conversationID, updateID int64) (Message, error)
	HasReplyAfter(ctx context.Context, conversationID int64, after time.Time) (bool, error)
}

// Recorder writes to the store and keeps going when the write fails. A
// persistence failure is logged and never reaches the reply path.
type Recorder struct {
	w   Writer
	log *zap.Logger
}

func NewRecorder(w Writer, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{w: w, log: log}
}

// RecordInbound stores an inbound message. duplicate is true when the
// delivery was already recorded; ok is false when the write failed for any
// other reason.
func (r *Recorder) RecordInbound(ctx context.Context, m Message) (stored Message, duplicate, ok bool) {
	m.Direction = Inbound
	stored, err := r.w.Append(ctx, m)
	if errors.Is(err, ErrDuplicate) {
		return Message{}, true, false
	}
	if err != nil {
		r.log.Warn("record inbound failed",
			zap.Int64("conversation_id", m.ConversationID),
			zap.Int64("update_id", m.PlatformUpdateID),
			zap.Error(err))
		return m, false, false
	}
	return stored, false, true
}

// Unanswered returns the recorded inbound message for a redelivered update
// when it was never processed and nothing was replied after it. That happens
// when the process stopped between recording a message and answering it.
func (r *Recorder) Unanswered(ctx context.Context, conversationID, updateID int64) (Message, bool) {
	lookup, ok := r.w.(InboundLookup)
	if !ok || updateID == 0 {
		return Message{}, false
	}
	m, err := lookup.FindInbound(ctx, conversationID, updateID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.Warn("lookup inbound failed", zap.Int64("update_id", updateID), zap.Error(err))
		}
		return Message{}, false
	}
	if m.Processed {
		return Message{}, false
	}
	replied, err := lookup.HasReplyAfter(ctx, conversationID, m.CreatedAt)
	if err != nil {
		r.log.Warn("lookup reply failed", zap.Int64("update_id", updateID), zap.Error(err))
		return Message{}, false
	}
	if replied {
		return Message{}, false
	}
	return m, true
}

// RecordOutbound stores an outbound reply with sent=false.
func (r *Recorder) RecordOutbound(ctx context.Context, m Message) (Message, bool) {
	m.Direction = Outbound
	m.Sent = false
	stored, err := r.w.Append(ctx, m)
	if err != nil {
		r.log.Warn("record outbound failed",
			zap.Int64("conversation_id", m.ConversationID),
			zap.Error(err))
		return m, false
	}
	return stored, true
}

func (r *Recorder) MarkSent(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := r.w.MarkSent(ctx, id); err != nil {
		r.log.Warn("mark sent failed", zap.String("message_id", id), zap.Error(err))
	}
}

func (r *Recorder) MarkProgress(ctx context.Context, id string, chunksSent int) {
	if id == "" {
		return
	}
	if err := r.w.MarkProgress(ctx, id, chunksSent); err != nil {
		r.log.Warn("mark progress failed", zap.String("message_id", id), zap.Int("chunks_sent", chunksSent), zap.Error(err))
	}
}

func (r *Recorder) MarkProcessed(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := r.w.MarkProcessed(ctx, id); err != nil {
		r.log.Warn("mark processed failed", zap.String("message_id", id), zap.Error(err))
	}
}
