package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/opsclaw/internal/bus"
	"github.com/stellarlinkco/opsclaw/internal/conversation"
	"github.com/stellarlinkco/opsclaw/internal/router"
)

const HeartbeatOK = "HEARTBEAT_OK"

const heartbeatPrompt = `You are the operator's assistant running a scheduled heartbeat check. Current time: %s UTC.

Do a quick status scan. Reply with ONE of:
1. Just "HEARTBEAT_OK" (no other text) if everything looks fine and nothing is urgent
2. A short 1-2 sentence alert if something needs the operator's attention

Keep it extremely brief.`

type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

type Completer interface {
	Complete(ctx context.Context, req router.Request) (string, error)
}

type HeartbeatReport struct {
	Status  string
	Flushed int
	Silent  bool
	Elapsed time.Duration
}

// Heartbeat delivers queued replies and asks the fast chain whether anything
// needs attention. Nothing is sent when all is well and the queue was empty.
type Heartbeat struct {
	flusher Flusher
	model   Completer
	sender  ReplySender
	chatID  int64
	now     func() time.Time
	log     *zap.Logger
}

func NewHeartbeat(flusher Flusher, model Completer, sender ReplySender, chatID int64, log *zap.Logger) *Heartbeat {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeat{flusher: flusher, model: model, sender: sender, chatID: chatID, now: time.Now, log: log}
}

func (h *Heartbeat) Run(ctx context.Context) (HeartbeatReport, error) {
	start := h.now()

	flushed, err := h.flusher.Flush(ctx)
	if err != nil {
		// the rest is still worth doing; remaining items wait for the next beat
		h.log.Warn("heartbeat flush incomplete", zap.Int("flushed", flushed), zap.Error(err))
	}

	status, err := h.model.Complete(ctx, router.Request{
		Message: fmt.Sprintf(heartbeatPrompt, start.UTC().Format(time.RFC3339)),
	})
	if err != nil {
		return HeartbeatReport{Flushed: flushed}, fmt.Errorf("heartbeat status: %w", err)
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = HeartbeatOK
	}

	rep := HeartbeatReport{Status: status, Flushed: flushed, Silent: status == HeartbeatOK}
	if !rep.Silent || flushed > 0 {
		text := status
		if flushed > 0 {
			text = fmt.Sprintf("%s\n_(+ %d queued message(s) delivered)_", status, flushed)
		}
		if err := h.sender.Send(ctx, bus.OutboundMessage{
			Channel:        "telegram",
			ConversationID: h.chatID,
			Text:           text,
			Backend:        conversation.HeartbeatSender,
		}); err != nil {
			h.log.Warn("heartbeat message queued for flush", zap.Error(err))
		}
	}
	rep.Elapsed = h.now().Sub(start)

	h.log.Info("heartbeat",
		zap.String("status", status),
		zap.Int("flushed", flushed),
		zap.Bool("silent", rep.Silent),
		zap.Duration("elapsed", rep.Elapsed))
	return rep, nil
}

// Result renders the report for the cron log and the CLI.
func (r HeartbeatReport) Result() string {
	if r.Silent && r.Flushed == 0 {
		return HeartbeatOK
	}
	return fmt.Sprintf("%s (flushed %d)", r.Status, r.Flushed)
}
