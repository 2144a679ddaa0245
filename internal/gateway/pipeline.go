package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/opsclaw/internal/bus"
	"github.com/stellarlinkco/opsclaw/internal/classifier"
	"github.com/stellarlinkco/opsclaw/internal/conversation"
	"github.com/stellarlinkco/opsclaw/internal/router"
)

type HistorySource interface {
	FetchRecentHistory(ctx context.Context, conversationID int64, limit int) ([]conversation.Message, error)
}

type PromptComposer interface {
	Compose(ctx context.Context, query string) string
}

type QueryClassifier interface {
	Classify(text string) classifier.Classification
}

type ModelRouter interface {
	Route(ctx context.Context, complex bool, req router.Request) router.Result
}

type ReplySender interface {
	Send(ctx context.Context, out bus.OutboundMessage) error
}

type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeReplied   Outcome = "replied"
)

// Report describes what the pipeline did with one delivery.
type Report struct {
	Outcome        Outcome
	Reason         string
	Inbound        conversation.Message
	Classification classifier.Classification
	Result         router.Result
	SendErr        error
}

// Answer is a routed reply that has not been sent.
type Answer struct {
	Classification classifier.Classification
	Result         router.Result
}

type PipelineDeps struct {
	Gate         *Gate
	Recorder     *conversation.Recorder
	History      HistorySource
	HistoryLimit int
	Composer     PromptComposer
	Classifier   QueryClassifier
	Router       ModelRouter
	Sender       ReplySender
	Logger       *zap.Logger
}

// Pipeline turns one accepted chat message into exactly one reply.
type Pipeline struct {
	gate         *Gate
	rec          *conversation.Recorder
	history      HistorySource
	historyLimit int
	composer     PromptComposer
	classifier   QueryClassifier
	router       ModelRouter
	sender       ReplySender
	log          *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPipeline(d PipelineDeps) *Pipeline {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		gate:         d.Gate,
		rec:          d.Recorder,
		history:      d.History,
		historyLimit: d.HistoryLimit,
		composer:     d.Composer,
		classifier:   d.Classifier,
		router:       d.Router,
		sender:       d.Sender,
		log:          log,
		inflight:     make(map[string]struct{}),
	}
}

// Handle gates an update and processes it when accepted. The only error it
// returns is ErrUnauthorized.
func (p *Pipeline) Handle(ctx context.Context, u tgbotapi.Update) (Report, error) {
	d := p.gate.Check(u)
	switch d.Verdict {
	case VerdictIgnore:
		p.log.Debug("update ignored", zap.Int("update_id", u.UpdateID), zap.String("reason", d.Reason))
		return Report{Outcome: OutcomeIgnored, Reason: d.Reason}, nil
	case VerdictReject:
		var chatID int64
		if u.Message != nil && u.Message.Chat != nil {
			chatID = u.Message.Chat.ID
		}
		p.log.Warn("unauthorized chat", zap.Int64("chat_id", chatID), zap.Int("update_id", u.UpdateID))
		return Report{Outcome: OutcomeRejected, Reason: d.Reason}, ErrUnauthorized
	}
	return p.Process(ctx, d.Message), nil
}

// Process runs an accepted message through record, history, compose,
// classify, route and dispatch.
func (p *Pipeline) Process(ctx context.Context, in bus.InboundMessage) Report {
	start := time.Now()
	if !p.claim(in) {
		p.log.Info("delivery already in progress", zap.Int64("update_id", in.UpdateID))
		return Report{Outcome: OutcomeDuplicate, Reason: "in progress"}
	}
	defer p.release(in)

	stored, duplicate, recorded := p.rec.RecordInbound(ctx, conversation.Message{
		ConversationID:   in.ConversationID,
		SenderLabel:      in.SenderLabel,
		Text:             in.Text,
		PlatformUpdateID: in.UpdateID,
	})
	if duplicate {
		prev, unanswered := p.rec.Unanswered(ctx, in.ConversationID, in.UpdateID)
		if !unanswered {
			p.log.Info("duplicate delivery skipped", zap.Int64("update_id", in.UpdateID))
			return Report{Outcome: OutcomeDuplicate, Reason: "already recorded"}
		}
		p.log.Info("answering redelivered message", zap.Int64("update_id", in.UpdateID), zap.String("message_id", prev.ID))
		stored, recorded = prev, true
	}

	var exclude string
	if recorded {
		exclude = stored.ID
	}
	history := p.recentTurns(ctx, in.ConversationID, exclude)

	ans := p.Answer(ctx, in.Text, history)
	rep := Report{
		Outcome:        OutcomeReplied,
		Inbound:        stored,
		Classification: ans.Classification,
		Result:         ans.Result,
	}

	rep.SendErr = p.sender.Send(ctx, bus.OutboundMessage{
		Channel:        in.Channel,
		ConversationID: in.ConversationID,
		Text:           ans.Result.Reply,
		Backend:        ans.Result.Backend,
	})
	if rep.SendErr != nil {
		p.log.Warn("reply queued for flush", zap.Int64("conversation_id", in.ConversationID), zap.Error(rep.SendErr))
	}
	if recorded {
		p.rec.MarkProcessed(ctx, stored.ID)
	}

	p.log.Info("message handled",
		zap.String("session", in.SessionKey()),
		zap.Bool("complex", ans.Classification.Complex),
		zap.Strings("matched", ans.Classification.Matched),
		zap.String("backend", ans.Result.Backend),
		zap.String("state", string(ans.Result.State)),
		zap.Int("history", len(history)),
		zap.Duration("elapsed", time.Since(start)))
	return rep
}

// Answer composes, classifies and routes text without touching the store or
// the chat.
func (p *Pipeline) Answer(ctx context.Context, text string, history []router.Turn) Answer {
	system := p.composer.Compose(ctx, text)
	cls := p.classifier.Classify(text)
	res := p.router.Route(ctx, cls.Complex, router.Request{
		System:  system,
		History: history,
		Message: text,
	})
	return Answer{Classification: cls, Result: res}
}

func (p *Pipeline) recentTurns(ctx context.Context, conversationID int64, exclude string) []router.Turn {
	if p.history == nil || p.historyLimit <= 0 {
		return nil
	}
	msgs, err := p.history.FetchRecentHistory(ctx, conversationID, p.historyLimit+1)
	if err != nil {
		p.log.Warn("history unavailable", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil
	}

	turns := make([]router.Turn, 0, len(msgs))
	for _, m := range msgs {
		if (exclude != "" && m.ID == exclude) || m.IsHeartbeat() {
			continue
		}
		role := router.RoleUser
		if m.Direction == conversation.Outbound {
			role = router.RoleAssistant
		}
		turns = append(turns, router.Turn{Role: role, Text: m.Text})
	}
	if len(turns) > p.historyLimit {
		turns = turns[len(turns)-p.historyLimit:]
	}
	return turns
}

// claim marks an update as being answered. Telegram retries a webhook that is
// slow to respond, and the retry must not produce a second reply.
func (p *Pipeline) claim(in bus.InboundMessage) bool {
	if in.UpdateID == 0 {
		return true
	}
	key := in.SessionKey() + ":" + strconv.FormatInt(in.UpdateID, 10)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Pipeline) release(in bus.InboundMessage) {
	if in.UpdateID == 0 {
		return
	}
	key := in.SessionKey() + ":" + strconv.FormatInt(in.UpdateID, 10)
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}
