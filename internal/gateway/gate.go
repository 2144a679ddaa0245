package gateway

import (
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/opsclaw/internal/bus"
)

const unknownSender = "Unknown"

type Verdict int

const (
	VerdictIgnore Verdict = iota
	VerdictReject
	VerdictAccept
)

func (v Verdict) String() string {
	switch v {
	case VerdictReject:
		return "reject"
	case VerdictAccept:
		return "accept"
	default:
		return "ignore"
	}
}

// Decision is the gate's ruling on one update. Message is set only on accept.
type Decision struct {
	Verdict Verdict
	Reason  string
	Message bus.InboundMessage
}

// Gate admits text messages from the single authorized chat.
type Gate struct {
	chatID int64
}

func NewGate(chatID int64) *Gate {
	return &Gate{chatID: chatID}
}

// Check classifies an update. Authorization is decided before content, so a
// stranger sending an empty message is still rejected.
func (g *Gate) Check(u tgbotapi.Update) Decision {
	msg := u.Message
	if msg == nil || msg.Chat == nil {
		return Decision{Verdict: VerdictIgnore, Reason: "no message"}
	}
	if msg.Chat.ID != g.chatID {
		return Decision{Verdict: VerdictReject, Reason: "chat not authorized"}
	}
	if strings.TrimSpace(msg.Text) == "" {
		return Decision{Verdict: VerdictIgnore, Reason: "no text"}
	}

	sender := unknownSender
	if msg.From != nil && strings.TrimSpace(msg.From.FirstName) != "" {
		sender = strings.TrimSpace(msg.From.FirstName)
	}
	ts := time.Now()
	if msg.Date > 0 {
		ts = msg.Time()
	}

	return Decision{
		Verdict: VerdictAccept,
		Message: bus.InboundMessage{
			Channel:        "telegram",
			ConversationID: msg.Chat.ID,
			SenderLabel:    sender,
			Text:           msg.Text,
			UpdateID:       int64(u.UpdateID),
			MessageID:      msg.MessageID,
			Timestamp:      ts,
		},
	}
}
