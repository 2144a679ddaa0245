package bus

import (
	"strconv"
	"time"
)

// InboundMessage is an accepted chat delivery after the gate has parsed it.
type InboundMessage struct {
	Channel        string
	ConversationID int64
	SenderLabel    string
	Text           string
	UpdateID       int64
	MessageID      int
	Timestamp      time.Time
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + strconv.FormatInt(m.ConversationID, 10)
}

// OutboundMessage is a reply addressed to a conversation.
type OutboundMessage struct {
	Channel        string
	ConversationID int64
	Text           string
	Backend        string
}
