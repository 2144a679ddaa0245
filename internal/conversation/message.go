package conversation

import (
	"errors"
	"time"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// HeartbeatSender labels outbound status alerts. They are not replies to the
// operator and stay out of history and daily logs.
const HeartbeatSender = "heartbeat"

// ErrDuplicate reports an inbound delivery whose platform update id was
// already recorded for the conversation.
var ErrDuplicate = errors.New("duplicate inbound delivery")

// ErrNotFound is returned by point updates on a missing message id.
var ErrNotFound = errors.New("message not found")

// Message is one stored turn. Only Sent, ChunksSent and Processed change
// after insert.
type Message struct {
	ID               string
	Seq              int64
	ConversationID   int64
	SenderLabel      string
	Text             string
	Direction        Direction
	Processed        bool
	Sent             bool
	ChunksSent       int
	PlatformUpdateID int64
	CreatedAt        time.Time
}

// Stats summarizes the store for the status command.
type Stats struct {
	Inbound       int
	Outbound      int
	UnsentPending int
	Unprocessed   int
}

// IsHeartbeat reports whether m is a scheduled status alert.
func (m Message) IsHeartbeat() bool {
	return m.Direction == Outbound && m.SenderLabel == HeartbeatSender
}
