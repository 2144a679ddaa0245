package gateway

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
)

func textUpdate(chatID int64, text string, from *tgbotapi.User) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: 11,
		Message: &tgbotapi.Message{
			MessageID: 3,
			Date:      1760000000,
			Chat:      &tgbotapi.Chat{ID: chatID},
			From:      from,
			Text:      text,
		},
	}
}

func TestGate_Accept(t *testing.T) {
	g := NewGate(42)
	d := g.Check(textUpdate(42, "hello", &tgbotapi.User{FirstName: "Ana"}))

	assert.Equal(t, VerdictAccept, d.Verdict)
	assert.Equal(t, int64(42), d.Message.ConversationID)
	assert.Equal(t, "Ana", d.Message.SenderLabel)
	assert.Equal(t, "hello", d.Message.Text)
	assert.Equal(t, int64(11), d.Message.UpdateID)
	assert.Equal(t, 3, d.Message.MessageID)
	assert.Equal(t, int64(1760000000), d.Message.Timestamp.Unix())
	assert.Equal(t, "telegram:42", d.Message.SessionKey())
}

func TestGate_UnknownSender(t *testing.T) {
	g := NewGate(42)
	assert.Equal(t, "Unknown", g.Check(textUpdate(42, "hi", nil)).Message.SenderLabel)
	assert.Equal(t, "Unknown", g.Check(textUpdate(42, "hi", &tgbotapi.User{FirstName: "  "})).Message.SenderLabel)
}

func TestGate_Reject(t *testing.T) {
	g := NewGate(42)
	d := g.Check(textUpdate(99, "hello", &tgbotapi.User{FirstName: "Mallory"}))
	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, "reject", d.Verdict.String())
}

func TestGate_AuthorizationBeforeContent(t *testing.T) {
	g := NewGate(42)
	assert.Equal(t, VerdictReject, g.Check(textUpdate(99, "", nil)).Verdict)
	assert.Equal(t, VerdictIgnore, g.Check(textUpdate(42, "", nil)).Verdict)
	assert.Equal(t, VerdictIgnore, g.Check(textUpdate(42, "   \n", nil)).Verdict)
}

func TestGate_Ignore(t *testing.T) {
	g := NewGate(42)
	assert.Equal(t, VerdictIgnore, g.Check(tgbotapi.Update{UpdateID: 1}).Verdict)
	assert.Equal(t, VerdictIgnore, g.Check(tgbotapi.Update{Message: &tgbotapi.Message{Text: "x"}}).Verdict)
	assert.Equal(t, "ignore", VerdictIgnore.String())
	assert.Equal(t, "accept", VerdictAccept.String())
}
