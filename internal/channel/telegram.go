package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

const telegramChannelName = "telegram"

// TelegramBot is the subset of the bot API the channel uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel sends text to Telegram chats. The bot is created on first
// use so that starting the gateway needs no network round trip.
type TelegramChannel struct {
	token       string
	proxy       string
	apiEndpoint string
	parseMode   string
	sendTimeout time.Duration
	botFactory  BotFactory
	log         *zap.Logger

	mu  sync.Mutex
	bot TelegramBot
}

func NewTelegramChannel(cfg config.TelegramConfig, sendTimeout time.Duration, log *zap.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, sendTimeout, log, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, sendTimeout time.Duration, log *zap.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &TelegramChannel{
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		apiEndpoint: endpoint,
		parseMode:   parseMode(cfg.ParseMode),
		sendTimeout: sendTimeout,
		botFactory:  factory,
		log:         log,
	}, nil
}

func (t *TelegramChannel) Name() string { return telegramChannelName }

func parseMode(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html":
		return tgbotapi.ModeHTML
	case "none", "plain":
		return ""
	default:
		return tgbotapi.ModeMarkdown
	}
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bot = bot
}

func (t *TelegramChannel) getBot() (TelegramBot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}

	client := &http.Client{Timeout: t.sendTimeout}
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	bot, err := t.botFactory(t.token, t.apiEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.log.Info("telegram bot ready", zap.String("username", bot.GetSelf().UserName))
	return bot, nil
}

// SendText delivers one chunk. When Telegram rejects the formatting the same
// chunk is sent once more as plain text.
func (t *TelegramChannel) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	bot, err := t.getBot()
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = t.parseMode
	if t.parseMode == tgbotapi.ModeHTML {
		msg.Text = toTelegramHTML(text)
	}

	_, err = t.send(ctx, bot, msg)
	if err == nil {
		return nil
	}
	if msg.ParseMode == "" || !isFormattingError(err) {
		return fmt.Errorf("send telegram message: %w", err)
	}

	t.log.Debug("telegram rejected formatting, resending plain", zap.Error(err))
	msg.ParseMode = ""
	msg.Text = text
	if _, err := t.send(ctx, bot, msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// send bounds a bot call by ctx; the bot API itself takes no context.
func (t *TelegramChannel) send(ctx context.Context, bot TelegramBot, msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	type result struct {
		msg tgbotapi.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := bot.Send(msg)
		done <- result{m, err}
	}()
	select {
	case <-ctx.Done():
		return tgbotapi.Message{}, ctx.Err()
	case r := <-done:
		return r.msg, r.err
	}
}

// RegisterWebhook points Telegram at webhookURL.
func (t *TelegramChannel) RegisterWebhook(webhookURL string) error {
	bot, err := t.getBot()
	if err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return fmt.Errorf("build webhook config: %w", err)
	}
	resp, err := bot.Request(wh)
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("set webhook: %s", resp.Description)
	}
	return nil
}

func isFormattingError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "can't find end of")
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "```", "<pre>", "</pre>", stripLanguageTag)
	s = replacePairs(s, "`", "<code>", "</code>", nil)
	s = replacePairs(s, "**", "<b>", "</b>", nil)
	s = replacePairs(s, "*", "<i>", "</i>", nil)
	return s
}

func replacePairs(s, marker, open, close string, inner func(string) string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		body := s[start+len(marker) : end]
		if inner != nil {
			body = inner(body)
		}
		s = s[:start] + open + body + close + s[end+len(marker):]
	}
}

func stripLanguageTag(code string) string {
	if nl := strings.Index(code, "\n"); nl >= 0 {
		first := strings.TrimSpace(code[:nl])
		if first != "" && !strings.Contains(first, " ") {
			return code[nl+1:]
		}
	}
	return code
}
