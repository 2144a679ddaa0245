package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stellarlinkco/opsclaw/internal/classifier"
	"github.com/stellarlinkco/opsclaw/internal/config"
	"github.com/stellarlinkco/opsclaw/internal/conversation"
	"github.com/stellarlinkco/opsclaw/internal/gateway"
	"github.com/stellarlinkco/opsclaw/internal/memory"
	"github.com/stellarlinkco/opsclaw/internal/router"
)

type fakeApp struct {
	ran        bool
	flushed    int
	flushErr   error
	heartbeat  gateway.HeartbeatReport
	compact    memory.CompactionReport
	compactErr error
	asked      string
	webhook    string
	shutdown   bool
}

func (a *fakeApp) Run(context.Context) error {
	a.ran = true
	return nil
}

func (a *fakeApp) Flush(context.Context) (int, error) {
	return a.flushed, a.flushErr
}

func (a *fakeApp) Heartbeat(context.Context) (gateway.HeartbeatReport, error) {
	return a.heartbeat, nil
}

func (a *fakeApp) Compact(context.Context) (memory.CompactionReport, error) {
	return a.compact, a.compactErr
}

func (a *fakeApp) Ask(_ context.Context, text string) gateway.Answer {
	a.asked = text
	return gateway.Answer{
		Classification: classifier.Classification{Complex: true, Matched: []string{"refactor"}},
		Result:         router.Result{Reply: "Here is the plan.", Backend: "Claude", State: router.StateDelivered},
	}
}

func (a *fakeApp) RegisterWebhook(url string) error {
	a.webhook = url
	return nil
}

func (a *fakeApp) Shutdown() error {
	a.shutdown = true
	return nil
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, k := range []string{
		"OPSCLAW_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN", "OPSCLAW_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID",
		"OPSCLAW_WEBHOOK_SECRET", "ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "OPENAI_API_KEY",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "OPSCLAW_DB_PATH", "OPSCLAW_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	return home
}

func writeValidConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Telegram.Token = "123456:abcdefghij"
	cfg.Telegram.ChatID = 42
	cfg.Backends.HighCapability.APIKey = "sk-ant-0000000000"
	cfg.Backends.Fast.APIKey = "gm-0000000000"
	require.NoError(t, config.SaveConfig(cfg))
	return cfg
}

func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	opts := CLIOptions{Logger: zap.NewNop()}
	if app != nil {
		opts.AppFactory = func(*config.Config, *zap.Logger) (App, error) { return app, nil }
	}
	cmd := newRootCmd(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	cmd := newRootCmd(CLIOptions{})
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "flush", "heartbeat", "compact", "status", "onboard", "ask", "webhook"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestServe(t *testing.T) {
	isolate(t)
	writeValidConfig(t)
	app := &fakeApp{}

	_, err := execute(t, app, "serve")
	require.NoError(t, err)
	assert.True(t, app.ran)
	assert.True(t, app.shutdown)
}

func TestServe_InvalidConfig(t *testing.T) {
	isolate(t)
	app := &fakeApp{}

	out, err := execute(t, app, "serve")
	require.Error(t, err)
	assert.Contains(t, out, "invalid config")
	assert.False(t, app.ran)
}

func TestServe_FactoryError(t *testing.T) {
	isolate(t)
	writeValidConfig(t)
	cmd := newRootCmd(CLIOptions{
		Logger: zap.NewNop(),
		AppFactory: func(*config.Config, *zap.Logger) (App, error) {
			return nil, errors.New("boom")
		},
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create gateway")
}

func TestFlush(t *testing.T) {
	isolate(t)
	writeValidConfig(t)

	out, err := execute(t, &fakeApp{flushed: 3}, "flush")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent 3 message(s)")

	out, err = execute(t, &fakeApp{flushed: 1, flushErr: errors.New("telegram down")}, "flush")
	require.Error(t, err)
	assert.Contains(t, out, "Sent 1 message(s)")
}

func TestHeartbeat(t *testing.T) {
	isolate(t)
	writeValidConfig(t)

	out, err := execute(t, &fakeApp{heartbeat: gateway.HeartbeatReport{Status: gateway.HeartbeatOK, Silent: true}}, "heartbeat")
	require.NoError(t, err)
	assert.Equal(t, "HEARTBEAT_OK\n", out)
}

func TestCompact(t *testing.T) {
	isolate(t)
	writeValidConfig(t)

	out, err := execute(t, &fakeApp{compact: memory.CompactionReport{Messages: 4, Filename: "2026-05-04.md", Indexed: true}}, "compact")
	require.NoError(t, err)
	assert.Contains(t, out, "Compacted 4 messages into 2026-05-04.md and indexed it.")

	out, err = execute(t, &fakeApp{
		compact:    memory.CompactionReport{Messages: 4, Path: "/tmp/2026-05-04.md"},
		compactErr: memory.ErrEmbeddingUnavailable,
	}, "compact")
	require.Error(t, err)
	assert.Contains(t, out, "Wrote /tmp/2026-05-04.md but could not index it")
}

func TestAsk(t *testing.T) {
	isolate(t)
	writeValidConfig(t)
	app := &fakeApp{}

	out, err := execute(t, app, "ask", "-m", "please refactor the importer")
	require.NoError(t, err)
	assert.Equal(t, "please refactor the importer", app.asked)
	assert.Contains(t, out, "Here is the plan.")
	assert.Contains(t, out, "[backend=Claude state=delivered complex=true matched=refactor]")
}

func TestAsk_RequiresMessage(t *testing.T) {
	isolate(t)
	writeValidConfig(t)
	_, err := execute(t, &fakeApp{}, "ask")
	require.Error(t, err)
}

func TestWebhook(t *testing.T) {
	isolate(t)
	writeValidConfig(t)
	app := &fakeApp{}

	_, err := execute(t, app, "webhook")
	require.Error(t, err)

	out, err := execute(t, app, "webhook", "--url", "https://ops.example.com/telegram/webhook")
	require.NoError(t, err)
	assert.Equal(t, "https://ops.example.com/telegram/webhook", app.webhook)
	assert.Contains(t, out, "Webhook set")
}

func TestOnboard(t *testing.T) {
	home := isolate(t)

	out, err := execute(t, nil, "onboard")
	require.NoError(t, err)
	assert.Contains(t, out, "Created config")

	base := filepath.Join(home, ".opsclaw")
	assert.FileExists(t, filepath.Join(base, "config.json"))
	assert.FileExists(t, filepath.Join(base, "workspace", "AGENTS.md"))
	assert.FileExists(t, filepath.Join(base, "workspace", "memory", "ACTIVE.md"))
	assert.DirExists(t, filepath.Join(base, "workspace", "memory", "daily"))

	out, err = execute(t, nil, "onboard")
	require.NoError(t, err)
	assert.Contains(t, out, "Config already exists")
	assert.NotContains(t, out, "Created: ")
}

func TestStatus_Fresh(t *testing.T) {
	isolate(t)

	out, err := execute(t, nil, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Telegram: token=not set")
	assert.Contains(t, out, "Validation: ")
	assert.Contains(t, out, "Conversation: no database yet")
}

func TestStatus_WithStore(t *testing.T) {
	isolate(t)
	cfg := writeValidConfig(t)

	store, err := conversation.NewStore(cfg.Conversation.DBPath)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.Append(ctx, conversation.Message{ConversationID: 42, Text: "hi", Direction: conversation.Inbound})
	require.NoError(t, err)
	_, err = store.Append(ctx, conversation.Message{ConversationID: 42, Text: "hello", Direction: conversation.Outbound})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	stateFile := gateway.CronStatePath(cfg)
	require.NoError(t, os.MkdirAll(filepath.Dir(stateFile), 0755))
	require.NoError(t, os.WriteFile(stateFile, []byte(`[{"name":"heartbeat","expr":"0 */15 * * * *","lastRunAtMs":1760000000000,"lastStatus":"ok","runs":1}]`), 0644))

	out, err := execute(t, nil, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Validation: ok")
	assert.Contains(t, out, "key=sk-a...0000")
	assert.Contains(t, out, "Conversation: inbound=1 outbound=1 unsent=1 unprocessed=1")
	assert.Contains(t, out, "Job heartbeat [0 */15 * * * *]: last=2025-10-09T08:53:20Z status=ok")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "not set", mask(""))
	assert.Equal(t, "set", mask("short"))
	assert.Equal(t, "abcd...wxyz", mask("abcdefghwxyz"))
	assert.True(t, strings.HasPrefix(mask("123456:abcdefghij"), "1234"))
}
