package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/opsclaw/internal/channel"
	"github.com/stellarlinkco/opsclaw/internal/classifier"
	"github.com/stellarlinkco/opsclaw/internal/config"
	"github.com/stellarlinkco/opsclaw/internal/conversation"
	"github.com/stellarlinkco/opsclaw/internal/cron"
	"github.com/stellarlinkco/opsclaw/internal/memory"
	"github.com/stellarlinkco/opsclaw/internal/router"
)

const (
	heartbeatJob    = "heartbeat"
	compactionJob   = "daily-compaction"
	shutdownTimeout = 10 * time.Second
)

// BackendFactory creates the model backend for one role (allows mocking in tests)
type BackendFactory func(ctx context.Context, cfg config.ProviderConfig) (router.Backend, error)

// Options for creating a Gateway
type Options struct {
	BackendFactory BackendFactory
	Sender         channel.ChatSender // replaces the Telegram sender
	Embedder       memory.Embedder
	Logger         *zap.Logger
	SignalChan     chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *conversation.Store
	index      memory.Index
	router     *router.Router
	telegram   *channel.TelegramChannel
	dispatcher *channel.Dispatcher
	pipeline   *Pipeline
	heartbeat  *Heartbeat
	compactor  *memory.Compactor
	cron       *cron.Service
	handler    *Handler
	signalChan chan os.Signal

	server       *http.Server
	shutdownOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (_ *Gateway, err error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{cfg: cfg, log: log, signalChan: opts.SignalChan}
	defer func() {
		if err != nil {
			g.closeStores()
		}
	}()
	ctx := context.Background()

	g.store, err = conversation.NewStore(cfg.Conversation.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	g.index, err = memory.OpenIndex(cfg.Memory, log.Named("index"))
	if err != nil {
		return nil, fmt.Errorf("open memory index: %w", err)
	}

	emb := opts.Embedder
	if emb == nil {
		if e, eerr := memory.NewEmbedder(ctx, cfg.Memory.Embedding); eerr != nil {
			log.Warn("semantic recall disabled", zap.Error(eerr))
		} else {
			emb = e
		}
	}

	factory := opts.BackendFactory
	if factory == nil {
		factory = router.NewBackend
	}
	high, err := factory(ctx, cfg.Backends.HighCapability)
	if err != nil {
		return nil, fmt.Errorf("create high-capability backend: %w", err)
	}
	fast, err := factory(ctx, cfg.Backends.Fast)
	if err != nil {
		return nil, fmt.Errorf("create fast backend: %w", err)
	}
	g.router = router.New(high, fast, millis(cfg.Backends.TimeoutMs), log.Named("router"))

	sender := opts.Sender
	if sender == nil {
		g.telegram, err = channel.NewTelegramChannel(cfg.Telegram, millis(cfg.Dispatch.SendTimeoutMs), log.Named("telegram"))
		if err != nil {
			return nil, fmt.Errorf("create telegram channel: %w", err)
		}
		sender = g.telegram
	}

	rec := conversation.NewRecorder(g.store, log.Named("store"))
	g.dispatcher = channel.NewDispatcher(sender, rec, g.store, channel.DispatcherOptions{
		ChunkSize:   cfg.Dispatch.ChunkSize,
		SendTimeout: millis(cfg.Dispatch.SendTimeoutMs),
	}, log.Named("dispatch"))

	composer := memory.NewComposer(
		memory.NewFileDocument(cfg.Memory.ActiveDocPath),
		emb,
		g.index,
		memory.ComposerOptions{
			BasePrompt:      memory.BasePrompt(cfg.Agent),
			Threshold:       cfg.Memory.SimilarityThreshold,
			TopK:            cfg.Memory.TopK,
			DocumentTimeout: millis(cfg.Memory.DocumentTimeoutMs),
			SearchTimeout:   millis(cfg.Memory.SearchTimeoutMs),
		},
		log.Named("memory"),
	)

	g.pipeline = NewPipeline(PipelineDeps{
		Gate:         NewGate(cfg.Telegram.ChatID),
		Recorder:     rec,
		History:      g.store,
		HistoryLimit: cfg.Conversation.HistoryLimit,
		Composer:     composer,
		Classifier:   classifier.Default(),
		Router:       g.router,
		Sender:       g.dispatcher,
		Logger:       log.Named("pipeline"),
	})

	g.heartbeat = NewHeartbeat(g.dispatcher, g.router, g.dispatcher, cfg.Telegram.ChatID, log.Named("heartbeat"))

	summarize := memory.SummarizerFunc(func(ctx context.Context, instructions, transcript string) (string, error) {
		return g.router.Complete(ctx, router.Request{System: instructions, Message: transcript})
	})
	g.compactor = memory.NewCompactor(g.store, summarize, emb, g.index, cfg.Telegram.ChatID, cfg.Compaction.LogDir, log.Named("compaction"))

	g.cron = cron.NewService(CronStatePath(cfg), log.Named("cron"))
	if err = g.registerJobs(); err != nil {
		return nil, err
	}

	g.handler = NewHandler(g.pipeline, g.dispatcher, g.heartbeat, HandlerOptions{
		WebhookPath: cfg.Gateway.WebhookPath,
		Secret:      cfg.Telegram.WebhookSecret,
		Status:      g.Status(),
	}, log.Named("http"))

	return g, nil
}

// CronStatePath is where the scheduler records job outcomes.
func CronStatePath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Conversation.DBPath), "cron", "jobs.json")
}

func (g *Gateway) registerJobs() error {
	if g.cfg.Heartbeat.Enabled {
		err := g.cron.Add(cron.Job{Name: heartbeatJob, Expr: g.cfg.Heartbeat.Schedule, Run: func(ctx context.Context) (string, error) {
			rep, err := g.Heartbeat(ctx)
			if err != nil {
				return "", err
			}
			return rep.Result(), nil
		}})
		if err != nil {
			return fmt.Errorf("schedule heartbeat: %w", err)
		}
	}
	if g.cfg.Compaction.Enabled {
		err := g.cron.Add(cron.Job{Name: compactionJob, Expr: g.cfg.Compaction.Schedule, Run: func(ctx context.Context) (string, error) {
			rep, err := g.Compact(ctx)
			if err != nil {
				return "", err
			}
			return rep.Status(), nil
		}})
		if err != nil {
			return fmt.Errorf("schedule compaction: %w", err)
		}
	}
	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func describe(b router.Backend) BackendInfo {
	info := BackendInfo{Name: b.Name()}
	if d, ok := b.(router.Describer); ok {
		info.Provider = d.Provider()
		info.Model = d.Model()
	}
	return info
}

// Status is the static description served on GET of the webhook path.
func (g *Gateway) Status() StatusInfo {
	return StatusInfo{
		ChatID:         g.cfg.Telegram.ChatID,
		HighCapability: describe(g.router.HighCapability()),
		Fast:           describe(g.router.Fast()),
	}
}

func (g *Gateway) Handler() http.Handler { return g.handler.Routes() }

func (g *Gateway) Pipeline() *Pipeline { return g.pipeline }

func (g *Gateway) Flush(ctx context.Context) (int, error) { return g.dispatcher.Flush(ctx) }

func (g *Gateway) Heartbeat(ctx context.Context) (HeartbeatReport, error) {
	return g.heartbeat.Run(ctx)
}

func (g *Gateway) Compact(ctx context.Context) (memory.CompactionReport, error) {
	return g.compactor.Run(ctx)
}

// Ask answers text with the live memory and backends without recording or
// sending anything.
func (g *Gateway) Ask(ctx context.Context, text string) Answer {
	return g.pipeline.Answer(ctx, text, nil)
}

func (g *Gateway) Stats(ctx context.Context) (conversation.Stats, error) {
	return g.store.Stats(ctx)
}

func (g *Gateway) MemoryCount(ctx context.Context) (int, error) {
	return g.index.Count(ctx)
}

func (g *Gateway) CronStates() []cron.JobState { return g.cron.States() }

// RegisterWebhook points the Telegram bot at url.
func (g *Gateway) RegisterWebhook(url string) error {
	if g.telegram == nil {
		return errors.New("telegram channel not configured")
	}
	return g.telegram.RegisterWebhook(url)
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn("cron start failed", zap.Error(err))
	}

	addr := net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	g.log.Info("gateway running",
		zap.String("addr", addr),
		zap.String("webhook", g.cfg.Gateway.WebhookPath),
		zap.Int64("chat_id", g.cfg.Telegram.ChatID))

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-errCh:
		_ = g.Shutdown()
		return fmt.Errorf("serve http: %w", err)
	}

	g.log.Info("shutting down")
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	var err error
	g.shutdownOnce.Do(func() {
		if g.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := g.server.Shutdown(ctx); serr != nil {
				err = fmt.Errorf("shutdown http: %w", serr)
			}
		}
		g.cron.Stop()
		g.closeStores()
		g.log.Info("shutdown complete")
	})
	return err
}

func (g *Gateway) closeStores() {
	if g.index != nil {
		if err := g.index.Close(); err != nil {
			g.log.Warn("close memory index", zap.Error(err))
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.log.Warn("close conversation store", zap.Error(err))
		}
	}
}
