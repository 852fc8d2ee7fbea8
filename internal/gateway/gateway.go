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

	"github.com/stellarlinkco/intentclaw/internal/bus"
	"github.com/stellarlinkco/intentclaw/internal/channel"
	"github.com/stellarlinkco/intentclaw/internal/config"
	"github.com/stellarlinkco/intentclaw/internal/cron"
	"github.com/stellarlinkco/intentclaw/internal/dispatch"
	"github.com/stellarlinkco/intentclaw/internal/llm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/metrics"
	"github.com/stellarlinkco/intentclaw/internal/server"
)

const (
	catalogSyncJob      = "catalog-sync"
	defaultSyncSchedule = "@every 6h"
	shutdownTimeout     = 5 * time.Second
)

// Handler turns one event into a reply (allows mocking in tests).
type Handler interface {
	Handle(ctx context.Context, ev dispatch.Event) dispatch.Reply
}

type catalogSyncer interface {
	Sync(ctx context.Context) error
}

// Options for creating a Gateway
type Options struct {
	// Handler replaces the pipeline built from cfg.
	Handler    Handler
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	handler  Handler
	pipeline *Pipeline
	syncer   catalogSyncer
	channels *channel.ChannelManager
	cron     *cron.Service
	server   *http.Server
	metrics  *metrics.Metrics
	logger   *zap.Logger

	signalChan chan os.Signal // for testing

	mu          sync.Mutex
	listener    net.Listener
	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
}

// CronStatePath is where the scheduler persists job outcomes.
func CronStatePath() string {
	return filepath.Join(config.ConfigDir(), "data", "cron", "state.json")
}

// New creates a Gateway with default options
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, Options{Logger: logger})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := logging.OrNop(opts.Logger)
	g := &Gateway{
		cfg:        cfg,
		metrics:    opts.Metrics,
		logger:     logger.Named("gateway"),
		signalChan: opts.SignalChan,
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)
	g.bus.SetLogger(logger)

	g.handler = opts.Handler
	if g.handler == nil {
		p, err := BuildPipeline(cfg, g.metrics, logger)
		if err != nil {
			return nil, err
		}
		g.pipeline = p
		g.handler = p.Orchestrator
		if p.Syncer != nil {
			g.syncer = p.Syncer
		}
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, logger)
	if err != nil {
		g.closePipeline()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.cron = cron.NewService(CronStatePath(), logger)
	g.cron.OnResult = g.recordCronResult
	if g.syncer != nil {
		schedule := cfg.Ledger.SyncSchedule
		if schedule == "" {
			schedule = defaultSyncSchedule
		}
		if err := g.cron.Add(catalogSyncJob, schedule, g.syncer.Sync); err != nil {
			g.closePipeline()
			return nil, err
		}
	}

	var updates server.UpdateHandler
	if tg := chMgr.Telegram(); tg != nil && tg.WebhookMode() {
		updates = tg
	}
	e := server.New(server.OptionsFrom(cfg), g.metrics, updates, logger)
	g.server = server.NewHTTPServer(cfg.Gateway.Host, cfg.Gateway.Port, e)

	return g, nil
}

func (g *Gateway) recordCronResult(name string, err error) {
	if name != catalogSyncJob {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	g.metrics.CatalogSyncs.WithLabelValues(result).Inc()
}

// Addr is the bound HTTP address once Run has started listening.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.server.Addr, err)
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", zap.Error(err))
	}
	if g.syncer != nil {
		go func() {
			if err := g.cron.RunNow(ctx, catalogSyncJob); err != nil {
				g.logger.Warn("initial catalog sync failed, keeping cached catalog", zap.Error(err))
			}
		}()
	}

	workers := g.cfg.Gateway.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}
	loopCtx, stopWorkers := context.WithCancel(ctx)
	g.mu.Lock()
	g.stopWorkers = stopWorkers
	g.mu.Unlock()
	for i := 0; i < workers; i++ {
		g.workers.Add(1)
		go func() {
			defer g.workers.Done()
			g.processLoop(loopCtx)
		}()
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	g.logger.Info("running", zap.String("addr", ln.Addr().String()), zap.Int("workers", workers))

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
	}

	g.logger.Info("shutting down")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.process(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) process(ctx context.Context, msg bus.InboundMessage) {
	ev, kind := toEvent(msg)
	g.metrics.InboundMessages.WithLabelValues(msg.Channel, kind).Inc()
	g.logger.Debug("inbound",
		zap.String("channel", msg.Channel),
		zap.String("sender_id", msg.SenderID),
		zap.String("kind", kind),
		zap.String("content", logging.Truncate(msg.Content, 80)))

	// A message already taken off the bus is finished even during shutdown.
	reply := g.handler.Handle(context.WithoutCancel(ctx), ev)
	if reply.Text == "" {
		return
	}

	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply.Text,
		ReplyTo: replyTo(msg),
	}
	for _, b := range reply.Buttons {
		out.Buttons = append(out.Buttons, bus.Button{Text: b.Text, Data: b.Data})
	}

	select {
	case g.bus.Outbound <- out:
		return
	default:
	}
	select {
	case g.bus.Outbound <- out:
	case <-ctx.Done():
		g.logger.Warn("reply dropped, outbound queue full", zap.String("chat_id", msg.ChatID))
	}
}

func toEvent(msg bus.InboundMessage) (dispatch.Event, string) {
	ev := dispatch.Event{ChatID: msg.ChatID, Text: msg.Content}
	if cb := msg.Callback; cb != nil {
		ev.Text = ""
		ev.Callback = &dispatch.Callback{Decision: dispatch.Decision(cb.Decision), Token: cb.Token}
		return ev, "callback"
	}
	if block, ok := msg.Image(); ok {
		ev.Image = &llm.Image{MediaType: block.MediaType, Data: block.Data}
		return ev, "image"
	}
	return ev, "text"
}

// replyTo threads the answer under the user's message when the channel
// reported its id.
func replyTo(msg bus.InboundMessage) string {
	switch id := msg.Metadata["message_id"].(type) {
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case string:
		return id
	}
	return ""
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Warn("http shutdown failed", zap.Error(err))
	}

	// Drain in-flight messages before their stores and channels go away.
	g.mu.Lock()
	stop := g.stopWorkers
	g.mu.Unlock()
	if stop != nil {
		stop()
	}
	g.workers.Wait()

	_ = g.channels.StopAll()
	g.closePipeline()
	g.logger.Info("shutdown complete")
	return nil
}

func (g *Gateway) closePipeline() {
	if g.pipeline == nil {
		return
	}
	if err := g.pipeline.Close(); err != nil {
		g.logger.Warn("close stores failed", zap.Error(err))
	}
}
