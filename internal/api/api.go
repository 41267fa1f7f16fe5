// Package api provides the HTTP surface and the bootstrap of the FlowPipe service.
//
// It exposes the Twilio webhook, a JSON inbound endpoint, conversation state inspection,
// flow reloading, health and Prometheus metrics, and wires the store, loader, channel,
// engine and inbound router together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/loader"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// Channels a deployment can talk through.
const (
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
	ChannelNone     = "none"
)

// Server defaults
const (
	DefaultAddr              = ":8080"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Opts holds configuration for the API server and its bootstrap.
type Opts struct {
	Addr             string
	Channel          string
	FlowsDir         string
	DefaultFlow      string
	FlowCacheTTL     time.Duration
	Workers          int
	SessionTimeout   time.Duration
	TwilioAuthToken  string
	TwilioWebhookURL string

	// Set by the bootstrap when constructing the Server.
	TwilioWebhook http.HandlerFunc
	Metrics       http.Handler
	Reload        func() ([]string, error)
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option { return func(o *Opts) { o.Addr = addr } }

// WithChannel selects the messaging channel: twilio, whatsapp or none.
func WithChannel(channel string) Option { return func(o *Opts) { o.Channel = channel } }

// WithFlowsDir sets the directory flow files are loaded from.
func WithFlowsDir(dir string) Option { return func(o *Opts) { o.FlowsDir = dir } }

// WithDefaultFlow sets the flow new conversations start in.
func WithDefaultFlow(flowID string) Option { return func(o *Opts) { o.DefaultFlow = flowID } }

// WithFlowCacheTTL bounds how long a parsed flow is reused.
func WithFlowCacheTTL(d time.Duration) Option { return func(o *Opts) { o.FlowCacheTTL = d } }

// WithWorkers sets the number of inbound router queues.
func WithWorkers(n int) Option { return func(o *Opts) { o.Workers = n } }

// WithSessionTimeout sets how long a question waits for an answer.
func WithSessionTimeout(d time.Duration) Option { return func(o *Opts) { o.SessionTimeout = d } }

// WithTwilioWebhookValidation checks webhook signatures against the public webhook URL.
func WithTwilioWebhookValidation(authToken, webhookURL string) Option {
	return func(o *Opts) { o.TwilioAuthToken, o.TwilioWebhookURL = authToken, webhookURL }
}

// WithTwilioWebhook mounts the Twilio webhook handler.
func WithTwilioWebhook(h http.HandlerFunc) Option { return func(o *Opts) { o.TwilioWebhook = h } }

// WithMetrics mounts a metrics handler at /metrics.
func WithMetrics(h http.Handler) Option { return func(o *Opts) { o.Metrics = h } }

// WithReload enables POST /flows/reload.
func WithReload(fn func() ([]string, error)) Option { return func(o *Opts) { o.Reload = fn } }

func defaultOpts() Opts {
	return Opts{
		Addr:           DefaultAddr,
		Channel:        ChannelNone,
		FlowCacheTTL:   loader.DefaultCacheTTL,
		Workers:        messaging.DefaultWorkers,
		SessionTimeout: flow.DefaultSessionTimeout,
	}
}

// Server serves the FlowPipe HTTP API.
type Server struct {
	engine        Engine
	defaultFlow   string
	twilioWebhook http.HandlerFunc
	metrics       http.Handler
	reload        func() ([]string, error)
}

// NewServer creates a Server over the engine.
func NewServer(engine Engine, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		engine:        engine,
		defaultFlow:   cfg.DefaultFlow,
		twilioWebhook: cfg.TwilioWebhook,
		metrics:       cfg.Metrics,
		reload:        cfg.Reload,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inbound", s.inboundHandler)
	mux.HandleFunc("GET /conversations/{id}", s.conversationHandler)
	mux.HandleFunc("POST /flows/reload", s.reloadHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.twilioWebhook != nil {
		mux.HandleFunc("POST /webhook/twilio", s.twilioWebhook)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Run wires every module and serves until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.DefaultFlow == "" {
		return fmt.Errorf("default flow must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()
	if n, err := backend.PurgeDedup(ctx, time.Now().Add(-store.DefaultDedupRetention)); err != nil {
		slog.Warn("Failed to purge old dedup records", "error", err)
	} else if n > 0 {
		slog.Info("Purged old dedup records", "count", n)
	}

	flows, reload, err := openFlows(cfg)
	if err != nil {
		return err
	}

	svc, twilioSvc, err := openChannel(cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}

	sink := metrics.NewSink()
	timer := flow.NewSimpleTimer()
	defer stopTimer(timer)

	engineOpts := []flow.Option{
		flow.WithTimer(timer),
		flow.WithEventSink(flow.MultiSink{flow.LogSink{}, sink}),
		flow.WithContactUpdater(store.NewContactBook(backend)),
		flow.WithSessionTimeout(cfg.SessionTimeout),
	}
	if generator, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("GenAI disabled, generate_text actions will fail", "error", err)
	} else {
		engineOpts = append(engineOpts, flow.WithTextGenerator(generator))
	}
	engine := flow.NewEngine(flows, backend, svc, engineOpts...)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s channel: %w", cfg.Channel, err)
	}
	router := messaging.NewRouter(svc, engine,
		messaging.WithWorkers(cfg.Workers),
		messaging.WithDefaultFlow(cfg.DefaultFlow),
		messaging.WithDedup(backend))
	router.Start(ctx)

	serverOpts := append([]Option{}, apiOpts...)
	serverOpts = append(serverOpts, WithMetrics(sink.Handler()), WithReload(reload))
	if twilioSvc != nil {
		serverOpts = append(serverOpts, WithTwilioWebhook(twilioSvc.TwilioWebhookHandler))
	}
	server := NewServer(engine, serverOpts...)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Handler(), ReadHeaderTimeout: DefaultReadHeaderTimeout}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("FlowPipe API listening", "addr", cfg.Addr, "channel", cfg.Channel, "defaultFlow", cfg.DefaultFlow)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case serveErr = <-errCh:
		slog.Error("API server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	router.Stop()
	if err := svc.Stop(); err != nil {
		slog.Error("Channel stop failed", "error", err)
	}
	return serveErr
}

// stopTimer drops pending delay resumptions. Their conversations keep ResumeAt and
// resume on the next inbound message.
func stopTimer(timer *flow.SimpleTimer) {
	pending := timer.ListActive()
	for _, info := range pending {
		slog.Debug("Dropping delay resumption", "id", info.ID, "expiresAt", info.ExpiresAt)
	}
	if len(pending) > 0 {
		slog.Info("Dropping pending delay resumptions", "count", len(pending))
	}
	timer.Stop()
}

// openFlows scans the flows directory and wraps it in the TTL cache.
func openFlows(cfg Opts) (flow.FlowLoader, func() ([]string, error), error) {
	if cfg.FlowsDir == "" {
		return nil, nil, fmt.Errorf("flows directory must be set")
	}
	dir := loader.NewDirLoader(cfg.FlowsDir)
	ids, err := dir.Scan()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load flows: %w", err)
	}
	slog.Info("Flows loaded", "dir", cfg.FlowsDir, "count", len(ids), "flows", ids)

	cached := loader.NewCached(dir, cfg.FlowCacheTTL)
	reload := func() ([]string, error) {
		cached.Flush()
		return dir.Scan()
	}
	return cached, reload, nil
}

// openChannel creates the configured messaging service. The Twilio service is also returned
// so its webhook can be mounted.
func openChannel(cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, *messaging.TwilioService, error) {
	switch cfg.Channel {
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioAuthToken != "" && cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(cfg.TwilioAuthToken, cfg.TwilioWebhookURL))
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc, nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case ChannelNone, "":
		return messaging.NewLogService(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown channel %q", cfg.Channel)
}
