// Package app wires the concierge engine together: storage, the rules
// snapshot source, the intent classifier, the orchestrator, the worker pool,
// and the HTTP surface the transport and agent desk talk to.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stayflow/concierge/common/envelope"
	"github.com/stayflow/concierge/internal/concierge/config"
	"github.com/stayflow/concierge/internal/concierge/conversation"
	"github.com/stayflow/concierge/internal/concierge/dedup"
	"github.com/stayflow/concierge/internal/concierge/engine"
	"github.com/stayflow/concierge/internal/concierge/events"
	"github.com/stayflow/concierge/internal/concierge/intent"
	"github.com/stayflow/concierge/internal/concierge/observability"
	"github.com/stayflow/concierge/internal/concierge/rules"
	"github.com/stayflow/concierge/internal/concierge/staycontext"
	"github.com/stayflow/concierge/internal/concierge/store"
	"github.com/stayflow/concierge/internal/concierge/worker"
)

// Config is the engine's process configuration, loaded from the environment
// by the binary.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string
	// DatabasePath is the SQLite file path.
	DatabasePath string

	// RulesAPIBase is the base URL of the rules-CRUD collaborator.
	RulesAPIBase string
	// RulesRefreshInterval is how often rule snapshots are refreshed.
	RulesRefreshInterval time.Duration

	// BookingAPIBase is the base URL of the booking collaborator.
	BookingAPIBase string
	// DefaultTimezone is the IANA timezone used for tenants without one.
	DefaultTimezone string

	// DeliveryWebhook is the transport URL outbound replies are POSTed to.
	// Empty logs replies instead of delivering them.
	DeliveryWebhook string

	// OpenAIKey authenticates the intent classifier. Empty runs on the
	// deterministic fallback only.
	OpenAIKey string
	// OpenAIModel overrides the classification model.
	OpenAIModel string

	// Workers and QueueDepth size the processing pool.
	Workers    int
	QueueDepth int

	// LogLevel and LogFormat configure the global logger.
	LogLevel  string
	LogFormat string
}

// App is the assembled engine process.
type App struct {
	cfg Config
	log *slog.Logger

	store      *store.Store
	source     *rules.Source
	resolver   *config.Resolver
	pool       *worker.Pool
	orch       *engine.Orchestrator
	queue      *store.TransferQueue
	deliver    Deliverer
	httpServer *http.Server

	cancelBg context.CancelFunc
}

// New assembles the application from config. Nothing runs until Run.
func New(cfg Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	log := slog.Default()

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rulesClient := rules.NewClient(cfg.RulesAPIBase, 5*time.Second)
	source := rules.NewSource(rulesClient, cfg.RulesRefreshInterval)

	policyResolver := config.NewResolver(store.NewPolicies(st), log)
	counters := store.NewCounters(st)
	queue := store.NewTransferQueue(st)

	var provider intent.Provider
	if cfg.OpenAIKey != "" {
		provider = intent.NewProvider(intent.Config{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel})
	}
	classifier := intent.NewClassifier(provider, nil, nil, intent.ClassifierConfig{})

	stays := staycontext.NewResolver(
		newBookingClient(cfg.BookingAPIBase, 5*time.Second),
		staticClock{tz: cfg.DefaultTimezone},
		0,
	)

	bus := events.NewBus()
	notifier := events.Multi{&events.LogNotifier{Log: log}, bus}

	deliver := newDeliverer(cfg.DeliveryWebhook, log)

	orch := engine.New(engine.Deps{
		Guard:      dedup.NewGuard(config.Defaults().Dedup.TTL.Std()),
		Classifier: classifier,
		Stays:      stays,
		RuleSource: source,
		RuleEngine: rules.NewEngine(counters),
		Convs:      conversation.NewManager(store.NewConversationStore(st)),
		Queue:      queue,
		Usage:      counters,
		Policies:   policyResolver,
		Notifier:   notifier,
	})

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		source:   source,
		resolver: policyResolver,
		orch:     orch,
		queue:    queue,
		deliver:  deliver,
	}
	a.pool = worker.New(a.handleMessage, cfg.Workers, cfg.QueueDepth)
	a.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// Run starts the background refresher, the worker pool, and the HTTP server.
// It blocks until the server stops.
func (a *App) Run() error {
	bg, cancel := context.WithCancel(context.Background())
	a.cancelBg = cancel

	go a.source.Run(bg)
	a.pool.Start(bg)

	a.log.Info("concierge engine listening", "addr", a.cfg.ListenAddr)
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the process down: no new HTTP work, accepted messages drained,
// then the database closed.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", "err", err)
	}
	a.pool.Stop()
	if a.cancelBg != nil {
		a.cancelBg()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", "err", err)
	}
}

// handleMessage is the worker pool handler: run the pipeline, then deliver
// the reply if the decision produced one.
func (a *App) handleMessage(ctx context.Context, in *envelope.Inbound) {
	d, err := a.orch.Process(ctx, in)
	if err != nil {
		a.log.Error("rejected invalid envelope", "err", err, "raw_source", in.RawSource)
		return
	}
	if d.Reply == nil {
		return
	}
	if err := a.deliver.Deliver(ctx, d.Reply); err != nil {
		a.log.Error("reply delivery failed",
			"tenant_id", in.TenantID, "conversation_id", in.ConversationID, "err", err)
	}
}

// staticClock serves one timezone for every tenant. Per-tenant timezones
// come from the booking collaborator's property records in larger setups.
type staticClock struct {
	tz string
}

func (c staticClock) Timezone(string) string {
	if c.tz == "" {
		return "UTC"
	}
	return c.tz
}
