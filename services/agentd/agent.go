package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"polyswarmclient/config"
	"polyswarmclient/core/events"
	"polyswarmclient/core/loop"
	"polyswarmclient/core/nonce"
	"polyswarmclient/core/schedule"
	"polyswarmclient/core/tx"
	"polyswarmclient/crypto"
	"polyswarmclient/gateway"
	"polyswarmclient/internal/passphrase"
	"polyswarmclient/observability"
	"polyswarmclient/observability/logging"
	"polyswarmclient/observability/metrics"
	"polyswarmclient/roles"
	"polyswarmclient/roles/scanner"
	"polyswarmclient/services/webhook"
	"polyswarmclient/storage"
)

const shutdownTimeout = 10 * time.Second

// Agent is one participant role wired to every configured chain.
type Agent struct {
	cfg    config.Config
	role   string
	logger *slog.Logger

	gateway   *gateway.Client
	submitter *tx.Submitter
	registry  *events.Registry
	ledger    *storage.Ledger
	schedules roles.Schedules
	journal   *bbolt.DB
	webhook   *webhook.Server

	participant interface{ Wait() }
	ambassador  *roles.Ambassador
	loops       []*loop.Loop
}

// Option customises how an Agent is assembled.
type Option func(*options)

type options struct {
	scanner    scanner.Scanner
	source     roles.BountySource
	passphrase *passphrase.Source
}

// WithScanner replaces the default EICAR scanner.
func WithScanner(s scanner.Scanner) Option {
	return func(o *options) { o.scanner = s }
}

// WithBountySource replaces the configured bounty list.
func WithBountySource(src roles.BountySource) Option {
	return func(o *options) { o.source = src }
}

// WithPassphrase sets where the keystore passphrase comes from.
func WithPassphrase(src *passphrase.Source) Option {
	return func(o *options) { o.passphrase = src }
}

// New assembles an agent for role from cfg. The returned agent owns its
// storage handles; call Close when Run returns.
func New(cfg config.Config, role string, logger *slog.Logger, opts ...Option) (agent *Agent, err error) {
	o := options{scanner: scanner.EICAR{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.passphrase == nil {
		o.passphrase = passphrase.NewSource(cfg.Signer.PassphraseEnv)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{cfg: cfg, role: role, logger: logger.With(slog.String("role", role))}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	key, err := loadKey(cfg.Signer, o.passphrase)
	if err != nil {
		return nil, err
	}
	signer, err := crypto.NewKeySigner(key)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	a.logger = a.logger.With(slog.String("account", signer.Address()))

	a.gateway, err = gateway.New(cfg.Gateway.URL,
		gateway.WithHTTPClient(&http.Client{
			Timeout:   cfg.Gateway.Timeout.Duration,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		gateway.WithAPIKey(cfg.Gateway.APIKey),
		gateway.WithAccount(signer.Address()),
		gateway.WithRateLimit(cfg.Gateway.RateLimit, cfg.Gateway.Burst),
		gateway.WithThrottlePause(cfg.Gateway.ThrottlePause.Duration),
		gateway.WithReceiptPolling(cfg.Gateway.ReceiptPoll.Duration, cfg.Gateway.ReceiptWait.Duration),
		gateway.WithBatchSupport(cfg.Gateway.Batch),
		gateway.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	a.logger.Info("gateway configured",
		slog.String("url", cfg.Gateway.URL),
		logging.MaskField("api_key", cfg.Gateway.APIKey),
		slog.Bool("batch", cfg.Gateway.Batch))

	tracker := nonce.NewTracker(a.gateway,
		nonce.WithLogger(a.logger),
		nonce.WithMetrics(observability.Nonce()),
	)
	a.submitter = tx.NewSubmitter(signer, a.gateway, tracker,
		tx.WithMaxRetries(cfg.Submitter.MaxRetries),
		tx.WithBackoff(cfg.Submitter.InitialBackoff.Duration, cfg.Submitter.MaxBackoff.Duration),
		tx.WithLogger(a.logger),
		tx.WithMetrics(observability.Submitter()),
	)

	a.ledger, err = openLedger(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	if err := a.openSchedules(); err != nil {
		return nil, err
	}

	a.registry = events.NewRegistry(
		events.WithLogger(a.logger),
		events.WithMetrics(observability.Dispatch()),
	)
	if err := a.bindRole(o); err != nil {
		return nil, err
	}

	var transport loop.Gateway = gatewayTransport{client: a.gateway}
	if cfg.Webhook.Listen != "" {
		a.webhook, err = webhook.New(cfg.Webhook.Secret,
			webhook.WithRateLimiter(webhook.NewRateLimiter(webhook.WithRate(cfg.Webhook.RateLimit, cfg.Webhook.Burst))),
			webhook.WithLogger(a.logger),
			webhook.WithMetrics(metrics.Webhook()),
		)
		if err != nil {
			return nil, err
		}
		transport = webhookTransport{server: a.webhook, heights: a.gateway}
		a.logger.Info("webhook ingress enabled",
			slog.String("listen", cfg.Webhook.Listen),
			logging.MaskField("secret", cfg.Webhook.Secret))
	}

	for _, chain := range cfg.Gateway.Chains {
		a.loops = append(a.loops, loop.New(chain, transport, a.registry, a.schedules[chain],
			loop.WithSubmitter(a.submitter),
			loop.WithReconnect(cfg.Loop.MaxReconnects, cfg.Loop.ReconnectBase.Duration, cfg.Loop.ReconnectMax.Duration),
			loop.WithDrainTimeout(cfg.Loop.DrainTimeout.Duration),
			loop.WithLogger(a.logger),
			loop.WithMetrics(observability.Loop()),
		))
	}
	return a, nil
}

func openLedger(cfg config.LedgerConfig) (*storage.Ledger, error) {
	if cfg.Path == "" {
		return storage.NewLedger(storage.NewMemDB()), nil
	}
	db, err := storage.NewLevelDB(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return storage.NewLedger(db), nil
}

// openSchedules builds one schedule per chain. With a journal configured,
// every chain shares one bbolt file and pending deadlines are restored.
func (a *Agent) openSchedules() error {
	a.schedules = make(roles.Schedules, len(a.cfg.Gateway.Chains))
	if path := a.cfg.Schedule.JournalPath; path != "" {
		db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		a.journal = db
	}
	for _, chain := range a.cfg.Gateway.Chains {
		opts := []schedule.Option{schedule.WithLogger(a.logger.With(slog.String("chain", chain)))}
		if a.journal != nil {
			j, err := schedule.NewJournal(a.journal, chain)
			if err != nil {
				return err
			}
			opts = append(opts, schedule.WithJournal(j))
		}
		sched := schedule.New(opts...)
		restored, err := sched.Restore()
		if err != nil {
			return fmt.Errorf("restore %s schedule: %w", chain, err)
		}
		if restored > 0 {
			a.logger.Info("restored pending deadlines", slog.String("chain", chain), slog.Int("count", restored))
		}
		a.schedules[chain] = sched
	}
	return nil
}

func (a *Agent) bindRole(o options) error {
	deps := roles.Deps{
		Gateway:   a.gateway,
		Submitter: a.submitter,
		Schedules: a.schedules,
		Ledger:    a.ledger,
		Logger:    a.logger,
		Metrics:   observability.Loop(),
	}
	var role roles.Role
	switch a.role {
	case config.RoleAmbassador:
		source := o.source
		if source == nil {
			bounties, err := configuredBounties(a.cfg.Roles.Ambassador.Bounties)
			if err != nil {
				return err
			}
			source = listSource(bounties)
		}
		amb := roles.NewAmbassador(deps, source,
			roles.WithBountiesPerBlock(a.cfg.Roles.Ambassador.BountiesPerBlock),
			roles.WithMaxInFlight(a.cfg.Roles.Ambassador.MaxInFlight),
			roles.WithQueueSize(a.cfg.Roles.Ambassador.QueueSize),
		)
		a.ambassador = amb
		a.participant = amb
		role = amb
	case config.RoleMicroengine:
		minBid, err := a.cfg.Roles.Microengine.MinBid.Int()
		if err != nil {
			return fmt.Errorf("min_bid: %w", err)
		}
		maxBid, err := a.cfg.Roles.Microengine.MaxBid.Int()
		if err != nil {
			return fmt.Errorf("max_bid: %w", err)
		}
		me := roles.NewMicroengine(deps, o.scanner,
			roles.WithBidRange(minBid, maxBid),
			roles.WithScanConcurrency(a.cfg.Roles.Microengine.ScanConcurrency),
		)
		a.participant = me
		role = me
	case config.RoleArbiter:
		arb := roles.NewArbiter(deps, o.scanner,
			roles.WithArbiterConcurrency(a.cfg.Roles.Arbiter.ScanConcurrency),
		)
		a.participant = arb
		role = arb
	default:
		return fmt.Errorf("unknown role %q", a.role)
	}
	handles := role.Bind(a.registry)
	a.logger.Info("role bound", slog.Int("handlers", len(handles)))
	return nil
}

// Run drives every chain loop until ctx is cancelled, serving the webhook
// ingress and the metrics endpoint alongside when configured.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.webhook != nil {
		srv := newServer(a.cfg.Webhook.Listen, otelhttp.NewHandler(a.webhook.Handler(), "webhook"))
		g.Go(func() error { return serve(gctx, srv, a.logger, "webhook") })
	}
	if listen := a.cfg.Telemetry.MetricsListen; listen != "" {
		srv := newServer(listen, a.adminHandler())
		g.Go(func() error { return serve(gctx, srv, a.logger, "metrics") })
	}
	if a.ambassador != nil {
		for _, chain := range a.cfg.Gateway.Chains {
			chain := chain
			g.Go(func() error {
				if err := a.ambassador.Run(gctx, chain); err != nil {
					a.logger.Warn("bounty source stopped", slog.String("chain", chain), slog.Any("error", err))
				}
				return nil
			})
		}
	}
	g.Go(func() error {
		err := loop.RunAll(gctx, a.loops...)
		if err == nil && ctx.Err() == nil {
			err = errors.New("agentd: every chain loop stopped")
		}
		return err
	})
	err := g.Wait()
	if a.participant != nil {
		a.participant.Wait()
	}
	return err
}

// Close releases the ledger and journal handles.
func (a *Agent) Close() error {
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}

// Address is the account the agent signs for.
func (a *Agent) Address() string {
	if a.submitter == nil {
		return ""
	}
	return a.submitter.Address()
}

// States reports each chain loop's current state.
func (a *Agent) States() map[string]string {
	out := make(map[string]string, len(a.loops))
	for _, l := range a.loops {
		out[l.Chain()] = l.State().String()
	}
	return out
}

type chainStatus struct {
	State  string `json:"state"`
	Height uint64 `json:"height"`
}

func (a *Agent) adminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		chains := make(map[string]chainStatus, len(a.loops))
		for _, l := range a.loops {
			chains[l.Chain()] = chainStatus{State: l.State().String(), Height: l.Height()}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"role":    a.role,
			"chains":  chains,
			"pending": len(a.submitter.Pending()),
		})
	})
	return r
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func serve(ctx context.Context, srv *http.Server, logger *slog.Logger, name string) error {
	errs := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("server", name), slog.String("addr", srv.Addr))
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return err
		}
		return nil
	}
}
