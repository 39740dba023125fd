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

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CopyPilot/internal/analysis"
	"github.com/BTreeMap/CopyPilot/internal/auth"
	"github.com/BTreeMap/CopyPilot/internal/checkpoint"
	"github.com/BTreeMap/CopyPilot/internal/credits"
	"github.com/BTreeMap/CopyPilot/internal/flow"
	"github.com/BTreeMap/CopyPilot/internal/genai"
	"github.com/BTreeMap/CopyPilot/internal/metrics"
	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/notify"
	"github.com/BTreeMap/CopyPilot/internal/projects"
	"github.com/BTreeMap/CopyPilot/internal/refine"
	"github.com/BTreeMap/CopyPilot/internal/store"
	"github.com/BTreeMap/CopyPilot/internal/workflow"
)

// Server defaults.
const (
	DefaultServerAddr           = ":8080"
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultSessionSweepInterval = time.Minute
)

// Opts holds configuration for the API server and the services it wires.
type Opts struct {
	Addr               string
	JWTSecret          string
	DisableAuth        bool
	AnalysisServiceURL string
	CreditsServiceURL  string
	ProjectsServiceURL string
	ProjectCreateURL   string
	AnalysisTimeout    time.Duration
	MinCopyLength      int
	Costs              map[models.OperationKind]int
	DefaultAllowance   int
	RefineWithGenAI    bool
	OutboxPollInterval time.Duration
	SessionIdleTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithJWTSecret sets the bearer token signing secret.
func WithJWTSecret(secret string) Option {
	return func(o *Opts) { o.JWTSecret = secret }
}

// WithAuthDisabled serves every request as a local development user.
func WithAuthDisabled() Option {
	return func(o *Opts) { o.DisableAuth = true }
}

// WithAnalysisServiceURL selects the remote analysis service over the model.
func WithAnalysisServiceURL(u string) Option {
	return func(o *Opts) { o.AnalysisServiceURL = u }
}

// WithCreditsServiceURL selects the remote accounting service over the local ledger.
func WithCreditsServiceURL(u string) Option {
	return func(o *Opts) { o.CreditsServiceURL = u }
}

// WithProjectsServiceURL enables project resolution on checkpoint restore.
func WithProjectsServiceURL(u string) Option {
	return func(o *Opts) { o.ProjectsServiceURL = u }
}

// WithProjectCreateURL sets the project creation page.
func WithProjectCreateURL(u string) Option {
	return func(o *Opts) { o.ProjectCreateURL = u }
}

// WithAnalysisTimeout bounds analysis and refinement calls.
func WithAnalysisTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AnalysisTimeout = d }
}

// WithMinCopyLength sets the shortest accepted ad copy.
func WithMinCopyLength(n int) Option {
	return func(o *Opts) { o.MinCopyLength = n }
}

// WithCost sets the credit price of kind. credits.CostWaived makes it free.
func WithCost(kind models.OperationKind, cost int) Option {
	return func(o *Opts) {
		if o.Costs == nil {
			o.Costs = map[models.OperationKind]int{}
		}
		o.Costs[kind] = cost
	}
}

// WithDefaultAllowance sets the allowance of new local credit accounts.
func WithDefaultAllowance(n int) Option {
	return func(o *Opts) { o.DefaultAllowance = n }
}

// WithRefineWithGenAI uses the model for refinement passes.
func WithRefineWithGenAI(enabled bool) Option {
	return func(o *Opts) { o.RefineWithGenAI = enabled }
}

// WithOutboxPollInterval sets how often queued telemetry is delivered.
func WithOutboxPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.OutboxPollInterval = d }
}

// WithSessionIdleTimeout sets how long an untouched session stays mounted.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SessionIdleTimeout = d }
}

func defaultOpts() Opts {
	return Opts{
		Addr:               DefaultServerAddr,
		ProjectCreateURL:   workflow.DefaultProjectCreateURL,
		AnalysisTimeout:    workflow.DefaultTimeout,
		MinCopyLength:      models.DefaultMinAdCopyLength,
		DefaultAllowance:   credits.DefaultMonthlyAllowance,
		OutboxPollInterval: DefaultOutboxPollInterval,
		SessionIdleTimeout: workflow.DefaultIdleTimeout,
	}
}

// costTable merges configured prices over the defaults.
func (o Opts) costTable() credits.CostTable {
	costs := map[models.OperationKind]int{
		models.OperationFullAnalysis:  1,
		models.OperationBasicAnalysis: 1,
	}
	for k, v := range o.Costs {
		costs[k] = v
	}
	return credits.NewCostTable(costs)
}

// Run wires the services, serves HTTP and blocks until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, smsOpts []notify.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("api.Run: configuration", "addr", cfg.Addr, "authDisabled", cfg.DisableAuth,
		"remoteAnalysis", cfg.AnalysisServiceURL != "", "remoteCredits", cfg.CreditsServiceURL != "",
		"projects", cfg.ProjectsServiceURL != "", "timeout", cfg.AnalysisTimeout)

	st, err := store.Open(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	costs := cfg.costTable()

	var ledger credits.Ledger
	if cfg.CreditsServiceURL != "" {
		ledger, err = credits.NewRemoteLedger(credits.WithBaseURL(cfg.CreditsServiceURL))
		if err != nil {
			return fmt.Errorf("failed to create credit ledger: %w", err)
		}
	} else {
		ledger = credits.NewStoreLedger(st, credits.WithCostTable(costs), credits.WithDefaultAllowance(cfg.DefaultAllowance))
	}

	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Info("api.Run: generative model disabled", "reason", err)
		gaClient = nil
	}

	var notifiers analysis.NotifierChain
	var analyzer analysis.Analyzer
	switch {
	case cfg.AnalysisServiceURL != "":
		remote, err := analysis.NewRemoteService(analysis.WithBaseURL(cfg.AnalysisServiceURL))
		if err != nil {
			return fmt.Errorf("failed to create analysis client: %w", err)
		}
		analyzer = remote
		notifiers = append(notifiers, remote)
	case gaClient != nil:
		analyzer = analysis.NewGenAIAnalyzer(gaClient)
	default:
		return errors.New("no analyzer configured: set ANALYSIS_SERVICE_URL or OPENAI_API_KEY")
	}

	if sms, err := notify.NewSMSNotifier(smsOpts...); err == nil {
		notifiers = append(notifiers, sms)
	} else {
		slog.Info("api.Run: SMS notifications disabled", "reason", err)
	}

	var pass refine.Pass = refine.LocalPass{}
	if cfg.RefineWithGenAI && gaClient != nil {
		pass = refine.NewGenAIPass(gaClient)
	}

	var resolver *projects.Resolver
	if cfg.ProjectsServiceURL != "" {
		lookup, err := projects.NewClient(projects.WithBaseURL(cfg.ProjectsServiceURL))
		if err != nil {
			return fmt.Errorf("failed to create projects client: %w", err)
		}
		resolver = projects.NewResolver(lookup)
	}

	var telemetry *analysis.Telemetry
	var sender *store.OutboxSender
	if len(notifiers) > 0 {
		telemetry = analysis.NewTelemetry(st, m)
		sender = store.NewOutboxSender(st, analysis.DeliverTo(notifiers), cfg.OutboxPollInterval)
		if err := sender.RecoverStaleMessages(); err != nil {
			slog.Warn("api.Run: outbox recovery failed", "error", err)
		}
	}

	registry := workflow.NewRegistry(workflow.Dependencies{
		Ledger:     ledger,
		Costs:      costs,
		Analyzer:   analyzer,
		Refiner:    refine.NewIterator(pass),
		Checkpoint: checkpoint.New(flow.NewStoreBasedStateManager(st)),
		Projects:   resolver,
		Telemetry:  telemetry,
		History:    st,
		Metrics:    m,
	},
		workflow.WithTimeout(cfg.AnalysisTimeout),
		workflow.WithMinCopyLength(cfg.MinCopyLength),
		workflow.WithProjectCreateURL(cfg.ProjectCreateURL),
		workflow.WithIdleTimeout(cfg.SessionIdleTimeout),
	)

	var verifier *auth.Verifier
	if !cfg.DisableAuth {
		verifier, err = auth.NewVerifier(cfg.JWTSecret)
		if err != nil {
			return fmt.Errorf("failed to configure auth: %w", err)
		}
	}

	srv := NewServer(Dependencies{
		Registry: registry,
		Ledger:   ledger,
		History:  st,
		Metrics:  m,
		Verifier: verifier,
		Auth:     auth.MiddlewareConfig{DisableAuth: cfg.DisableAuth},
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("api.Run: CopyPilot API listening", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sender != nil {
		g.Go(func() error {
			sender.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return registry.Run(gctx, DefaultSessionSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("api.Run: shutting down")
		registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
