// Package workflow drives the credit-gated analysis state machine of one
// client session.
//
// States run Input -> CreditCheck -> Analyzing -> Results, with Refining as a
// loop on Results and Error as a recoverable detour. CreditCheck, Analyzing
// and Refining are in flight: actions that would start another remote call
// are rejected with ErrBusy until the current one settles. The orchestrator
// lock is only held around state changes, never across a remote call.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/analysis"
	"github.com/BTreeMap/CopyPilot/internal/checkpoint"
	"github.com/BTreeMap/CopyPilot/internal/credits"
	"github.com/BTreeMap/CopyPilot/internal/metrics"
	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/projects"
	"github.com/BTreeMap/CopyPilot/internal/refine"
	"github.com/BTreeMap/CopyPilot/internal/store"
)

// Defaults for orchestrator options.
const (
	DefaultTimeout          = 60 * time.Second
	DefaultConsumeTimeout   = 10 * time.Second
	DefaultProjectCreateURL = "/projects/new"
	DefaultIdleTimeout      = 30 * time.Minute
	LowCreditThreshold      = 1
)

var (
	// ErrBusy is returned while a remote call of this session is in flight.
	ErrBusy = errors.New("an operation is already in progress")
	// ErrInvalidAction is returned for actions the current state does not offer.
	ErrInvalidAction = errors.New("action not available in the current state")
	// ErrInvalidInput wraps input validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrClosed is returned once the session has been unmounted.
	ErrClosed = errors.New("session closed")
)

// Dependencies holds the collaborators of an orchestrator. Ledger, Analyzer,
// Refiner and Checkpoint are required; the rest may be nil.
type Dependencies struct {
	Ledger     credits.Ledger
	Costs      credits.CostTable
	Analyzer   analysis.Analyzer
	Refiner    *refine.Iterator
	Checkpoint *checkpoint.Checkpoint
	Projects   *projects.Resolver
	Telemetry  *analysis.Telemetry
	History    store.AnalysisRepo
	Metrics    *metrics.Metrics
}

func (d Dependencies) validate() error {
	switch {
	case d.Ledger == nil:
		return fmt.Errorf("credit ledger must be provided")
	case d.Analyzer == nil:
		return fmt.Errorf("analyzer must be provided")
	case d.Refiner == nil:
		return fmt.Errorf("refinement iterator must be provided")
	case d.Checkpoint == nil:
		return fmt.Errorf("checkpoint must be provided")
	}
	return nil
}

// Opts holds tunables of an orchestrator.
type Opts struct {
	MinCopyLength    int
	Timeout          time.Duration
	Operation        models.OperationKind
	ProjectCreateURL string
	IdleTimeout      time.Duration
}

// Option defines a configuration option for an orchestrator.
type Option func(*Opts)

// WithMinCopyLength sets the minimum trimmed ad copy length for submit.
func WithMinCopyLength(n int) Option {
	return func(o *Opts) { o.MinCopyLength = n }
}

// WithTimeout bounds each analysis and refinement call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithOperation sets the operation kind charged for an analysis.
func WithOperation(kind models.OperationKind) Option {
	return func(o *Opts) { o.Operation = kind }
}

// WithProjectCreateURL sets where the create-project side flow redirects.
func WithProjectCreateURL(u string) Option {
	return func(o *Opts) { o.ProjectCreateURL = u }
}

// WithIdleTimeout sets how long a session may go untouched before the
// registry sweeps it. Zero keeps sessions until they are closed.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

func defaultOpts() Opts {
	return Opts{
		MinCopyLength:    models.DefaultMinAdCopyLength,
		Timeout:          DefaultTimeout,
		Operation:        models.OperationFullAnalysis,
		ProjectCreateURL: DefaultProjectCreateURL,
		IdleTimeout:      DefaultIdleTimeout,
	}
}

// Orchestrator is the live workflow of one session.
type Orchestrator struct {
	deps          Dependencies
	cfg           Opts
	id            string
	clientSession string
	userID        string

	mu              sync.Mutex
	state           models.StateType
	request         models.AnalysisRequest
	result          *models.AnalysisResult
	resultCreatedAt time.Time
	lastError       string
	notices         []Notice
	balance         *models.CreditBalance
	refineDisabled  bool
	generation      uint64 // bumped by each run, Reset and Close
	closed          bool
	lastActive      time.Time
	onClose         func()
}

// Mount creates the workflow for a session in Input. A pending checkpoint
// for clientSession is consumed first, so the restored fields are in place
// before the first View.
func Mount(ctx context.Context, deps Dependencies, id, clientSession, userID string, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if deps.Costs.IsZero() {
		deps.Costs = credits.DefaultCostTable()
	}

	o := &Orchestrator{
		deps:          deps,
		cfg:           cfg,
		id:            id,
		clientSession: clientSession,
		userID:        userID,
		state:         models.StateInput,
		lastActive:    time.Now(),
	}

	snap, err := deps.Checkpoint.ConsumeIfPresent(ctx, userID, clientSession)
	if err != nil {
		slog.Warn("Orchestrator.Mount: checkpoint restore failed", "sessionID", id, "clientSession", clientSession, "error", err)
	}
	if snap != nil {
		o.request.AdCopyText = snap.AdCopyText
		o.request.Platform = snap.Platform
		o.request.ProjectID = snap.SelectedProjectID
		if snap.SelectedProjectID != "" && deps.Projects != nil {
			o.request.ProjectID = deps.Projects.Resolve(ctx, snap.SelectedProjectID)
			if o.request.ProjectID == "" {
				o.notices = append(o.notices, Notice{Code: NoticeProjectCleared, Message: "The selected project could not be found and was removed."})
			}
		}
		slog.Info("Orchestrator.Mount: restored checkpoint", "sessionID", id, "platform", snap.Platform, "projectID", o.request.ProjectID)
	}

	deps.Metrics.SessionOpened()
	slog.Debug("Orchestrator.Mount: session mounted", "sessionID", id, "userID", userID)
	return o, nil
}

// ID returns the session ID.
func (o *Orchestrator) ID() string { return o.id }

// UserID returns the owner of the session.
func (o *Orchestrator) UserID() string { return o.userID }

// ClientSession returns the key under which checkpoints are stored.
func (o *Orchestrator) ClientSession() string { return o.clientSession }

// State returns the current state.
func (o *Orchestrator) State() models.StateType {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetInput replaces the editable request fields. In Error it returns to
// Input, keeping the edited text.
func (o *Orchestrator) SetInput(req models.AnalysisRequest) (View, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkIdleLocked(); err != nil {
		return o.viewLocked(), err
	}
	switch o.state {
	case models.StateInput:
	case models.StateError:
		o.transitionLocked(models.StateInput)
		o.lastError = ""
	default:
		return o.viewLocked(), fmt.Errorf("%w: cannot edit input in %s", ErrInvalidAction, o.state)
	}
	o.request = req
	o.notices = nil
	return o.viewLocked(), nil
}

// Submit validates the input and runs the credit-gated analysis. It blocks
// until the run settles in Input, Results or Error.
func (o *Orchestrator) Submit(ctx context.Context) (View, error) {
	o.mu.Lock()
	if err := o.checkIdleLocked(); err != nil {
		defer o.mu.Unlock()
		return o.viewLocked(), err
	}
	if o.state != models.StateInput {
		defer o.mu.Unlock()
		return o.viewLocked(), fmt.Errorf("%w: cannot submit in %s", ErrInvalidAction, o.state)
	}
	if err := o.request.Validate(o.cfg.MinCopyLength); err != nil {
		defer o.mu.Unlock()
		return o.viewLocked(), fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return o.runLocked(ctx)
}

// Retry runs the failed request again. Only the user triggers it.
func (o *Orchestrator) Retry(ctx context.Context) (View, error) {
	o.mu.Lock()
	if err := o.checkIdleLocked(); err != nil {
		defer o.mu.Unlock()
		return o.viewLocked(), err
	}
	if o.state != models.StateError {
		defer o.mu.Unlock()
		return o.viewLocked(), fmt.Errorf("%w: nothing to retry in %s", ErrInvalidAction, o.state)
	}
	return o.runLocked(ctx)
}

// runLocked is entered with o.mu held and releases it.
func (o *Orchestrator) runLocked(ctx context.Context) (View, error) {
	req := o.request
	o.generation++
	gen := o.generation
	o.lastError = ""
	o.notices = nil
	o.transitionLocked(models.StateCreditCheck)
	o.mu.Unlock()

	slog.Debug("Orchestrator.run: checking balance", "sessionID", o.id, "userID", o.userID)
	balance, err := o.deps.Ledger.GetBalance(ctx, o.userID)

	o.mu.Lock()
	if o.staleLocked(gen) {
		o.mu.Unlock()
		return View{}, ErrClosed
	}
	if err != nil {
		slog.Error("Orchestrator.run: credit service unavailable", "sessionID", o.id, "userID", o.userID, "error", err)
		o.lastError = "We could not verify your credit balance. Please try again."
		o.transitionLocked(models.StateError)
		o.deps.Metrics.Analysis(metrics.OutcomeUnavailable, 0)
		v := o.viewLocked()
		o.mu.Unlock()
		if !errors.Is(err, credits.ErrServiceUnavailable) {
			err = fmt.Errorf("%w: %v", credits.ErrServiceUnavailable, err)
		}
		return v, err
	}
	o.balance = &balance
	if !o.deps.Costs.CanAfford(balance, o.cfg.Operation) {
		slog.Info("Orchestrator.run: insufficient credits", "sessionID", o.id, "userID", o.userID, "available", balance.Available)
		o.transitionLocked(models.StateInput)
		o.notices = append(o.notices, Notice{Code: NoticeInsufficientCredits, Message: "You do not have enough credits for this analysis."})
		o.deps.Metrics.Analysis(metrics.OutcomeInsufficient, 0)
		v := o.viewLocked()
		o.mu.Unlock()
		return v, credits.ErrInsufficientCredits
	}
	o.transitionLocked(models.StateAnalyzing)
	o.mu.Unlock()

	// The remote call outlives the caller; only the timeout stops it.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	start := time.Now()
	res, err := o.deps.Analyzer.Analyze(actx, req)
	cancel()
	elapsed := time.Since(start)

	o.mu.Lock()
	if o.staleLocked(gen) {
		o.mu.Unlock()
		slog.Info("Orchestrator.run: discarding result of closed session", "sessionID", o.id, "error", err)
		o.deps.Metrics.Analysis(metrics.OutcomeDiscarded, elapsed)
		return View{}, ErrClosed
	}
	if err != nil {
		reason := analysis.FailureReason(err)
		slog.Error("Orchestrator.run: analysis failed", "sessionID", o.id, "userID", o.userID, "reason", reason)
		o.lastError = reason
		o.transitionLocked(models.StateError)
		o.deps.Metrics.Analysis(metrics.OutcomeFailed, elapsed)
		v := o.viewLocked()
		o.mu.Unlock()
		o.deps.Telemetry.SendTelemetry(ctx, o.userID, analysis.EventAnalysisFailed, analysis.EventPayload{UserID: o.userID, Platform: req.Platform, ProjectID: req.ProjectID, Reason: reason})
		return v, err
	}

	res.ImprovementCount = 0
	res.KeyImprovements = []string{}
	o.result = &res
	o.resultCreatedAt = time.Now()
	o.refineDisabled = !o.deps.Refiner.CanRefine(res)
	o.transitionLocked(models.StateResults)
	o.deps.Metrics.Analysis(metrics.OutcomeOK, elapsed)
	o.mu.Unlock()

	o.consume(ctx, gen, balance, res.AnalysisID)
	o.recordHistory(req, res)
	o.deps.Telemetry.SendTelemetry(ctx, o.userID, analysis.EventAnalysisCompleted, analysis.NewEventPayload(o.userID, req, res))
	return o.View(), nil
}

// consume charges the delivered analysis. Failures become a warning.
func (o *Orchestrator) consume(ctx context.Context, gen uint64, balance models.CreditBalance, analysisID string) {
	if o.deps.Costs.IsWaived(o.cfg.Operation) || balance.MonthlyAllowance.IsUnlimited() {
		o.deps.Metrics.Consume(metrics.OutcomeSkipped)
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultConsumeTimeout)
	defer cancel()
	res, err := o.deps.Ledger.Consume(cctx, o.userID, o.cfg.Operation, 1, analysisID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		slog.Warn("Orchestrator.consume: credit consumption failed", "sessionID", o.id, "userID", o.userID, "analysisID", analysisID, "error", err)
		o.deps.Metrics.Consume(metrics.OutcomeFailed)
		if !o.staleLocked(gen) {
			o.notices = append(o.notices, Notice{Code: NoticeConsumeFailed, Message: "Your result is ready, but we could not update your credit balance."})
		}
		return
	}
	o.deps.Metrics.Consume(metrics.OutcomeOK)
	if o.staleLocked(gen) {
		return
	}
	updated := balance
	updated.Available = res.Remaining
	o.balance = &updated
	if res.Remaining <= LowCreditThreshold {
		o.notices = append(o.notices, Notice{Code: NoticeLowCredits, Message: fmt.Sprintf("Only %d credit(s) left.", res.Remaining)})
	}
}

// Refine applies one refinement pass. When refinement is exhausted it is a
// no-op that leaves the session in Results with refine disabled.
func (o *Orchestrator) Refine(ctx context.Context) (View, error) {
	o.mu.Lock()
	if err := o.checkIdleLocked(); err != nil {
		defer o.mu.Unlock()
		return o.viewLocked(), err
	}
	if o.state != models.StateResults || o.result == nil {
		defer o.mu.Unlock()
		return o.viewLocked(), fmt.Errorf("%w: cannot refine in %s", ErrInvalidAction, o.state)
	}
	o.notices = nil
	if o.refineDisabled || !o.deps.Refiner.CanRefine(*o.result) {
		o.refineDisabled = true
		o.deps.Metrics.Refinement(metrics.OutcomeMaxReached)
		defer o.mu.Unlock()
		return o.viewLocked(), nil
	}
	current := o.result.Clone()
	req := o.request
	gen := o.generation
	o.transitionLocked(models.StateRefining)
	o.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	next, err := o.deps.Refiner.RequestImprovement(rctx, current)
	cancel()

	o.mu.Lock()
	if o.staleLocked(gen) {
		o.mu.Unlock()
		slog.Info("Orchestrator.Refine: discarding refinement of closed session", "sessionID", o.id)
		o.deps.Metrics.Refinement(metrics.OutcomeDiscarded)
		return View{}, ErrClosed
	}
	o.transitionLocked(models.StateResults)
	switch {
	case errors.Is(err, refine.ErrMaxIterationsReached):
		o.refineDisabled = true
		o.deps.Metrics.Refinement(metrics.OutcomeMaxReached)
		defer o.mu.Unlock()
		return o.viewLocked(), nil
	case err != nil:
		slog.Warn("Orchestrator.Refine: refinement failed", "sessionID", o.id, "error", err)
		o.notices = append(o.notices, Notice{Code: NoticeRefinementFailed, Message: "The refinement did not complete. Your current result is unchanged."})
		o.deps.Metrics.Refinement(metrics.OutcomeFailed)
		defer o.mu.Unlock()
		return o.viewLocked(), err
	}
	o.result = &next
	o.refineDisabled = !o.deps.Refiner.CanRefine(next)
	o.deps.Metrics.Refinement(metrics.OutcomeOK)
	v := o.viewLocked()
	o.mu.Unlock()

	o.recordHistory(req, next)
	o.deps.Telemetry.SendTelemetry(ctx, o.userID, analysis.EventAnalysisRefined, analysis.NewEventPayload(o.userID, req, next))
	return v, nil
}

// Reset starts over in Input, discarding the request and result.
func (o *Orchestrator) Reset() (View, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkIdleLocked(); err != nil {
		return o.viewLocked(), err
	}
	// Late work of the discarded run must not touch the new Input.
	o.generation++
	o.request = models.AnalysisRequest{}
	o.result = nil
	o.lastError = ""
	o.notices = nil
	o.refineDisabled = false
	o.transitionLocked(models.StateInput)
	return o.viewLocked(), nil
}

// Back leaves Error for Input, keeping the typed request.
func (o *Orchestrator) Back() (View, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkIdleLocked(); err != nil {
		return o.viewLocked(), err
	}
	if o.state != models.StateError {
		return o.viewLocked(), fmt.Errorf("%w: cannot go back from %s", ErrInvalidAction, o.state)
	}
	o.lastError = ""
	o.transitionLocked(models.StateInput)
	return o.viewLocked(), nil
}

// CreateProject saves the typed input to the checkpoint and closes the
// session. It returns the URL to navigate to.
func (o *Orchestrator) CreateProject(ctx context.Context) (string, error) {
	o.mu.Lock()
	if err := o.checkIdleLocked(); err != nil {
		o.mu.Unlock()
		return "", err
	}
	if o.state != models.StateInput {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: project creation is only available while editing", ErrInvalidAction)
	}
	snap := models.CheckpointSnapshot{
		AdCopyText:        o.request.AdCopyText,
		Platform:          o.request.Platform,
		SelectedProjectID: o.request.ProjectID,
		ReturnToWorkflow:  true,
	}
	o.mu.Unlock()

	if err := o.deps.Checkpoint.Save(ctx, o.userID, o.clientSession, snap); err != nil {
		return "", err
	}
	o.deps.Telemetry.SendTelemetry(ctx, o.userID, analysis.EventCheckpointSaved, analysis.EventPayload{UserID: o.userID, Platform: snap.Platform, ProjectID: snap.SelectedProjectID})
	o.Close()
	return redirectURL(o.cfg.ProjectCreateURL), nil
}

func redirectURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?returnTo=analysis"
	}
	q := u.Query()
	q.Set("returnTo", "analysis")
	u.RawQuery = q.Encode()
	return u.String()
}

// Close unmounts the session. In-flight calls keep running but their
// results are discarded. Close is idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.generation++
	onClose := o.onClose
	o.mu.Unlock()

	o.deps.Metrics.SessionClosed()
	slog.Debug("Orchestrator.Close: session closed", "sessionID", o.id)
	if onClose != nil {
		onClose()
	}
}

// View returns a snapshot for rendering.
func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

// Export renders the current result with the strategy for format.
func (o *Orchestrator) Export(format string) ([]byte, string, error) {
	strategy, err := StrategyFor(format)
	if err != nil {
		return nil, "", err
	}
	o.mu.Lock()
	if o.result == nil {
		o.mu.Unlock()
		return nil, "", fmt.Errorf("%w: no result to export", ErrInvalidAction)
	}
	req := o.request
	res := o.result.Clone()
	o.mu.Unlock()

	data, err := strategy.Render(req, res)
	if err != nil {
		return nil, "", err
	}
	return data, strategy.ContentType(), nil
}

func (o *Orchestrator) checkIdleLocked() error {
	if o.closed {
		return ErrClosed
	}
	if o.state.IsInFlight() {
		return ErrBusy
	}
	return nil
}

func (o *Orchestrator) touch(now time.Time) {
	o.mu.Lock()
	o.lastActive = now
	o.mu.Unlock()
}

// idleExpired reports whether the session has been untouched for longer than
// the idle timeout. In-flight sessions never expire.
func (o *Orchestrator) idleExpired(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.IdleTimeout <= 0 || o.closed || o.state.IsInFlight() {
		return false
	}
	return now.Sub(o.lastActive) > o.cfg.IdleTimeout
}

func (o *Orchestrator) staleLocked(gen uint64) bool {
	return o.closed || o.generation != gen
}

func (o *Orchestrator) transitionLocked(to models.StateType) {
	from := o.state
	o.state = to
	o.deps.Metrics.Transition(string(from), string(to))
	slog.Info("Orchestrator.transition", "sessionID", o.id, "from", from, "to", to)
}

func (o *Orchestrator) recordHistory(req models.AnalysisRequest, res models.AnalysisResult) {
	if o.deps.History == nil {
		return
	}
	resultJSON, err := json.Marshal(res)
	if err != nil {
		slog.Warn("Orchestrator.recordHistory: marshal failed", "analysisID", res.AnalysisID, "error", err)
		return
	}
	o.mu.Lock()
	createdAt := o.resultCreatedAt
	o.mu.Unlock()
	rec := models.AnalysisRecord{
		AnalysisID:       res.AnalysisID,
		UserID:           o.userID,
		ProjectID:        req.ProjectID,
		Platform:         req.Platform,
		AdCopyText:       req.AdCopyText,
		Score:            res.Score,
		ImprovementCount: res.ImprovementCount,
		ResultJSON:       string(resultJSON),
		CreatedAt:        createdAt,
		UpdatedAt:        time.Now(),
	}
	if err := o.deps.History.SaveAnalysis(rec); err != nil {
		slog.Warn("Orchestrator.recordHistory: save failed", "analysisID", res.AnalysisID, "error", err)
	}
}
