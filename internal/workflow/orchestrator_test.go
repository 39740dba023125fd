package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/analysis"
	"github.com/BTreeMap/CopyPilot/internal/checkpoint"
	"github.com/BTreeMap/CopyPilot/internal/credits"
	"github.com/BTreeMap/CopyPilot/internal/flow"
	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/projects"
	"github.com/BTreeMap/CopyPilot/internal/refine"
	"github.com/BTreeMap/CopyPilot/internal/store"
	"github.com/google/go-cmp/cmp"
)

const testUser = "user-1"

type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(e string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *trace) count(e string) int {
	n := 0
	for _, got := range t.list() {
		if got == e {
			n++
		}
	}
	return n
}

type recordingLedger struct {
	credits.Ledger
	tr         *trace
	onBalance  func()
	balanceErr error
	consumeErr error

	consumeStarted chan struct{}
	consumeRelease chan struct{}
}

func (l *recordingLedger) GetBalance(ctx context.Context, userID string) (models.CreditBalance, error) {
	l.tr.add("balance")
	if l.onBalance != nil {
		l.onBalance()
	}
	if l.balanceErr != nil {
		return models.CreditBalance{}, l.balanceErr
	}
	return l.Ledger.GetBalance(ctx, userID)
}

func (l *recordingLedger) Consume(ctx context.Context, userID string, kind models.OperationKind, quantity int, referenceID string) (models.ConsumeResult, error) {
	l.tr.add("consume")
	if l.consumeStarted != nil {
		l.consumeStarted <- struct{}{}
	}
	if l.consumeRelease != nil {
		<-l.consumeRelease
	}
	if l.consumeErr != nil {
		return models.ConsumeResult{}, l.consumeErr
	}
	return l.Ledger.Consume(ctx, userID, kind, quantity, referenceID)
}

type fakeAnalyzer struct {
	tr      *trace
	results []models.AnalysisResult
	errs    []error
	observe func()
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	a.mu.Lock()
	i := a.calls
	a.calls++
	a.mu.Unlock()

	a.tr.add("analyze")
	if a.observe != nil {
		a.observe()
	}
	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.release != nil {
		<-a.release
	}
	if i < len(a.errs) && a.errs[i] != nil {
		return models.AnalysisResult{}, a.errs[i]
	}
	res := models.AnalysisResult{AnalysisID: "an_1", Score: 72, ImprovedCopy: "Better copy", Suggestions: []string{"Lead with the benefit"}}
	if i < len(a.results) {
		res = a.results[i]
	}
	return res, nil
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type failingPass struct{}

func (failingPass) Improve(ctx context.Context, current models.AnalysisResult) (refine.Step, error) {
	return refine.Step{}, errors.New("model overloaded")
}

type fixture struct {
	store    *store.InMemoryStore
	tr       *trace
	ledger   *recordingLedger
	analyzer *fakeAnalyzer
	deps     Dependencies
}

func newFixture(t *testing.T, allowance int) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	tr := &trace{}
	ledger := &recordingLedger{
		Ledger: credits.NewStoreLedger(st, credits.WithDefaultAllowance(allowance)),
		tr:     tr,
	}
	an := &fakeAnalyzer{tr: tr}
	return &fixture{
		store:    st,
		tr:       tr,
		ledger:   ledger,
		analyzer: an,
		deps: Dependencies{
			Ledger:     ledger,
			Costs:      credits.DefaultCostTable(),
			Analyzer:   an,
			Refiner:    refine.NewIterator(refine.LocalPass{}),
			Checkpoint: checkpoint.New(flow.NewStoreBasedStateManager(st)),
			History:    st,
		},
	}
}

func (f *fixture) mount(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := Mount(context.Background(), f.deps, "sess-1", "tab-1", testUser, opts...)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	return o
}

func validInput() models.AnalysisRequest {
	return models.AnalysisRequest{AdCopyText: "Fresh coffee delivered before your first meeting", Platform: models.PlatformFacebook}
}

func mustSetInput(t *testing.T, o *Orchestrator, req models.AnalysisRequest) {
	t.Helper()
	if _, err := o.SetInput(req); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
}

func TestSubmit_InsufficientCreditsStaysInInput(t *testing.T) {
	f := newFixture(t, 0)
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	v, err := o.Submit(context.Background())
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if v.State != models.StateInput {
		t.Errorf("expected state %s, got %s", models.StateInput, v.State)
	}
	if !v.HasNotice(NoticeInsufficientCredits) {
		t.Errorf("expected insufficient credits notice, got %+v", v.Notices)
	}
	if n := f.analyzer.callCount(); n != 0 {
		t.Errorf("expected no analysis calls, got %d", n)
	}
	if v.Request != validInput() {
		t.Errorf("input should be kept, got %+v", v.Request)
	}
}

func TestSubmit_ChargesOneCreditAfterResults(t *testing.T) {
	f := newFixture(t, 5)
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	var states []models.StateType
	f.ledger.onBalance = func() { states = append(states, o.State()) }
	f.analyzer.observe = func() { states = append(states, o.State()) }

	v, err := o.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	states = append(states, v.State)

	want := []models.StateType{models.StateCreditCheck, models.StateAnalyzing, models.StateResults}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"balance", "analyze", "consume"}, f.tr.list()); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	if v.Result == nil || v.Result.Score != 72 || v.Result.ImprovementCount != 0 {
		t.Fatalf("unexpected result: %+v", v.Result)
	}
	if v.Balance == nil || v.Balance.Available != 4 {
		t.Errorf("expected displayed balance 4, got %+v", v.Balance)
	}

	bal, err := f.ledger.Ledger.GetBalance(context.Background(), testUser)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != 4 {
		t.Errorf("expected stored balance 4, got %d", bal.Available)
	}

	history, err := f.store.ListAnalyses(testUser, 0)
	if err != nil {
		t.Fatalf("ListAnalyses failed: %v", err)
	}
	if len(history) != 1 || history[0].AnalysisID != "an_1" {
		t.Errorf("expected one history record for an_1, got %+v", history)
	}
	if !v.Actions.CanRefine || !v.Actions.CanExport || v.Actions.CanSubmit {
		t.Errorf("unexpected actions in results: %+v", v.Actions)
	}
}

func TestSubmit_ConsumeSkippedForUnlimitedPlan(t *testing.T) {
	f := newFixture(t, -1)
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	if _, err := o.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if n := f.tr.count("consume"); n != 0 {
		t.Errorf("expected no consume call, got %d", n)
	}
}

func TestSubmit_ConsumeSkippedWhenWaived(t *testing.T) {
	f := newFixture(t, 0)
	f.deps.Costs = credits.NewCostTable(map[models.OperationKind]int{models.OperationFullAnalysis: credits.CostWaived})
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	v, err := o.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if v.State != models.StateResults {
		t.Errorf("expected results, got %s", v.State)
	}
	if n := f.tr.count("consume"); n != 0 {
		t.Errorf("expected no consume call, got %d", n)
	}
}

func TestSubmit_ConsumeFailureIsWarning(t *testing.T) {
	f := newFixture(t, 5)
	f.ledger.consumeErr = credits.ErrCreditConsumeFailed
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	v, err := o.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if v.State != models.StateResults || v.Result == nil {
		t.Fatalf("expected results to be shown, got %s", v.State)
	}
	if !v.HasNotice(NoticeConsumeFailed) {
		t.Errorf("expected consume failure notice, got %+v", v.Notices)
	}
}

func TestSubmit_LowCreditNotice(t *testing.T) {
	f := newFixture(t, 2)
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	v, err := o.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !v.HasNotice(NoticeLowCredits) {
		t.Errorf("expected low credit notice, got %+v", v.Notices)
	}
}

func TestResetDuringConsumeIgnoresLateCharge(t *testing.T) {
	tests := []struct {
		name       string
		consumeErr error
	}{
		{"consume succeeds", nil},
		{"consume fails", credits.ErrCreditConsumeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			f.ledger.consumeErr = tt.consumeErr
			f.ledger.consumeStarted = make(chan struct{})
			f.ledger.consumeRelease = make(chan struct{})
			o := f.mount(t)
			mustSetInput(t, o, validInput())

			done := make(chan error, 1)
			go func() {
				_, err := o.Submit(context.Background())
				done <- err
			}()
			<-f.ledger.consumeStarted

			if _, err := o.Reset(); err != nil {
				t.Fatalf("Reset failed: %v", err)
			}
			next := models.AnalysisRequest{AdCopyText: "A completely different draft for spring", Platform: models.PlatformGoogle}
			mustSetInput(t, o, next)

			close(f.ledger.consumeRelease)
			if err := <-done; err != nil {
				t.Fatalf("Submit failed: %v", err)
			}

			v := o.View()
			if v.State != models.StateInput || v.Result != nil {
				t.Fatalf("expected fresh input, got %s with result %+v", v.State, v.Result)
			}
			if len(v.Notices) != 0 {
				t.Errorf("late consume leaked notices into the new input: %+v", v.Notices)
			}
			if v.Request != next {
				t.Errorf("new input was changed: %+v", v.Request)
			}
			if v.Balance != nil && v.Balance.Available != 2 {
				t.Errorf("late consume overwrote the displayed balance: %+v", v.Balance)
			}
		})
	}
}

func TestSubmit_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  models.AnalysisRequest
		want error
	}{
		{"too short", models.AnalysisRequest{AdCopyText: "  hi   ", Platform: models.PlatformGoogle}, models.ErrAdCopyTooShort},
		{"no platform", models.AnalysisRequest{AdCopyText: "Long enough ad copy"}, models.ErrPlatformRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5)
			o := f.mount(t)
			v, err := o.SetInput(tt.req)
			if err != nil {
				t.Fatalf("SetInput failed: %v", err)
			}
			if v.Actions.CanSubmit {
				t.Errorf("submit should be disabled for %+v", tt.req)
			}
			v, err = o.Submit(context.Background())
			if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if v.State != models.StateInput {
				t.Errorf("expected input state, got %s", v.State)
			}
			if len(f.tr.list()) != 0 {
				t.Errorf("expected no remote calls, got %v", f.tr.list())
			}
		})
	}
}

func TestSubmit_CreditServiceUnavailable(t *testing.T) {
	f := newFixture(t, 5)
	f.ledger.balanceErr = credits.ErrServiceUnavailable
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	v, err := o.Submit(context.Background())
	if !errors.Is(err, credits.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if v.State != models.StateError || v.Error == "" {
		t.Errorf("expected error state with message, got %s %q", v.State, v.Error)
	}
	if f.analyzer.callCount() != 0 {
		t.Error("analysis must not run without a balance")
	}
}

func TestRetryAfterAnalysisFailureKeepsInput(t *testing.T) {
	f := newFixture(t, 5)
	f.analyzer.errs = []error{analysis.Failed("analysis service unreachable", errors.New("dial tcp: refused"))}
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	v, err := o.Submit(context.Background())
	if err == nil {
		t.Fatal("expected analysis error")
	}
	if v.State != models.StateError || v.Error != "analysis service unreachable" {
		t.Fatalf("expected error state with reason, got %s %q", v.State, v.Error)
	}
	if v.Request != validInput() {
		t.Errorf("input lost on error: %+v", v.Request)
	}
	if !v.Actions.CanRetry || !v.Actions.CanBack {
		t.Errorf("expected retry and back in error state: %+v", v.Actions)
	}
	if n := f.tr.count("consume"); n != 0 {
		t.Errorf("failed analysis must not be charged, got %d consume calls", n)
	}

	v, err = o.Retry(context.Background())
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if v.State != models.StateResults || v.Error != "" {
		t.Errorf("expected results after retry, got %s %q", v.State, v.Error)
	}
	if n := f.analyzer.callCount(); n != 2 {
		t.Errorf("expected two analysis calls, got %d", n)
	}
}

func TestBackFromError(t *testing.T) {
	f := newFixture(t, 5)
	f.analyzer.errs = []error{analysis.Failed("analysis timed out", context.DeadlineExceeded)}
	o := f.mount(t)
	mustSetInput(t, o, validInput())
	if _, err := o.Submit(context.Background()); err == nil {
		t.Fatal("expected analysis error")
	}

	v, err := o.Back()
	if err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	if v.State != models.StateInput || v.Request != validInput() {
		t.Errorf("expected input state with kept request, got %s %+v", v.State, v.Request)
	}
	if _, err := o.Back(); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("Back outside error: expected ErrInvalidAction, got %v", err)
	}
}

func TestRefine_StopsAtCap(t *testing.T) {
	f := newFixture(t, 5)
	o := f.mount(t)
	mustSetInput(t, o, validInput())
	if _, err := o.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	wantScores := []int{80, 85, 88, 90}
	for i, want := range wantScores {
		v, err := o.Refine(context.Background())
		if err != nil {
			t.Fatalf("Refine %d failed: %v", i+1, err)
		}
		if v.Result.Score != want || v.Result.ImprovementCount != i+1 || len(v.Result.KeyImprovements) != i+1 {
			t.Fatalf("pass %d: unexpected result %+v", i+1, v.Result)
		}
	}

	v := o.View()
	if v.Actions.CanRefine {
		t.Error("refine should be disabled at the cap")
	}
	v, err := o.Refine(context.Background())
	if err != nil {
		t.Fatalf("Refine at cap should be a no-op, got %v", err)
	}
	if v.State != models.StateResults || v.Result.Score != 90 || v.Result.ImprovementCount != 4 {
		t.Errorf("result changed at cap: %s %+v", v.State, v.Result)
	}
	if n := f.tr.count("consume"); n != 1 {
		t.Errorf("refinement must not be charged, got %d consume calls", n)
	}

	history, err := f.store.ListAnalyses(testUser, 0)
	if err != nil {
		t.Fatalf("ListAnalyses failed: %v", err)
	}
	if len(history) != 1 || history[0].ImprovementCount != 4 {
		t.Errorf("expected history updated in place, got %+v", history)
	}
}

func TestRefine_FailureKeepsResult(t *testing.T) {
	f := newFixture(t, 5)
	f.deps.Refiner = refine.NewIterator(failingPass{})
	o := f.mount(t)
	mustSetInput(t, o, validInput())
	if _, err := o.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	v, err := o.Refine(context.Background())
	if !errors.Is(err, refine.ErrRefinementFailed) {
		t.Fatalf("expected ErrRefinementFailed, got %v", err)
	}
	if v.State != models.StateResults || v.Result.Score != 72 || v.Result.ImprovementCount != 0 {
		t.Errorf("result should be unchanged: %s %+v", v.State, v.Result)
	}
	if !v.HasNotice(NoticeRefinementFailed) || !v.Actions.CanRefine {
		t.Errorf("expected notice and refine still enabled: %+v %+v", v.Notices, v.Actions)
	}
}

func TestRefine_NotAvailableOutsideResults(t *testing.T) {
	f := newFixture(t, 5)
	o := f.mount(t)
	if _, err := o.Refine(context.Background()); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}

func TestReset_ClearsResult(t *testing.T) {
	f := newFixture(t, 5)
	o := f.mount(t)
	mustSetInput(t, o, validInput())
	if _, err := o.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	v, err := o.Reset()
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if v.State != models.StateInput || v.Result != nil || v.Request != (models.AnalysisRequest{}) {
		t.Errorf("expected clean input state, got %+v", v)
	}
}

func TestBusyWhileAnalyzing(t *testing.T) {
	f := newFixture(t, 5)
	f.analyzer.started = make(chan struct{}, 1)
	f.analyzer.release = make(chan struct{})
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background())
		done <- err
	}()
	<-f.analyzer.started

	if got := o.State(); got != models.StateAnalyzing {
		t.Errorf("expected %s, got %s", models.StateAnalyzing, got)
	}
	if _, err := o.Submit(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Submit: expected ErrBusy, got %v", err)
	}
	if _, err := o.SetInput(validInput()); !errors.Is(err, ErrBusy) {
		t.Errorf("SetInput: expected ErrBusy, got %v", err)
	}
	if _, err := o.Reset(); !errors.Is(err, ErrBusy) {
		t.Errorf("Reset: expected ErrBusy, got %v", err)
	}
	if _, err := o.CreateProject(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("CreateProject: expected ErrBusy, got %v", err)
	}

	close(f.analyzer.release)
	if err := <-done; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if n := f.analyzer.callCount(); n != 1 {
		t.Errorf("expected exactly one analysis call, got %d", n)
	}
}

func TestLateResultDiscardedAfterClose(t *testing.T) {
	f := newFixture(t, 5)
	f.analyzer.started = make(chan struct{}, 1)
	f.analyzer.release = make(chan struct{})
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background())
		done <- err
	}()
	<-f.analyzer.started
	o.Close()
	close(f.analyzer.release)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if n := f.tr.count("consume"); n != 0 {
		t.Errorf("discarded result must not be charged, got %d consume calls", n)
	}
	if history, _ := f.store.ListAnalyses(testUser, 0); len(history) != 0 {
		t.Errorf("discarded result must not be recorded, got %+v", history)
	}
	if o.View().Result != nil {
		t.Error("discarded result must not be shown")
	}
}

func TestAnalysisTimeout(t *testing.T) {
	f := newFixture(t, 5)
	o := f.mount(t, WithTimeout(20*time.Millisecond))
	mustSetInput(t, o, validInput())
	o.deps.Analyzer = analyzerFunc(func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
		<-ctx.Done()
		return models.AnalysisResult{}, analysis.Failed("analysis timed out", ctx.Err())
	})

	v, err := o.Submit(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if v.State != models.StateError || v.Error != "analysis timed out" {
		t.Errorf("expected timeout error state, got %s %q", v.State, v.Error)
	}
}

type analyzerFunc func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error)

func (f analyzerFunc) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	return f(ctx, req)
}

func TestCallerCancellationDoesNotAbortAnalysis(t *testing.T) {
	f := newFixture(t, 5)
	f.analyzer.started = make(chan struct{}, 1)
	f.analyzer.release = make(chan struct{})
	o := f.mount(t)
	mustSetInput(t, o, validInput())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(ctx)
		done <- err
	}()
	<-f.analyzer.started
	cancel()
	close(f.analyzer.release)

	if err := <-done; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := o.State(); got != models.StateResults {
		t.Errorf("expected results, got %s", got)
	}
}

type fakeLookup map[string]models.Project

func (l fakeLookup) GetProject(ctx context.Context, id string) (models.Project, error) {
	p, ok := l[id]
	if !ok {
		return models.Project{}, projects.ErrNotFound
	}
	return p, nil
}

func TestCreateProjectRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		projectID   string
		wantProject string
		wantCleared bool
	}{
		{"known project", "proj-7", "proj-7", false},
		{"deleted project", "proj-gone", "", true},
		{"no project", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5)
			f.deps.Projects = projects.NewResolver(fakeLookup{"proj-7": {ID: "proj-7", Name: "Spring launch"}}, projects.WithBaseDelay(time.Millisecond))
			reg := NewRegistry(f.deps, WithProjectCreateURL("/projects/new"))
			ctx := context.Background()

			o, err := reg.Open(ctx, testUser, "tab-1")
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			req := models.AnalysisRequest{AdCopyText: "Typed but not submitted", Platform: models.PlatformTikTok, ProjectID: tt.projectID}
			mustSetInput(t, o, req)

			redirect, err := o.CreateProject(ctx)
			if err != nil {
				t.Fatalf("CreateProject failed: %v", err)
			}
			if redirect != "/projects/new?returnTo=analysis" {
				t.Errorf("unexpected redirect %q", redirect)
			}
			if reg.Len() != 0 {
				t.Errorf("session should be closed, %d open", reg.Len())
			}
			if _, err := o.Submit(ctx); !errors.Is(err, ErrClosed) {
				t.Errorf("closed session: expected ErrClosed, got %v", err)
			}

			back, err := reg.Open(ctx, testUser, "tab-1")
			if err != nil {
				t.Fatalf("re-Open failed: %v", err)
			}
			v := back.View()
			want := req
			want.ProjectID = tt.wantProject
			if diff := cmp.Diff(want, v.Request); diff != "" {
				t.Errorf("restored request mismatch (-want +got):\n%s", diff)
			}
			if v.State != models.StateInput {
				t.Errorf("expected input state, got %s", v.State)
			}
			if got := v.HasNotice(NoticeProjectCleared); got != tt.wantCleared {
				t.Errorf("project cleared notice = %v, want %v", got, tt.wantCleared)
			}

			again, err := reg.Open(ctx, testUser, "tab-1")
			if err != nil {
				t.Fatalf("third Open failed: %v", err)
			}
			if got := again.View().Request; got != (models.AnalysisRequest{}) {
				t.Errorf("checkpoint must be single use, restored %+v", got)
			}
		})
	}
}

func TestCreateProjectCheckpointIsPerUser(t *testing.T) {
	f := newFixture(t, 5)
	reg := NewRegistry(f.deps)
	ctx := context.Background()

	alice, err := reg.Open(ctx, "alice", "shared-tab")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	req := models.AnalysisRequest{AdCopyText: "Alice secret launch copy text", Platform: models.PlatformFacebook}
	mustSetInput(t, alice, req)
	if _, err := alice.CreateProject(ctx); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	other, err := reg.Open(ctx, "mallory", "shared-tab")
	if err != nil {
		t.Fatalf("Open for second user failed: %v", err)
	}
	if got := other.View().Request; got != (models.AnalysisRequest{}) {
		t.Fatalf("second user restored another user's input: %+v", got)
	}

	back, err := reg.Open(ctx, "alice", "shared-tab")
	if err != nil {
		t.Fatalf("re-Open failed: %v", err)
	}
	if diff := cmp.Diff(req, back.View().Request); diff != "" {
		t.Errorf("owner's restored request mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateProjectOnlyFromInput(t *testing.T) {
	f := newFixture(t, 5)
	o := f.mount(t)
	mustSetInput(t, o, validInput())
	if _, err := o.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := o.CreateProject(context.Background()); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}

func TestMountWithoutCheckpointStartsEmpty(t *testing.T) {
	f := newFixture(t, 5)
	o := f.mount(t)
	v := o.View()
	if v.State != models.StateInput || v.Request != (models.AnalysisRequest{}) || len(v.Notices) != 0 {
		t.Errorf("unexpected initial view: %+v", v)
	}
	if !v.Actions.CanEdit || v.Actions.CanSubmit || !v.Actions.CanCreateProject {
		t.Errorf("unexpected initial actions: %+v", v.Actions)
	}
}

func TestMountRequiresDependencies(t *testing.T) {
	f := newFixture(t, 5)
	deps := f.deps
	deps.Ledger = nil
	if _, err := Mount(context.Background(), deps, "s", "c", testUser); err == nil || !strings.Contains(err.Error(), "ledger") {
		t.Errorf("expected ledger error, got %v", err)
	}
}
