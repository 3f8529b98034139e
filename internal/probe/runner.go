// internal/probe/runner.go
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formcheck/internal/browser"
	"github.com/xkilldash9x/formcheck/internal/config"
)

// Page is the page driver the runner works through.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	AwaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	SetValue(ctx context.Context, selector, value string) error
	SelectOption(ctx context.Context, selector, value string) error
	SetChecked(ctx context.Context, selector string) (bool, error)
	ReadAttribute(ctx context.Context, selector, name string) (string, bool, error)
	Evaluate(ctx context.Context, script string, res interface{}) error
	Click(ctx context.Context, selector string) error
	SubscribeResponses(buffer int) (<-chan browser.ObservedResponse, func())
	Diagnostics() browser.Diagnostics
	Close(ctx context.Context) error
}

var _ Page = (*browser.Session)(nil)

// Opener launches the browser and returns the page the attempt will own.
type Opener func(ctx context.Context) (Page, error)

// Notifier receives the finalized result of every attempt.
type Notifier interface {
	Notify(ctx context.Context, r Result) error
}

const (
	// diagnosticsTimeout bounds each read made while capturing failure context.
	diagnosticsTimeout = 3 * time.Second
	// closeTimeout bounds the browser teardown.
	closeTimeout = 10 * time.Second
)

// Runner executes exactly one attempt per Run call.
type Runner struct {
	cfg        *config.Config
	open       Opener
	notifier   Notifier
	policy     *Policy
	gates      *GateWaiter
	correlator *Correlator
	logger     *zap.Logger
	now        func() time.Time
}

// NewRunner wires a runner from configuration. The notifier may be nil.
func NewRunner(cfg *config.Config, open Opener, notifier Notifier, logger *zap.Logger) (*Runner, error) {
	if open == nil {
		return nil, errors.New("probe: an opener is required")
	}
	policy, err := NewPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	l := logger.Named("probe")
	return &Runner{
		cfg:        cfg,
		open:       open,
		notifier:   notifier,
		policy:     policy,
		gates:      NewGateWaiter(cfg.Gates, l),
		correlator: NewCorrelator(cfg.Submission.ResponseTimeout, cfg.Submission.ResponseBuffer, l),
		logger:     l,
		now:        time.Now,
	}, nil
}

// runState is the mutable scratch space of one attempt. It never escapes Run;
// the Result built from it is the only thing handed out.
type runState struct {
	attempt     *Attempt
	page        Page
	form        FormSession
	gate        VerificationGate
	tokenLen    int
	fillStart   time.Time
	submittedAt time.Time
	logger      *zap.Logger
}

// Run performs one attempt, notifies, and tears the browser down on every path.
func (r *Runner) Run(ctx context.Context) Result {
	st := &runState{
		attempt:  NewAttempt(r.now),
		tokenLen: -1,
		form: FormSession{
			BaseURL: r.cfg.Target.BaseURL,
			FormURL: r.cfg.Target.FormURL(),
			Fields:  append([]config.FieldConfig(nil), r.cfg.Form.Fields...),
		},
	}
	st.logger = r.logger.With(zap.String("attempt_id", st.attempt.ID))

	// Registered first so it runs last, after the notification went out.
	defer r.closePage(ctx, st)

	st.logger.Info("Starting form check.", zap.String("url", st.form.FormURL))

	result, err := r.execute(ctx, st)
	if err != nil {
		result = r.failure(ctx, st, err)
	}

	r.notify(ctx, st, result)
	return result
}

// execute walks the happy path. Any returned error is a *StageError; panics
// are converted so that the failure path still runs.
func (r *Runner) execute(ctx context.Context, st *runState) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			st.logger.Error("Attempt panicked.", zap.Any("panic", p))
			err = st.attempt.Fail(fmt.Errorf("%w: panic: %v", ErrUnknown, p))
		}
	}()

	steps := []struct {
		stage Stage
		run   func(context.Context, *runState) error
	}{
		{StageLaunching, r.launch},
		{StageNavigating, r.navigate},
		{StageAwaitingForm, r.awaitForm},
		{StageFormReady, r.fill},
		{StageTokenGate, r.awaitToken},
		{StageTimingGate, r.awaitTiming},
	}
	for _, step := range steps {
		if err := r.advance(st, step.stage); err != nil {
			return Result{}, err
		}
		if err := step.run(ctx, st); err != nil {
			return Result{}, st.attempt.Fail(err)
		}
	}

	if err := r.advance(st, StageSubmitting); err != nil {
		return Result{}, err
	}
	if !st.gate.Open() {
		return Result{}, st.attempt.Fail(fmt.Errorf("%w: %w (token=%d, elapsed=%s)",
			ErrUnknown, errGateClosed, st.gate.TokenLen, st.gate.FillElapsed))
	}
	return r.submit(ctx, st)
}

func (r *Runner) advance(st *runState, to Stage) error {
	if err := st.attempt.Advance(to); err != nil {
		return st.attempt.Fail(classify(ErrUnknown, err))
	}
	st.logger.Debug("Stage entered.", zap.Stringer("stage", to))
	return nil
}

// -- Stages --

func (r *Runner) launch(ctx context.Context, st *runState) error {
	page, err := r.open(ctx)
	if err != nil {
		return classify(ErrBrowserLaunch, err)
	}
	st.page = page
	return nil
}

func (r *Runner) navigate(ctx context.Context, st *runState) error {
	if err := st.page.Navigate(ctx, st.form.FormURL); err != nil {
		return classify(ErrNavigation, err)
	}
	return nil
}

// awaitForm waits for the form and resolves its action path from the live DOM.
func (r *Runner) awaitForm(ctx context.Context, st *runState) error {
	form := r.cfg.Form
	if err := st.page.AwaitVisible(ctx, form.FormSelector, 0); err != nil {
		return classify(ErrSelectorTimeout, err)
	}

	if form.ActionPath != "" {
		st.form.ActionPath = normalizePath(form.ActionPath)
	} else {
		action, _, err := st.page.ReadAttribute(ctx, form.FormSelector, form.ActionAttribute)
		if err != nil {
			return classify(ErrSelectorTimeout, err)
		}
		pageURL, err := st.page.Location(ctx)
		if err != nil {
			pageURL = st.form.FormURL
		}
		if st.form.ActionPath, err = ResolveActionPath(pageURL, action); err != nil {
			return classify(ErrUnknown, err)
		}
	}
	st.logger.Debug("Resolved form action path.", zap.String("action_path", st.form.ActionPath))
	return nil
}

// fill sets every configured field in order, ticks consent and clears the honeypot.
func (r *Runner) fill(ctx context.Context, st *runState) error {
	st.fillStart = r.now()
	for _, f := range r.cfg.Form.Fields {
		if err := st.page.AwaitVisible(ctx, f.Selector, 0); err != nil {
			return classify(ErrSelectorTimeout, err)
		}
		var err error
		switch f.Kind {
		case config.FieldSelect:
			err = st.page.SelectOption(ctx, f.Selector, f.Value)
		case config.FieldCheckbox:
			_, err = st.page.SetChecked(ctx, f.Selector)
		default:
			err = st.page.SetValue(ctx, f.Selector, f.Value)
		}
		if err != nil {
			return interactionError(err)
		}
	}

	if sel := r.cfg.Form.ConsentSelector; sel != "" {
		found, err := st.page.SetChecked(ctx, sel)
		if err != nil {
			return interactionError(err)
		}
		if !found {
			st.logger.Debug("No consent checkbox on page.", zap.String("selector", sel))
		}
	}

	if sel := r.cfg.Form.HoneypotSelector; sel != "" {
		var present bool
		if err := st.page.Evaluate(ctx, clearHoneypotScript(sel), &present); err != nil {
			return interactionError(err)
		}
		st.form.HoneypotPresent = present
	}
	return nil
}

func (r *Runner) awaitToken(ctx context.Context, st *runState) error {
	n, err := r.gates.AwaitToken(ctx, st.page, r.cfg.Form.TokenSelector)
	st.tokenLen = n
	if err != nil {
		return classify(ErrUnknown, err)
	}
	return nil
}

func (r *Runner) awaitTiming(ctx context.Context, st *runState) error {
	elapsed, err := r.gates.AwaitTiming(ctx, st.fillStart)
	st.gate = r.gates.Gate(st.tokenLen, elapsed)
	if err != nil {
		return classify(ErrUnknown, err)
	}
	return nil
}

// submit runs the correlator and classifies what it observed.
func (r *Runner) submit(ctx context.Context, st *runState) (Result, error) {
	st.submittedAt = r.now()
	corr, err := r.correlator.Submit(ctx, st.page, r.cfg.Form.SubmitSelector, st.form.ActionPath)
	if corr.Dispatched {
		if advErr := r.advance(st, StageResponseAwaited); advErr != nil {
			return Result{}, advErr
		}
	}
	if err != nil {
		return Result{}, st.attempt.Fail(err)
	}
	if err := r.advance(st, StageClassified); err != nil {
		return Result{}, err
	}

	resp := corr.Response
	verdict := r.policy.Classify(resp.Status, resp.Location)
	result := r.finalize(st, verdict)
	result.Status = resp.Status
	result.Location = resp.Location
	if verdict == VerdictFailed {
		result.Err = fmt.Errorf("%w: HTTP %d", ErrSubmissionFailure, resp.Status)
		result.Kind = KindOf(result.Err)
		result.Message = result.Err.Error()
	}

	st.logger.Info("Submission classified.",
		zap.String("verdict", string(verdict)),
		zap.Int("status", resp.Status),
		zap.String("location", resp.Location))
	return result, nil
}

// -- Finalization --

func (r *Runner) finalize(st *runState, verdict Verdict) Result {
	return Result{
		AttemptID:   st.attempt.ID,
		Verdict:     verdict,
		StartedAt:   st.attempt.StartedAt,
		SubmittedAt: st.submittedAt,
		FinishedAt:  r.now(),
		Form:        st.form,
		Gate:        st.gate,
	}
}

// failure captures diagnostics and builds the ERROR result.
func (r *Runner) failure(ctx context.Context, st *runState, err error) Result {
	se := st.attempt.Fail(err)

	result := r.finalize(st, VerdictError)
	result.Stage = se.Stage.String()
	result.Kind = se.Kind()
	result.Message = se.Err.Error()
	result.Err = se
	result.Diagnostics = r.captureDiagnostics(ctx, st)

	st.logger.Error("Form check failed.",
		zap.String("stage", result.Stage),
		zap.String("kind", result.Kind),
		zap.String("page_url", result.Diagnostics.PageURL),
		zap.Int("token_len", result.Diagnostics.TokenLen),
		zap.Strings("failed_requests", result.Diagnostics.FailedRequests),
		zap.Strings("console_messages", result.Diagnostics.ConsoleMessages),
		zap.Error(se.Err))
	return result
}

// captureDiagnostics reads what it can from the page. Each read is bounded
// and failures only leave the corresponding field empty.
func (r *Runner) captureDiagnostics(ctx context.Context, st *runState) Diagnostics {
	diag := Diagnostics{TokenLen: st.tokenLen}
	if st.page == nil {
		return diag
	}

	base := context.WithoutCancel(ctx)

	locCtx, cancel := context.WithTimeout(base, diagnosticsTimeout)
	if loc, err := st.page.Location(locCtx); err == nil {
		diag.PageURL = loc
	}
	cancel()

	if diag.TokenLen < 0 && r.cfg.Form.TokenSelector != "" {
		tokCtx, cancel := context.WithTimeout(base, diagnosticsTimeout)
		var n int
		if err := st.page.Evaluate(tokCtx, tokenLengthScript(r.cfg.Form.TokenSelector), &n); err == nil {
			diag.TokenLen = n
		}
		cancel()
	}

	browserDiag := st.page.Diagnostics()
	diag.FailedRequests = browserDiag.FailedRequests
	diag.ConsoleMessages = browserDiag.ConsoleMessages
	return diag
}

// notify hands the result to the notifier. Notification errors are logged and
// never change the verdict.
func (r *Runner) notify(ctx context.Context, st *runState, result Result) {
	if err := r.advance(st, StageNotifying); err != nil {
		st.logger.Warn("Unexpected stage before notify.", zap.Error(err))
	}
	if r.notifier != nil {
		if err := r.notifier.Notify(context.WithoutCancel(ctx), result); err != nil {
			st.logger.Warn("One or more notification sinks failed.", zap.Error(err))
		}
	}
	if err := st.attempt.Advance(StageDone); err != nil {
		st.logger.Debug("Attempt not closed cleanly.", zap.Error(err))
	}
}

func (r *Runner) closePage(ctx context.Context, st *runState) {
	if st.page == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := st.page.Close(closeCtx); err != nil {
		st.logger.Warn("Failed to close browser session.", zap.Error(err))
	}
}

// -- Helpers --

// interactionError classifies a failure while touching an already visible element.
func interactionError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return classify(ErrSelectorTimeout, err)
	}
	return classify(ErrUnknown, err)
}

// clearHoneypotScript empties the honeypot and reports whether it exists.
func clearHoneypotScript(selector string) string {
	sel, _ := json.Marshal(selector)
	return fmt.Sprintf(`(function(sel) {
  const el = document.querySelector(sel);
  if (!el) return false;
  el.value = "";
  return true;
})(%s)`, sel)
}
