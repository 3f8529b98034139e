// internal/browser/session.go
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formcheck/internal/browser/stealth"
	"github.com/xkilldash9x/formcheck/internal/config"
)

// ErrLaunchTimeout is returned when the browser does not come up within browser.launch_timeout.
var ErrLaunchTimeout = errors.New("browser did not start in time")

// ErrNoSuchOption is returned by SelectOption when the select element has no matching option.
var ErrNoSuchOption = errors.New("select option not available")

// Session owns one browser process and the single tab the probe drives.
type Session struct {
	id     string
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel context.CancelFunc
	// ctx is the tab context; every chromedp call is derived from it.
	ctx    context.Context
	cancel context.CancelFunc

	harvester *Harvester
	// typist is nil when values are typed in one burst.
	typist *typist

	mu     sync.Mutex
	closed bool
}

// NewSession launches the browser, opens a tab, applies the stealth persona
// and starts the harvester. Launch is bounded by cfg.LaunchTimeout; on any
// failure the partially started browser is torn down before returning.
func NewSession(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	id := uuid.New().String()
	l := logger.Named("browser").With(zap.String("session_id", id[:8]))

	execPath, err := ResolveExecPath(cfg)
	if err != nil {
		return nil, err
	}
	l.Debug("Launching browser.", zap.String("exec_path", execPath), zap.Bool("headless", cfg.Headless))

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, AllocatorOptions(cfg, execPath)...)
	sugar := l.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	s := &Session{
		id:          id,
		cfg:         cfg,
		logger:      l,
		allocCancel: allocCancel,
		ctx:         tabCtx,
		cancel:      tabCancel,
		harvester:   NewHarvester(l, cfg.DiagnosticsCapacity, cfg.NetworkIdleMaxInflight),
	}
	if cfg.KeyDelay > 0 {
		s.typist = newTypist(cfg.KeyDelay, time.Now().UnixNano())
	}

	// Registered before the first Run so no event from the first page is missed.
	s.harvester.Listen(tabCtx)

	if err := s.start(); err != nil {
		s.teardown()
		return nil, err
	}

	l.Info("Browser session started.")
	return s, nil
}

// start runs the first action on the tab, which is what actually allocates
// the browser. That Run must not carry a deadline of its own (the browser
// would die with it), so the launch timeout is enforced from outside.
func (s *Session) start() error {
	tasks := chromedp.Tasks{
		network.Enable(),
		log.Enable(),
	}
	if s.cfg.Stealth.Enabled {
		tasks = append(tasks, stealth.Apply(stealth.FromConfig(s.cfg.Stealth), s.logger))
	}

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(s.ctx, tasks)
	}()

	timeout := s.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to start browser: %w", err)
		}
		return nil
	case <-timer.C:
		s.cancel()
		<-done
		return fmt.Errorf("%w after %s", ErrLaunchTimeout, timeout)
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// opContext combines the tab context with the caller's, optionally adding a timeout.
func (s *Session) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	combined, cancelCombined := CombineContext(s.ctx, ctx)
	if timeout <= 0 {
		return combined, cancelCombined
	}
	timed, cancelTimed := context.WithTimeout(combined, timeout)
	return timed, func() {
		cancelTimed()
		cancelCombined()
	}
}

// -- Navigation --

// Navigate loads url and waits until the body is ready and the network has
// settled (no more than the configured number of requests in flight for a
// quiet period). The whole operation is bounded by browser.navigation_timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := s.opContext(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	s.logger.Debug("Navigating.", zap.String("url", url))
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	if err := s.harvester.WaitNetworkIdle(runCtx, s.cfg.NetworkIdleQuiet); err != nil {
		return fmt.Errorf("network did not settle after loading %s: %w", url, err)
	}
	return nil
}

// Location returns the URL of the current page.
func (s *Session) Location(ctx context.Context) (string, error) {
	runCtx, cancel := s.opContext(ctx, s.cfg.SelectorTimeout)
	defer cancel()

	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read page location: %w", err)
	}
	return loc, nil
}

// -- Element Access --

// AwaitVisible blocks until an element matching selector is visible. A
// non-positive timeout means browser.selector_timeout.
func (s *Session) AwaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.SelectorTimeout
	}
	runCtx, cancel := s.opContext(ctx, timeout)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element %q not visible within %s: %w", selector, timeout, err)
	}
	return nil
}

// SetValue clears the field and types value through real key events, so the
// page's input listeners fire the same way they would for a person. With
// browser.key_delay set the keys are paced, and the typing counts against
// browser.selector_timeout.
func (s *Session) SetValue(ctx context.Context, selector, value string) error {
	runCtx, cancel := s.opContext(ctx, s.cfg.SelectorTimeout)
	defer cancel()

	var typing chromedp.Action = chromedp.SendKeys(selector, value, chromedp.ByQuery)
	if s.typist != nil {
		typing = s.typist.typeAction(selector, value)
	}
	if err := chromedp.Run(runCtx,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		typing,
	); err != nil {
		return fmt.Errorf("failed to type into %q: %w", selector, err)
	}
	return nil
}

// SelectOption picks the option whose value (or, failing that, visible text)
// equals value and dispatches input and change events.
func (s *Session) SelectOption(ctx context.Context, selector, value string) error {
	script, err := bindScript(selectOptionScript, selector, value)
	if err != nil {
		return err
	}

	var outcome string
	if err := s.Evaluate(ctx, script, &outcome); err != nil {
		return fmt.Errorf("failed to select %q in %q: %w", value, selector, err)
	}
	switch outcome {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("select %q not found", selector)
	default:
		return fmt.Errorf("%w: %q in %q", ErrNoSuchOption, value, selector)
	}
}

// SetChecked ticks a checkbox. It reports false, without error, when no element matches.
func (s *Session) SetChecked(ctx context.Context, selector string) (bool, error) {
	script, err := bindScript(setCheckedScript, selector)
	if err != nil {
		return false, err
	}
	var found bool
	if err := s.Evaluate(ctx, script, &found); err != nil {
		return false, fmt.Errorf("failed to check %q: %w", selector, err)
	}
	return found, nil
}

// ReadAttribute reads an attribute of the first element matching selector.
// The boolean is false when the element exists but lacks the attribute.
func (s *Session) ReadAttribute(ctx context.Context, selector, name string) (string, bool, error) {
	runCtx, cancel := s.opContext(ctx, s.cfg.SelectorTimeout)
	defer cancel()

	var (
		value string
		ok    bool
	)
	if err := chromedp.Run(runCtx, chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery)); err != nil {
		return "", false, fmt.Errorf("failed to read %s of %q: %w", name, selector, err)
	}
	return value, ok, nil
}

// Evaluate runs script in the page and decodes its result into res. A nil res
// discards the result; the script must still produce a value, not undefined.
func (s *Session) Evaluate(ctx context.Context, script string, res interface{}) error {
	runCtx, cancel := s.opContext(ctx, s.cfg.SelectorTimeout)
	defer cancel()

	if res == nil {
		var discard interface{}
		res = &discard
	}
	return chromedp.Run(runCtx, chromedp.Evaluate(script, res))
}

// Click clicks the first element matching selector. It is bounded by ctx only.
func (s *Session) Click(ctx context.Context, selector string) error {
	runCtx, cancel := s.opContext(ctx, 0)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

// -- Network Observation --

// SubscribeResponses streams every response the tab observes from now on.
// Call the returned function to stop.
func (s *Session) SubscribeResponses(buffer int) (<-chan ObservedResponse, func()) {
	return s.harvester.Subscribe(buffer)
}

// Diagnostics returns the recent console messages and failed requests.
func (s *Session) Diagnostics() Diagnostics {
	return s.harvester.Diagnostics()
}

// -- Teardown --

// Close closes the tab and terminates the browser process. It is idempotent
// and waits for the browser at most until ctx is done.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		// Cancel on the first tab closes the whole browser gracefully.
		done <- chromedp.Cancel(s.ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.teardown()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Browser did not shut down cleanly.", zap.Error(err))
		return fmt.Errorf("failed to close browser: %w", err)
	}
	s.logger.Debug("Browser session closed.")
	return nil
}

// teardown releases the contexts; canceling the allocator kills the process.
func (s *Session) teardown() {
	s.cancel()
	s.allocCancel()
}

// -- Page Scripts --

const selectOptionScript = `(function(sel, value) {
  const el = document.querySelector(sel);
  if (!el) return "missing";
  const opts = Array.from(el.options || []);
  const opt = opts.find(o => o.value === value) || opts.find(o => o.text.trim() === value);
  if (!opt) return "no-option";
  el.value = opt.value;
  el.dispatchEvent(new Event("input", { bubbles: true }));
  el.dispatchEvent(new Event("change", { bubbles: true }));
  return "ok";
})(%s, %s)`

const setCheckedScript = `(function(sel) {
  const el = document.querySelector(sel);
  if (!el) return false;
  if (!el.checked) {
    el.checked = true;
    el.dispatchEvent(new Event("change", { bubbles: true }));
  }
  return true;
})(%s)`

// bindScript fills the %s placeholders of a script template with JSON-encoded arguments.
func bindScript(template string, args ...string) (string, error) {
	encoded := make([]interface{}, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument: %w", err)
		}
		encoded[i] = string(b)
	}
	return fmt.Sprintf(template, encoded...), nil
}
