// internal/probe/helpers_test.go
package probe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/formcheck/internal/browser"
	"github.com/xkilldash9x/formcheck/internal/config"
)

const testBaseURL = "https://www.example.com"

// fakePage is a scripted stand-in for the browser session.
type fakePage struct {
	mu sync.Mutex

	// tokenAfter is the number of polls before the token appears; negative means never.
	tokenAfter int
	tokenLen   int
	tokenPolls int
	evalErrs   int

	navErr     error
	visibleErr map[string]error
	setErr     error
	action     string
	location   string
	honeypot   bool
	diag       browser.Diagnostics

	// responses are published, in order, when submit is clicked.
	responses  []browser.ObservedResponse
	clickErr   error
	clickDelay time.Duration

	subs   []chan browser.ObservedResponse
	calls  []string
	clicks int
	closes int
}

func newFakePage() *fakePage {
	return &fakePage{
		tokenLen:   32,
		action:     "/api/send",
		location:   testBaseURL + "/contacts.html",
		visibleErr: map[string]error{},
	}
}

func (p *fakePage) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate " + url)
	return p.navErr
}

func (p *fakePage) Location(ctx context.Context) (string, error) {
	return p.location, nil
}

func (p *fakePage) AwaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p.record("visible " + selector)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibleErr[selector]
}

func (p *fakePage) SetValue(ctx context.Context, selector, value string) error {
	p.record("set " + selector + "=" + value)
	return p.setErr
}

func (p *fakePage) SelectOption(ctx context.Context, selector, value string) error {
	p.record("select " + selector + "=" + value)
	return nil
}

func (p *fakePage) SetChecked(ctx context.Context, selector string) (bool, error) {
	p.record("check " + selector)
	return true, nil
}

func (p *fakePage) ReadAttribute(ctx context.Context, selector, name string) (string, bool, error) {
	return p.action, p.action != "", nil
}

func (p *fakePage) Evaluate(ctx context.Context, script string, res interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.Contains(script, "el.value.length"):
		p.tokenPolls++
		if p.evalErrs > 0 {
			p.evalErrs--
			return errors.New("execution context was destroyed")
		}
		n := 0
		if p.tokenAfter >= 0 && p.tokenPolls > p.tokenAfter {
			n = p.tokenLen
		}
		*(res.(*int)) = n
		return nil
	case strings.Contains(script, `el.value = ""`):
		*(res.(*bool)) = p.honeypot
		return nil
	}
	return errors.New("unexpected script")
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.record("click " + selector)
	if p.clickDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.clickDelay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks++
	for _, r := range p.responses {
		for _, ch := range p.subs {
			select {
			case ch <- r:
			default:
			}
		}
	}
	return p.clickErr
}

func (p *fakePage) SubscribeResponses(buffer int) (<-chan browser.ObservedResponse, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan browser.ObservedResponse, buffer)
	p.subs = append(p.subs, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, c := range p.subs {
				if c == ch {
					p.subs = append(p.subs[:i], p.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

func (p *fakePage) Diagnostics() browser.Diagnostics {
	return p.diag
}

func (p *fakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePage) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePage) Clicks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicks
}

// observed builds a response as the harvester would publish it.
func observed(path string, status int, location string) browser.ObservedResponse {
	return browser.ObservedResponse{
		RequestID: path,
		Method:    "POST",
		URL:       testBaseURL + path,
		Status:    status,
		Location:  location,
		At:        time.Now(),
	}
}

// newTestConfig returns the default configuration with every wait shrunk.
func newTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Target.BaseURL = testBaseURL
	cfg.Gates.TokenTimeout = 200 * time.Millisecond
	cfg.Gates.TokenPollInterval = 5 * time.Millisecond
	cfg.Gates.MinFillDuration = 20 * time.Millisecond
	cfg.Submission.ResponseTimeout = 150 * time.Millisecond
	cfg.Browser.SelectorTimeout = 100 * time.Millisecond
	return cfg
}

// recordingNotifier keeps every result it is handed.
type recordingNotifier struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (n *recordingNotifier) Notify(ctx context.Context, r Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
	return n.err
}

func (n *recordingNotifier) Results() []Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Result(nil), n.results...)
}
