// internal/probe/runner_test.go
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/formcheck/internal/browser"
	"github.com/xkilldash9x/formcheck/internal/config"
)

// runOnce executes a single attempt against page and returns the result the
// notifier saw alongside the one Run returned.
func runOnce(t *testing.T, cfg *config.Config, page *fakePage) (Result, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	runner, err := NewRunner(cfg, func(ctx context.Context) (Page, error) {
		return page, nil
	}, notifier, zaptest.NewLogger(t))
	require.NoError(t, err)

	result := runner.Run(context.Background())
	require.Len(t, notifier.Results(), 1, "exactly one notification per attempt")
	assert.Equal(t, result.AttemptID, notifier.Results()[0].AttemptID)
	assert.Equal(t, 1, page.Closes(), "the browser is closed on every path")
	return result, notifier
}

func TestRunner_Scenarios(t *testing.T) {
	defer goleak.VerifyNone(t)

	noise := observed("/analytics/collect", 204, "")

	t.Run("A_DirectSuccess", func(t *testing.T) {
		page := newFakePage()
		page.responses = []browser.ObservedResponse{noise, observed("/api/send", 200, "")}

		r, _ := runOnce(t, newTestConfig(), page)
		assert.Equal(t, VerdictSuccess, r.Verdict)
		assert.Equal(t, 200, r.Status)
		assert.True(t, r.HasResponse())
		assert.Empty(t, r.Stage)
		assert.Empty(t, r.Kind)
		assert.NoError(t, r.Err)
		assert.Equal(t, "/api/send", r.Form.ActionPath)
		assert.Equal(t, testBaseURL+"/contacts.html", r.Form.FormURL)

		assert.True(t, r.Gate.Open(), "submit only happens with both gates open")
		assert.GreaterOrEqual(t, r.Gate.FillElapsed, r.Gate.MinFill)
		assert.False(t, r.SubmittedAt.IsZero())
		assert.False(t, r.SubmittedAt.Before(r.StartedAt))
		assert.False(t, r.FinishedAt.Before(r.SubmittedAt))
	})

	t.Run("B_ThankYouRedirect", func(t *testing.T) {
		page := newFakePage()
		page.responses = []browser.ObservedResponse{observed("/api/send", 302, "/thank-you-page.html")}

		r, _ := runOnce(t, newTestConfig(), page)
		assert.Equal(t, VerdictSuccess, r.Verdict)
		assert.Equal(t, 302, r.Status)
		assert.Equal(t, "/thank-you-page.html", r.Location)
	})

	t.Run("C_SpamRedirect", func(t *testing.T) {
		page := newFakePage()
		page.responses = []browser.ObservedResponse{observed("/api/send", 302, "/contacts.html?error=spam")}

		r, _ := runOnce(t, newTestConfig(), page)
		assert.Equal(t, VerdictFailed, r.Verdict)
		assert.Equal(t, 302, r.Status)
		assert.Equal(t, "/contacts.html?error=spam", r.Location)
		assert.Equal(t, "SubmissionFailure", r.Kind)
		assert.ErrorIs(t, r.Err, ErrSubmissionFailure)
		assert.Empty(t, r.Stage)
	})

	t.Run("D_TokenNeverPopulated", func(t *testing.T) {
		page := newFakePage()
		page.tokenAfter = -1
		page.diag = browser.Diagnostics{
			FailedRequests:  []string{"GET https://challenges.example.net/api.js -> net::ERR_BLOCKED_BY_CLIENT"},
			ConsoleMessages: []string{"[error] widget failed"},
		}

		r, _ := runOnce(t, newTestConfig(), page)
		assert.Equal(t, VerdictError, r.Verdict)
		assert.Equal(t, "wait token", r.Stage)
		assert.Equal(t, "TokenTimeoutError", r.Kind)
		assert.Equal(t, 0, r.Diagnostics.TokenLen)
		assert.Equal(t, page.location, r.Diagnostics.PageURL)
		assert.Equal(t, page.diag.FailedRequests, r.Diagnostics.FailedRequests)
		assert.Equal(t, page.diag.ConsoleMessages, r.Diagnostics.ConsoleMessages)
		assert.False(t, r.HasResponse())
		assert.Zero(t, page.Clicks(), "submit must not be clicked with the token gate shut")
	})

	t.Run("E_NoCorrelatedResponse", func(t *testing.T) {
		page := newFakePage()
		page.responses = []browser.ObservedResponse{noise, observed("/api/other", 200, "")}

		r, _ := runOnce(t, newTestConfig(), page)
		assert.Equal(t, VerdictError, r.Verdict)
		assert.Equal(t, "wait submission response", r.Stage)
		assert.Equal(t, "ResponseTimeoutError", r.Kind)
		assert.Equal(t, 32, r.Diagnostics.TokenLen)
		assert.Zero(t, r.Status)
	})
}

func TestRunner_StageAttribution(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name      string
		setup     func(cfg *config.Config, p *fakePage)
		wantStage string
		wantKind  string
	}{
		{
			name:      "Navigation",
			setup:     func(_ *config.Config, p *fakePage) { p.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED") },
			wantStage: "navigate",
			wantKind:  "NavigationError",
		},
		{
			name: "FormMissing",
			setup: func(cfg *config.Config, p *fakePage) {
				p.visibleErr[cfg.Form.FormSelector] = context.DeadlineExceeded
			},
			wantStage: "wait form",
			wantKind:  "SelectorTimeoutError",
		},
		{
			name: "FieldMissing",
			setup: func(cfg *config.Config, p *fakePage) {
				p.visibleErr[cfg.Form.Fields[2].Selector] = context.DeadlineExceeded
			},
			wantStage: "fill form",
			wantKind:  "SelectorTimeoutError",
		},
		{
			name:      "TypingFails",
			setup:     func(_ *config.Config, p *fakePage) { p.setErr = errors.New("node detached") },
			wantStage: "fill form",
			wantKind:  "UnknownError",
		},
		{
			name:      "SubmitButtonStuck",
			setup:     func(_ *config.Config, p *fakePage) { p.clickDelay = time.Hour },
			wantStage: "submit",
			wantKind:  "SelectorTimeoutError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			page := newFakePage()
			tt.setup(cfg, page)

			r, _ := runOnce(t, cfg, page)
			assert.Equal(t, VerdictError, r.Verdict)
			assert.Equal(t, tt.wantStage, r.Stage)
			assert.Equal(t, tt.wantKind, r.Kind)
			assert.NotEmpty(t, r.Message)
		})
	}
}

func TestRunner_LaunchFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	runner, err := NewRunner(newTestConfig(), func(ctx context.Context) (Page, error) {
		return nil, fmt.Errorf("%w: exec: no chrome", browser.ErrBrowserNotFound)
	}, notifier, zaptest.NewLogger(t))
	require.NoError(t, err)

	r := runner.Run(context.Background())
	assert.Equal(t, VerdictError, r.Verdict)
	assert.Equal(t, "launch browser", r.Stage)
	assert.Equal(t, "LaunchError", r.Kind)
	assert.ErrorIs(t, r.Err, browser.ErrBrowserNotFound)
	assert.Equal(t, -1, r.Diagnostics.TokenLen, "nothing could be read without a page")
	require.Len(t, notifier.Results(), 1)
}

func TestRunner_FillsConfiguredFieldsInOrder(t *testing.T) {
	cfg := newTestConfig()
	cfg.Form.HoneypotSelector = "#website"
	cfg.Form.ActionPath = "/override"
	page := newFakePage()
	page.honeypot = true
	page.responses = []browser.ObservedResponse{observed("/override", 201, "")}

	r, _ := runOnce(t, cfg, page)
	require.Equal(t, VerdictSuccess, r.Verdict)
	assert.True(t, r.Form.HoneypotPresent)
	assert.Equal(t, "/override", r.Form.ActionPath)

	var actions []string
	for _, c := range page.Calls() {
		if strings.HasPrefix(c, "visible ") || strings.HasPrefix(c, "navigate ") {
			continue
		}
		actions = append(actions, c)
	}
	var want []string
	for _, f := range cfg.Form.Fields {
		if f.Kind == config.FieldSelect {
			want = append(want, "select "+f.Selector+"="+f.Value)
		} else {
			want = append(want, "set "+f.Selector+"="+f.Value)
		}
	}
	want = append(want, "check #consent", "click #submitButton")
	assert.Equal(t, want, actions)
}

func TestRunner_NotifierErrorDoesNotChangeVerdict(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	page := newFakePage()
	page.responses = []browser.ObservedResponse{observed("/api/send", 200, "")}
	notifier := &recordingNotifier{err: errors.New("smtp: connection refused")}

	runner, err := NewRunner(newTestConfig(), func(ctx context.Context) (Page, error) {
		return page, nil
	}, notifier, zap.New(core))
	require.NoError(t, err)

	r := runner.Run(context.Background())
	assert.Equal(t, VerdictSuccess, r.Verdict)
	assert.Equal(t, 1, page.Closes())
	assert.Equal(t, 1, logs.FilterMessage("One or more notification sinks failed.").Len())
}

func TestRunner_ErrorLogCarriesDiagnostics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	page := newFakePage()
	page.tokenAfter = -1
	page.diag = browser.Diagnostics{
		FailedRequests:  []string{"GET https://challenges.example.net/api.js -> net::ERR_BLOCKED_BY_CLIENT"},
		ConsoleMessages: []string{"[error] widget failed to load"},
	}

	runner, err := NewRunner(newTestConfig(), func(ctx context.Context) (Page, error) {
		return page, nil
	}, &recordingNotifier{}, zap.New(core))
	require.NoError(t, err)

	r := runner.Run(context.Background())
	require.Equal(t, VerdictError, r.Verdict)

	entries := logs.FilterMessage("Form check failed.").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "wait token", fields["stage"])
	assert.Equal(t, []interface{}{"GET https://challenges.example.net/api.js -> net::ERR_BLOCKED_BY_CLIENT"}, fields["failed_requests"])
	assert.Equal(t, []interface{}{"[error] widget failed to load"}, fields["console_messages"])
}

func TestRunner_PanicBecomesError(t *testing.T) {
	runner, err := NewRunner(newTestConfig(), func(ctx context.Context) (Page, error) {
		panic("allocator exploded")
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	r := runner.Run(context.Background())
	assert.Equal(t, VerdictError, r.Verdict)
	assert.Equal(t, "launch browser", r.Stage)
	assert.Equal(t, "UnknownError", r.Kind)
	assert.Contains(t, r.Message, "allocator exploded")
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(newTestConfig(), nil, nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg := newTestConfig()
	cfg.Policy.ThankYouPatterns = []string{"["}
	_, err = NewRunner(cfg, func(ctx context.Context) (Page, error) { return nil, nil }, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}
