// internal/probe/correlator.go
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/formcheck/internal/browser"
)

// Submitter is the slice of the page driver the correlator needs.
type Submitter interface {
	Click(ctx context.Context, selector string) error
	SubscribeResponses(buffer int) (<-chan browser.ObservedResponse, func())
}

// Correlation is what the correlator learned about one submit.
type Correlation struct {
	// Response is nil unless a matching response was observed.
	Response *browser.ObservedResponse
	// Dispatched is true once the click returned without error.
	Dispatched bool
}

// Correlator clicks submit and waits for the response to the form's action path.
type Correlator struct {
	timeout time.Duration
	buffer  int
	logger  *zap.Logger
}

// NewCorrelator creates a correlator that waits at most timeout for a match.
func NewCorrelator(timeout time.Duration, buffer int, logger *zap.Logger) *Correlator {
	return &Correlator{timeout: timeout, buffer: buffer, logger: logger.Named("correlator")}
}

var errSubscriptionClosed = errors.New("response subscription closed")

// Submit subscribes to responses, then clicks and waits concurrently. The
// subscription is in place before the click so a fast response cannot be
// missed. The first response whose path equals actionPath wins; anything
// after it is ignored.
func (c *Correlator) Submit(ctx context.Context, page Submitter, selector, actionPath string) (Correlation, error) {
	responses, unsubscribe := page.SubscribeResponses(c.buffer)
	defer unsubscribe()

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		dispatched atomic.Bool
		matched    *browser.ObservedResponse
	)

	g, gctx := errgroup.WithContext(waitCtx)

	// 1. Dispatch the click.
	g.Go(func() error {
		if err := page.Click(gctx, selector); err != nil {
			return fmt.Errorf("submit click failed: %w", err)
		}
		dispatched.Store(true)
		return nil
	})

	// 2. Wait for the matching response.
	g.Go(func() error {
		ignored := 0
		accept := func(resp browser.ObservedResponse) bool {
			// A CORS preflight to a cross-origin action shares its path.
			if strings.EqualFold(resp.Method, http.MethodOptions) || !MatchesActionPath(resp.URL, actionPath) {
				ignored++
				return false
			}
			c.logger.Debug("Correlated submission response.",
				zap.String("url", resp.URL),
				zap.Int("status", resp.Status),
				zap.Int("ignored", ignored))
			matched = &resp
			return true
		}
		for {
			select {
			case <-gctx.Done():
				// Responses already delivered still count.
				for {
					select {
					case resp, ok := <-responses:
						if !ok {
							return gctx.Err()
						}
						if accept(resp) {
							return nil
						}
					default:
						return gctx.Err()
					}
				}
			case resp, ok := <-responses:
				if !ok {
					return errSubscriptionClosed
				}
				if accept(resp) {
					return nil
				}
			}
		}
	})

	err := g.Wait()
	result := Correlation{Response: matched, Dispatched: dispatched.Load()}

	// A match is authoritative even if the click reported trouble afterwards.
	if matched != nil {
		if err != nil {
			c.logger.Debug("Ignoring click error after correlation.", zap.Error(err))
		}
		return result, nil
	}

	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) && waitCtx.Err() != nil:
		if !result.Dispatched {
			return result, classify(ErrSelectorTimeout, err)
		}
		return result, fmt.Errorf("%w: no response for %s within %s", ErrResponseTimeout, actionPath, c.timeout)
	case err != nil:
		return result, classify(ErrUnknown, err)
	default:
		return result, fmt.Errorf("%w: correlation ended without a response", ErrUnknown)
	}
}

// MatchesActionPath reports whether rawURL's path equals actionPath exactly.
// Scheme, host, query and fragment are ignored. URLs that do not parse, or
// that are not hierarchical (data:, blob: and the like), never match.
func MatchesActionPath(rawURL, actionPath string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Opaque != "" {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return p == normalizePath(actionPath)
}

// ResolveActionPath resolves a form's action attribute against the page URL
// and returns only the path. An empty action submits to the page itself.
func ResolveActionPath(pageURL, action string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid page URL %q: %w", pageURL, err)
	}
	ref, err := url.Parse(strings.TrimSpace(action))
	if err != nil {
		return "", fmt.Errorf("invalid form action %q: %w", action, err)
	}
	return normalizePath(base.ResolveReference(ref).Path), nil
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
