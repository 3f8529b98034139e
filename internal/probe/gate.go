// internal/probe/gate.go
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/formcheck/internal/config"
)

// Evaluator is the slice of the page driver the token gate needs.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, res interface{}) error
}

// GateWaiter holds the attempt back until the token field is populated and
// the minimum fill duration has passed.
type GateWaiter struct {
	cfg    config.GatesConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewGateWaiter creates a gate waiter for the given gate settings.
func NewGateWaiter(cfg config.GatesConfig, logger *zap.Logger) *GateWaiter {
	return &GateWaiter{cfg: cfg, logger: logger.Named("gate"), now: time.Now}
}

// tokenLengthScript returns the token field's value length, 0 when the field is absent.
func tokenLengthScript(selector string) string {
	sel, _ := json.Marshal(selector)
	return fmt.Sprintf(`(function(sel) {
  const el = document.querySelector(sel);
  return el && typeof el.value === "string" ? el.value.length : 0;
})(%s)`, sel)
}

// AwaitToken polls the token field until its value is non-empty. It returns
// the last observed length, which is 0 on timeout when nothing was ever seen.
// Transient evaluation errors (the page may be busy) are retried until the deadline.
func (g *GateWaiter) AwaitToken(ctx context.Context, page Evaluator, selector string) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.TokenTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(g.cfg.TokenPollInterval), 1)
	script := tokenLengthScript(selector)
	lastLen := 0
	polls := 0

	for {
		if err := limiter.Wait(waitCtx); err != nil {
			// Wait fails early when the next poll would land past the deadline.
			<-waitCtx.Done()
			return lastLen, g.tokenTimeout(ctx, selector, polls)
		}
		polls++

		var n int
		if err := page.Evaluate(waitCtx, script, &n); err != nil {
			if waitCtx.Err() != nil {
				return lastLen, g.tokenTimeout(ctx, selector, polls)
			}
			g.logger.Debug("Token poll failed; retrying.", zap.Error(err))
			continue
		}
		lastLen = n
		if n > 0 {
			g.logger.Debug("Token populated.", zap.Int("token_len", n), zap.Int("polls", polls))
			return n, nil
		}
	}
}

// tokenTimeout distinguishes the gate's own deadline from the caller giving up.
func (g *GateWaiter) tokenTimeout(parent context.Context, selector string, polls int) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %q still empty after %s (%d polls)", ErrTokenTimeout, selector, g.cfg.TokenTimeout, polls)
}

// AwaitTiming enforces the minimum fill duration measured from fillStart and
// returns the elapsed fill time at release. In fixed mode the full minimum is
// slept regardless of time already spent; in remaining mode only what is left.
func (g *GateWaiter) AwaitTiming(ctx context.Context, fillStart time.Time) (time.Duration, error) {
	wait := g.cfg.MinFillDuration
	if g.cfg.TimingMode == config.TimingRemaining {
		wait -= g.now().Sub(fillStart)
	}

	if wait > 0 {
		g.logger.Debug("Holding submit for minimum fill time.", zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return g.now().Sub(fillStart), ctx.Err()
		case <-timer.C:
		}
	}
	return g.now().Sub(fillStart), nil
}

// Gate assembles the gate state for the record.
func (g *GateWaiter) Gate(tokenLen int, elapsed time.Duration) VerificationGate {
	return VerificationGate{TokenLen: tokenLen, FillElapsed: elapsed, MinFill: g.cfg.MinFillDuration}
}

// errGateClosed guards the invariant that submit never runs with a gate shut.
var errGateClosed = errors.New("verification gate still closed")
