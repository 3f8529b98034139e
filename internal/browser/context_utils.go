// internal/browser/context_utils.go
package browser

import "context"

// CombineContext creates a new context derived from ctx1 (the session context)
// that is canceled when either ctx1 or ctx2 (the operational context) is done.
// Values come from ctx1 only, which is where chromedp keeps the tab it drives,
// while the deadline the caller cares about usually lives on ctx2.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
