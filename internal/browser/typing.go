// internal/browser/typing.go
package browser

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// commonNgrams are typed faster than arbitrary key pairs.
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true,
}

// typist paces key events around a mean inter-key delay, so the fill time the
// page measures grows with the text the way it does for a person.
type typist struct {
	mean time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func newTypist(mean time.Duration, seed int64) *typist {
	return &typist{mean: mean, rng: rand.New(rand.NewSource(seed))}
}

// pause is the flight time before runes[i]. It never drops below half the
// (n-gram adjusted) mean.
func (t *typist) pause(runes []rune, i int) time.Duration {
	factor := ngramFactor(runes, i)
	mean := float64(t.mean) * factor
	stdDev := float64(t.mean) * 0.4
	minDelay := mean * 0.5

	t.mu.Lock()
	n := t.rng.NormFloat64()
	t.mu.Unlock()

	return time.Duration(math.Max(minDelay, n*stdDev+mean))
}

// ngramFactor shortens the pause when runes[i] completes a common trigram or digram.
func ngramFactor(runes []rune, i int) float64 {
	if i >= 2 && i < len(runes) && commonNgrams[strings.ToLower(string(runes[i-2:i+1]))] {
		return 0.55
	}
	if i >= 1 && i < len(runes) && commonNgrams[strings.ToLower(string(runes[i-1:i+1]))] {
		return 0.7
	}
	return 1.0
}

// typeAction sends value into selector one key at a time.
func (t *typist) typeAction(selector, value string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		runes := []rune(value)
		for i, r := range runes {
			if i > 0 {
				if err := chromedp.Sleep(t.pause(runes, i)).Do(ctx); err != nil {
					return err
				}
			}
			if err := chromedp.SendKeys(selector, string(r), chromedp.ByQuery).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
