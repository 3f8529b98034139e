// internal/browser/harvester.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formcheck/internal/ringbuf"
)

const networkIdleCheckFrequency = 100 * time.Millisecond

// ObservedResponse is one HTTP response seen by the tab, including redirect
// hops. It carries only what correlation and classification need.
type ObservedResponse struct {
	RequestID string
	Method    string
	URL       string
	Status    int
	Location  string
	At        time.Time
}

// Diagnostics is a point-in-time copy of the session's bounded diagnostic buffers.
type Diagnostics struct {
	ConsoleMessages []string
	FailedRequests  []string
}

// requestInfo is what the harvester remembers about an in-flight request.
type requestInfo struct {
	method string
	url    string
}

// Harvester listens to browser network and console events. It tracks in-flight
// requests for idle detection, fans observed responses out to subscribers and
// keeps the most recent console messages and failed requests in ring buffers.
type Harvester struct {
	logger      *zap.Logger
	maxInflight int

	mu          sync.Mutex
	inflight    map[network.RequestID]requestInfo
	subscribers map[int]chan ObservedResponse
	nextSubID   int

	console *ringbuf.Buffer[string]
	failed  *ringbuf.Buffer[string]
}

// NewHarvester creates a harvester whose diagnostic buffers hold at most
// capacity entries each. The network counts as idle once no more than
// maxInflight requests are outstanding.
func NewHarvester(logger *zap.Logger, capacity, maxInflight int) *Harvester {
	if maxInflight < 0 {
		maxInflight = 0
	}
	return &Harvester{
		logger:      logger.Named("harvester"),
		maxInflight: maxInflight,
		inflight:    make(map[network.RequestID]requestInfo),
		subscribers: make(map[int]chan ObservedResponse),
		console:     ringbuf.New[string](capacity),
		failed:      ringbuf.New[string](capacity),
	}
}

// Listen attaches the harvester to the tab behind ctx. The listener lives as
// long as ctx. The network and log domains must be enabled separately.
func (h *Harvester) Listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, h.handleEvent)
}

// handleEvent is invoked on chromedp's event goroutine and must never block.
func (h *Harvester) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	// -- Network Events --
	case *network.EventRequestWillBeSent:
		h.handleRequestWillBeSent(e)
	case *network.EventResponseReceived:
		h.handleResponseReceived(e)
	case *network.EventLoadingFinished:
		h.finish(e.RequestID)
	case *network.EventLoadingFailed:
		h.handleLoadingFailed(e)

	// -- Console and Runtime Events --
	case *runtime.EventConsoleAPICalled:
		h.handleConsoleAPICalled(e)
	case *log.EventEntryAdded:
		h.handleLogEntryAdded(e)
	case *runtime.EventExceptionThrown:
		h.handleExceptionThrown(e)
	}
}

// Subscribe registers a response subscriber. Deliveries never block: when the
// channel is full the response is dropped for that subscriber. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (h *Harvester) Subscribe(buffer int) (<-chan ObservedResponse, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ObservedResponse, buffer)

	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Diagnostics returns copies of the console and failed-request buffers, oldest first.
func (h *Harvester) Diagnostics() Diagnostics {
	return Diagnostics{
		ConsoleMessages: h.console.Snapshot(),
		FailedRequests:  h.failed.Snapshot(),
	}
}

// Inflight reports the number of requests currently outstanding.
func (h *Harvester) Inflight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}

// WaitNetworkIdle blocks until at most maxInflight requests have been
// outstanding for a full quiet period.
func (h *Harvester) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	h.logger.Debug("Waiting for network to become idle.", zap.Int("max_inflight", h.maxInflight))

	// The timer only runs while the network is idle; it starts stopped.
	timer := time.NewTimer(quietPeriod)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()

	isIdle := false
	ticker := time.NewTicker(networkIdleCheckFrequency)
	defer ticker.Stop()

	check := func() {
		if h.Inflight() > h.maxInflight {
			if isIdle {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				isIdle = false
			}
			return
		}
		if !isIdle {
			timer.Reset(quietPeriod)
			isIdle = true
		}
	}
	check()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		case <-timer.C:
			h.logger.Debug("Network is idle.")
			return nil
		}
	}
}

// -- Network Handlers --

func (h *Harvester) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A redirect reuses the request ID; the hop's response only shows up here.
	if e.RedirectResponse != nil {
		prev := h.inflight[e.RequestID]
		h.publishLocked(observe(e.RequestID, prev.method, e.RedirectResponse))
	}
	h.inflight[e.RequestID] = requestInfo{method: e.Request.Method, url: e.Request.URL}
}

func (h *Harvester) handleResponseReceived(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	info := h.inflight[e.RequestID]
	resp := observe(e.RequestID, info.method, e.Response)
	if resp.Status >= 400 {
		h.failed.Push(fmt.Sprintf("%s %s -> HTTP %d", methodOrDash(info.method), resp.URL, resp.Status))
	}
	h.publishLocked(resp)
}

func (h *Harvester) handleLoadingFailed(e *network.EventLoadingFailed) {
	h.mu.Lock()
	info, ok := h.inflight[e.RequestID]
	delete(h.inflight, e.RequestID)
	h.mu.Unlock()

	if !ok {
		return
	}
	reason := e.ErrorText
	if e.BlockedReason != "" {
		reason = fmt.Sprintf("%s (blocked: %s)", reason, e.BlockedReason)
	}
	if e.Canceled {
		reason += " (canceled)"
	}
	h.failed.Push(fmt.Sprintf("%s %s -> %s", methodOrDash(info.method), info.url, reason))
}

func (h *Harvester) finish(id network.RequestID) {
	h.mu.Lock()
	delete(h.inflight, id)
	h.mu.Unlock()
}

// publishLocked fans a response out to every subscriber. Caller holds h.mu.
func (h *Harvester) publishLocked(resp ObservedResponse) {
	for id, ch := range h.subscribers {
		select {
		case ch <- resp:
		default:
			h.logger.Debug("Response subscriber is full; dropping event.",
				zap.Int("subscriber", id), zap.String("url", resp.URL))
		}
	}
}

// observe converts a CDP response into an ObservedResponse.
func observe(id network.RequestID, method string, r *network.Response) ObservedResponse {
	return ObservedResponse{
		RequestID: string(id),
		Method:    method,
		URL:       r.URL,
		Status:    int(r.Status),
		Location:  headerValue(r.Headers, "Location"),
		At:        time.Now(),
	}
}

// headerValue looks a header up case-insensitively; CDP preserves the server's casing.
func headerValue(headers network.Headers, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

func methodOrDash(m string) string {
	if m == "" {
		return "-"
	}
	return m
}

// -- Console and Log Handlers --

func (h *Harvester) handleConsoleAPICalled(e *runtime.EventConsoleAPICalled) {
	var text strings.Builder
	for i, arg := range e.Args {
		if arg == nil {
			continue
		}
		if i > 0 {
			text.WriteString(" ")
		}
		var val interface{}
		if arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil {
			text.WriteString(fmt.Sprintf("%v", val))
		} else if arg.Description != "" {
			text.WriteString(arg.Description)
		} else {
			text.WriteString(fmt.Sprintf("[%s]", arg.Type))
		}
	}
	h.console.Push(fmt.Sprintf("[%s] %s", e.Type, text.String()))
}

func (h *Harvester) handleLogEntryAdded(e *log.EventEntryAdded) {
	if e.Entry == nil {
		return
	}
	msg := fmt.Sprintf("[%s] %s", e.Entry.Level, e.Entry.Text)
	if e.Entry.URL != "" {
		msg += " (" + e.Entry.URL + ")"
	}
	h.console.Push(msg)
}

func (h *Harvester) handleExceptionThrown(e *runtime.EventExceptionThrown) {
	if e.ExceptionDetails == nil {
		return
	}
	text := e.ExceptionDetails.Text
	if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
		text = e.ExceptionDetails.Exception.Description
	}
	// Stack traces are long; the first line is enough to triage.
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	h.console.Push("[exception] " + text)
}
