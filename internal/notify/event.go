// internal/notify/event.go
package notify

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/formcheck/internal/probe"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	glyphSuccess = "✅"
	glyphProblem = "❌"
)

// Event is a result rendered once for every sink.
type Event struct {
	Result probe.Result
	// Line is the single result line written to the console and the result log.
	Line string
	// Detail lists the failed requests and console messages of an ERROR, one
	// indented entry per line. It is empty for other verdicts.
	Detail  string
	Subject string
	// Body is the mail body: the line, then attempt details and diagnostics.
	Body string
}

// Problem reports whether the verdict is anything other than SUCCESS.
func (e Event) Problem() bool {
	return e.Result.Verdict != probe.VerdictSuccess
}

// NewEvent renders r. The prefix is prepended to the mail subject.
func NewEvent(r probe.Result, subjectPrefix string) Event {
	line := FormatLine(r)
	return Event{
		Result:  r,
		Line:    line,
		Detail:  formatDetail(r),
		Subject: formatSubject(r, subjectPrefix),
		Body:    formatBody(r, line),
	}
}

// FormatLine renders the one-line summary of r.
//
//	2024-05-01T12:00:00.000Z - ✅ SUCCESS HTTP 302 -> /thank-you-page.html
//	2024-05-01T12:00:00.000Z - ❌ ERROR stage="wait token" kind=TokenTimeoutError tokenLen=0 url=https://example.com/contacts.html: token timeout
func FormatLine(r probe.Result) string {
	var b strings.Builder
	b.WriteString(timestamp(r).UTC().Format(TimestampLayout))
	b.WriteString(" - ")

	switch r.Verdict {
	case probe.VerdictSuccess:
		b.WriteString(glyphSuccess + " SUCCESS")
	case probe.VerdictFailed:
		b.WriteString(glyphProblem + " FAILED")
	default:
		b.WriteString(glyphProblem + " ERROR")
	}

	if r.HasResponse() {
		fmt.Fprintf(&b, " HTTP %d", r.Status)
		if r.Location != "" {
			b.WriteString(" -> " + r.Location)
		}
	}

	if r.Verdict == probe.VerdictError {
		fmt.Fprintf(&b, " stage=%s kind=%s tokenLen=%d", strconv.Quote(r.Stage), r.Kind, r.Diagnostics.TokenLen)
		if r.Diagnostics.PageURL != "" {
			b.WriteString(" url=" + r.Diagnostics.PageURL)
		}
		if r.Message != "" {
			b.WriteString(": " + r.Message)
		}
	}
	return b.String()
}

// formatDetail renders the captured diagnostics of an ERROR for terminals and
// cron mail, where the mail sink may not be configured.
func formatDetail(r probe.Result) string {
	if r.Verdict != probe.VerdictError {
		return ""
	}
	var b strings.Builder
	for _, it := range r.Diagnostics.FailedRequests {
		b.WriteString("    failed request: " + it + "\n")
	}
	for _, it := range r.Diagnostics.ConsoleMessages {
		b.WriteString("    console: " + it + "\n")
	}
	return b.String()
}

func timestamp(r probe.Result) time.Time {
	if r.FinishedAt.IsZero() {
		return time.Now()
	}
	return r.FinishedAt
}

func formatSubject(r probe.Result, prefix string) string {
	host := r.Form.BaseURL
	if u, err := url.Parse(r.Form.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}

	parts := make([]string, 0, 4)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	glyph := glyphProblem
	if r.Verdict == probe.VerdictSuccess {
		glyph = glyphSuccess
	}
	parts = append(parts, glyph+" "+string(r.Verdict))
	if host != "" {
		parts = append(parts, host)
	}
	switch {
	case r.Verdict == probe.VerdictError && r.Stage != "":
		parts = append(parts, "("+r.Stage+")")
	case r.HasResponse():
		parts = append(parts, "(HTTP "+strconv.Itoa(r.Status)+")")
	}
	return strings.Join(parts, " ")
}

func formatBody(r probe.Result, line string) string {
	var b strings.Builder
	b.WriteString(line)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Attempt:     %s\n", r.AttemptID)
	fmt.Fprintf(&b, "Form:        %s\n", r.Form.FormURL)
	if r.Form.ActionPath != "" {
		fmt.Fprintf(&b, "Action path: %s\n", r.Form.ActionPath)
	}
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Duration:    %s\n", r.Duration().Round(time.Millisecond))
	}
	if r.Gate.MinFill > 0 {
		fmt.Fprintf(&b, "Fill time:   %s (minimum %s)\n", r.Gate.FillElapsed.Round(time.Millisecond), r.Gate.MinFill)
	}

	if r.Verdict != probe.VerdictError {
		return b.String()
	}

	d := r.Diagnostics
	b.WriteString("\nDiagnostics\n")
	fmt.Fprintf(&b, "Stage:        %s\n", r.Stage)
	fmt.Fprintf(&b, "Kind:         %s\n", r.Kind)
	fmt.Fprintf(&b, "Page URL:     %s\n", orNone(d.PageURL))
	fmt.Fprintf(&b, "Token length: %d\n", d.TokenLen)
	writeList(&b, "Failed requests", d.FailedRequests)
	writeList(&b, "Console messages", d.ConsoleMessages)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "\n%s (%d):\n", title, len(items))
	if len(items) == 0 {
		b.WriteString("  (none)\n")
		return
	}
	for _, it := range items {
		b.WriteString("  - " + it + "\n")
	}
}

func orNone(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}
