// internal/notify/notifier.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formcheck/internal/config"
	"github.com/xkilldash9x/formcheck/internal/probe"
)

// Notifier fans a result out to every configured sink. Sinks run in order;
// a failing sink is logged and never stops the ones after it.
type Notifier struct {
	sinks         []Sink
	subjectPrefix string
	logger        *zap.Logger
}

var _ probe.Notifier = (*Notifier)(nil)

// Option customizes a Notifier.
type Option func(*options)

type options struct {
	stdout io.Writer
	extra  []Sink
}

// WithStdout redirects the console sink.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithSink appends a sink after the configured ones.
func WithSink(s Sink) Option {
	return func(o *options) { o.extra = append(o.extra, s) }
}

// New builds a notifier from configuration. The console sink comes first so
// the result line is out before any slow sink is tried.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Notifier {
	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Notifier{subjectPrefix: cfg.Mail.SubjectPrefix, logger: logger.Named("notify")}
	if cfg.Report.Console {
		n.sinks = append(n.sinks, NewConsoleSink(o.stdout))
	}
	if cfg.Report.ResultLog != "" {
		n.sinks = append(n.sinks, NewResultLogSink(cfg.Report))
	}
	if cfg.Report.MetricsFile != "" {
		n.sinks = append(n.sinks, NewMetricsSink(cfg.Report.MetricsFile))
	}
	if cfg.Mail.Enabled() {
		n.sinks = append(n.sinks, NewMailSink(cfg.Mail))
	} else if len(cfg.Mail.To) > 0 {
		// A host without recipients fails validation; recipients alone only disable mail.
		n.logger.Warn("Mail alerts disabled: mail.to is set but mail.host is not.")
	}
	n.sinks = append(n.sinks, o.extra...)
	return n
}

// Sinks returns the names of the active sinks in dispatch order.
func (n *Notifier) Sinks() []string {
	names := make([]string, len(n.sinks))
	for i, s := range n.sinks {
		names[i] = s.Name()
	}
	return names
}

// Notify renders r once and hands it to every sink. The returned error joins
// the failures of all sinks that failed.
func (n *Notifier) Notify(ctx context.Context, r probe.Result) error {
	ev := NewEvent(r, n.subjectPrefix)

	var errs []error
	for _, s := range n.sinks {
		if err := s.Send(ctx, ev); err != nil {
			n.logger.Warn("Notification sink failed.",
				zap.String("sink", s.Name()),
				zap.String("attempt_id", r.AttemptID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.Debug("Notification delivered.", zap.String("sink", s.Name()))
	}
	return errors.Join(errs...)
}

// Close releases sinks holding resources.
func (n *Notifier) Close() error {
	var errs []error
	for _, s := range n.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
