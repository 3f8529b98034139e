// File: cmd/check.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formcheck/internal/config"
	"github.com/xkilldash9x/formcheck/internal/notify"
	"github.com/xkilldash9x/formcheck/internal/observability"
	"github.com/xkilldash9x/formcheck/internal/probe"
)

// checkFlags maps each flag of the check command to its configuration key.
var checkFlags = map[string]string{
	"url":              "target.base_url",
	"form-path":        "target.form_path",
	"headless":         "browser.headless",
	"chrome":           "browser.exec_path",
	"token-timeout":    "gates.token_timeout",
	"min-fill":         "gates.min_fill_duration",
	"response-timeout": "submission.response_timeout",
	"lenient":          "policy.lenient",
	"result-log":       "report.result_log",
}

// newCheckCmd creates the `check` command, which performs exactly one attempt.
func newCheckCmd(a *app) *cobra.Command {
	defaults := config.NewDefaultConfig()

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Submit the contact form once and report the verdict",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so they override file and env values.
			for flag, key := range checkFlags {
				if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("%w: %w", ErrConfig, err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrConfig, err)
			}
			logger := observability.GetLogger()

			notifier := notify.New(cfg, logger, notify.WithStdout(cmd.OutOrStdout()))
			defer func() {
				if err := notifier.Close(); err != nil {
					logger.Warn("Failed to close notification sinks.", zap.Error(err))
				}
			}()

			runner, err := probe.NewRunner(cfg, a.open(cfg, logger), notifier, logger)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrConfig, err)
			}

			result := runner.Run(cmd.Context())
			logger.Info("Form check finished.",
				zap.String("attempt_id", result.AttemptID),
				zap.String("verdict", string(result.Verdict)),
				zap.Duration("duration", result.Duration()))
			if result.Verdict != probe.VerdictSuccess {
				return &VerdictError{Result: result}
			}
			return nil
		},
	}

	f := checkCmd.Flags()
	f.String("url", "", "base URL of the target site (env URL)")
	f.String("form-path", defaults.Target.FormPath, "path of the contact form page")
	f.Bool("headless", defaults.Browser.Headless, "run the browser headless")
	f.String("chrome", "", "path to the Chrome or Chromium binary (env CHROME_PATH)")
	f.Duration("token-timeout", defaults.Gates.TokenTimeout, "how long to wait for the anti-bot token")
	f.Duration("min-fill", defaults.Gates.MinFillDuration, "minimum time between starting to fill and submitting")
	f.Duration("response-timeout", defaults.Submission.ResponseTimeout, "how long to wait for the submission response")
	f.Bool("lenient", defaults.Policy.Lenient, "accept any 2xx or 3xx response as success")
	f.String("result-log", "", "append the result line to this file")
	return checkCmd
}
