// File: cmd/config.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/formcheck/internal/config"
)

// newConfigCmd creates the `config` command, which prints the effective
// configuration and validates it. Secrets are never printed.
func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and validate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(a.v)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrConfig, err)
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprint(w, string(out))
			if cfg.Mail.Password != "" {
				fmt.Fprintln(w, "# mail.password is set")
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%w: invalid configuration: %w", ErrConfig, err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "configuration is valid")
			return nil
		},
	}
}
