// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formcheck/internal/browser"
	"github.com/xkilldash9x/formcheck/internal/config"
	"github.com/xkilldash9x/formcheck/internal/observability"
	"github.com/xkilldash9x/formcheck/internal/probe"
)

// app is the state shared by one command tree.
type app struct {
	v       *viper.Viper
	cfgFile string
	// open builds the page opener for an attempt. Tests swap it out.
	open func(cfg *config.Config, logger *zap.Logger) probe.Opener
}

func newApp() *app {
	return &app{v: viper.New(), open: browserOpener}
}

// browserOpener launches a real Chrome session per attempt.
func browserOpener(cfg *config.Config, logger *zap.Logger) probe.Opener {
	return func(ctx context.Context) (probe.Page, error) {
		s, err := browser.NewSession(ctx, cfg.Browser, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// NewRootCommand creates a fresh command tree with its own configuration state.
func NewRootCommand() *cobra.Command {
	return newRootCommand(newApp())
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "formcheck",
		Short: "Synthetic end-to-end check of a website contact form.",
		Long: `formcheck drives a headless browser through a contact form, waits for the
anti-bot token and minimum fill time, submits, and classifies the response of
the form's action endpoint as SUCCESS, FAILED or ERROR.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initializeConfig()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./formcheck.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newCheckCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	return rootCmd
}

// initializeConfig reads the config file, if any, and starts the logger. The
// full configuration is resolved by each command after its flags are bound.
func (a *app) initializeConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.AddConfigPath("$HOME/.config/formcheck")
		a.v.SetConfigName("formcheck")
		a.v.SetConfigType("yaml")
	}

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("%w: error reading config file: %w", ErrConfig, err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	config.SetDefaults(a.v)
	if err := config.BindEnv(a.v); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	var lc config.LoggerConfig
	if err := a.v.UnmarshalKey("logger", &lc); err != nil {
		observability.InitializeLogger(config.NewDefaultConfig().Logger)
		return fmt.Errorf("%w: failed to unmarshal logger config: %w", ErrConfig, err)
	}
	observability.InitializeLogger(lc)
	observability.GetLogger().Debug("Starting formcheck.", zap.String("version", Version))
	return nil
}

// Execute runs the command tree with the given context. Errors other than a
// non-SUCCESS verdict, which has already been reported, are logged here.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var ve *VerdictError
	if errors.As(err, &ve) {
		return err
	}
	if logger := observability.GetLogger(); logger != nil {
		logger.Error("Command execution failed.", zap.Error(err))
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return err
}
