// internal/browser/allocator.go
package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/formcheck/internal/config"
)

// ErrBrowserNotFound is returned when an explicitly configured executable does not exist.
var ErrBrowserNotFound = errors.New("browser executable not found")

// Indirections for tests.
var (
	lookPath = exec.LookPath
	statFile = os.Stat
)

// chromeCandidates are tried in order when no executable is configured.
// Absolute entries are checked on disk, bare names are looked up on PATH.
var chromeCandidates = []string{
	"/usr/bin/google-chrome",
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
}

// ResolveExecPath finds the browser binary. An explicit path must exist. With
// no explicit path the well-known names are tried, and an empty result leaves
// discovery to chromedp's own defaults.
func ResolveExecPath(cfg config.BrowserConfig) (string, error) {
	if cfg.ExecPath != "" {
		if _, err := statFile(cfg.ExecPath); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrBrowserNotFound, cfg.ExecPath, err)
		}
		return cfg.ExecPath, nil
	}

	for _, candidate := range chromeCandidates {
		if filepath.IsAbs(candidate) {
			if _, err := statFile(candidate); err == nil {
				return candidate, nil
			}
			continue
		}
		if p, err := lookPath(candidate); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// launchFlag is a single command line switch handed to the browser process.
type launchFlag struct {
	name  string
	value interface{}
}

// launchFlags assembles the switches layered over chromedp's defaults. Later
// entries win, so configured extra args can override anything set here.
func launchFlags(cfg config.BrowserConfig) []launchFlag {
	flags := []launchFlag{
		{"headless", cfg.Headless},
		// Required inside containers and for root-run cron jobs.
		{"no-sandbox", true},
		{"disable-setuid-sandbox", true},
		{"disable-dev-shm-usage", true},
		{"disable-extensions", true},
		{"ignore-certificate-errors", cfg.IgnoreTLSErrors},
	}

	if cfg.Stealth.Enabled {
		flags = append(flags,
			launchFlag{"enable-automation", false},
			// Hides navigator.webdriver from the Blink side.
			launchFlag{"disable-blink-features", "AutomationControlled"},
		)
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(strings.TrimSpace(arg), "=", 2)
		name := strings.TrimLeft(parts[0], "-")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, launchFlag{name, parts[1]})
		} else {
			flags = append(flags, launchFlag{name, true})
		}
	}
	return flags
}

// AllocatorOptions builds the ExecAllocator options for one probe run.
func AllocatorOptions(cfg config.BrowserConfig, execPath string) []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+16)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)

	for _, f := range launchFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.Stealth.Enabled && cfg.Stealth.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.Stealth.UserAgent))
	}
	return opts
}
