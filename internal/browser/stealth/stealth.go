// internal/browser/stealth/stealth.go
package stealth

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formcheck/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics presented to the target page.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Timezone  string   `json:"timezone"`
	Locale    string   `json:"locale"`
}

// FromConfig builds a persona from the stealth configuration block.
func FromConfig(cfg config.StealthConfig) Persona {
	return Persona{
		UserAgent: cfg.UserAgent,
		Platform:  cfg.Platform,
		Languages: cfg.Languages,
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
	}
}

// Script returns the evasions script with the persona data bound in front of it.
func (p Persona) Script() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return fmt.Sprintf("const __persona = %s;\n%s", data, evasionsScript), nil
}

// AcceptLanguage renders the persona's languages as an Accept-Language value
// with descending quality weights, e.g. "en-US,en;q=0.9".
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Apply constructs the CDP actions that make the headless browser look like
// an ordinary user-operated one. Empty persona fields are left at the
// browser's own values.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	var tasks chromedp.Tasks

	// 1. User agent, with platform and language kept consistent.
	if p.UserAgent != "" {
		override := emulation.SetUserAgentOverride(p.UserAgent)
		if p.Platform != "" {
			override = override.WithPlatform(p.Platform)
		}
		if lang := p.AcceptLanguage(); lang != "" {
			override = override.WithAcceptLanguage(lang)
		}
		tasks = append(tasks, override)
	}

	// 2. The evasions script must be registered before the first navigation.
	tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
		script, err := p.Script()
		if err != nil {
			return err
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("failed to inject evasions script: %w", err)
		}
		return nil
	}))

	// 3. Timezone and locale.
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}

	// 4. Headers matching the persona's language settings.
	if lang := p.AcceptLanguage(); lang != "" {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": lang,
		}))
	}

	return tasks
}
