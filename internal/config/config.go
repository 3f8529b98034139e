// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration for one probe run.
// It is built once at startup by Load and passed down explicitly; nothing
// below the cmd package reads the environment on its own.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Target     TargetConfig     `mapstructure:"target" yaml:"target"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Form       FormConfig       `mapstructure:"form" yaml:"form"`
	Gates      GatesConfig      `mapstructure:"gates" yaml:"gates"`
	Submission SubmissionConfig `mapstructure:"submission" yaml:"submission"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Mail       MailConfig       `mapstructure:"mail" yaml:"mail"`
	Report     ReportConfig     `mapstructure:"report" yaml:"report"`
}

// LoggerConfig configures the diagnostic logger (not the result line).
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Color       bool   `mapstructure:"color" yaml:"color"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// TargetConfig locates the contact form.
type TargetConfig struct {
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	FormPath string `mapstructure:"form_path" yaml:"form_path"`
}

// FormURL joins the base URL and the form page path.
func (t TargetConfig) FormURL() string {
	base := strings.TrimRight(t.BaseURL, "/")
	if t.FormPath == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(t.FormPath, "/")
}

// BrowserConfig holds settings for the headless browser process and its single tab.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout" yaml:"selector_timeout"`
	// NetworkIdleQuiet and NetworkIdleMaxInflight together define page readiness:
	// at most MaxInflight requests outstanding for a full quiet period.
	NetworkIdleQuiet       time.Duration `mapstructure:"network_idle_quiet" yaml:"network_idle_quiet"`
	NetworkIdleMaxInflight int           `mapstructure:"network_idle_max_inflight" yaml:"network_idle_max_inflight"`
	DiagnosticsCapacity    int           `mapstructure:"diagnostics_capacity" yaml:"diagnostics_capacity"`
	// KeyDelay is the mean pause between typed keys. Zero types each value in one burst.
	KeyDelay time.Duration `mapstructure:"key_delay" yaml:"key_delay"`
	Stealth  StealthConfig `mapstructure:"stealth" yaml:"stealth"`
}

// StealthConfig describes the persona presented to the target page.
type StealthConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
}

// Field kinds understood by the form filler.
const (
	FieldText     = "text"
	FieldSelect   = "select"
	FieldCheckbox = "checkbox"
)

// FieldConfig is a single name/value assignment on the form.
type FieldConfig struct {
	Selector string `mapstructure:"selector" yaml:"selector"`
	Value    string `mapstructure:"value" yaml:"value"`
	Kind     string `mapstructure:"kind" yaml:"kind"`
}

// FormConfig holds the selectors of the form under test.
type FormConfig struct {
	FormSelector     string        `mapstructure:"form_selector" yaml:"form_selector"`
	ActionAttribute  string        `mapstructure:"action_attribute" yaml:"action_attribute"`
	ActionPath       string        `mapstructure:"action_path" yaml:"action_path"`
	TokenSelector    string        `mapstructure:"token_selector" yaml:"token_selector"`
	HoneypotSelector string        `mapstructure:"honeypot_selector" yaml:"honeypot_selector"`
	ConsentSelector  string        `mapstructure:"consent_selector" yaml:"consent_selector"`
	SubmitSelector   string        `mapstructure:"submit_selector" yaml:"submit_selector"`
	Fields           []FieldConfig `mapstructure:"fields" yaml:"fields"`
}

// Timing gate modes.
const (
	TimingFixed     = "fixed"
	TimingRemaining = "remaining"
)

// GatesConfig tunes the two anti-automation gates.
type GatesConfig struct {
	TokenTimeout      time.Duration `mapstructure:"token_timeout" yaml:"token_timeout"`
	TokenPollInterval time.Duration `mapstructure:"token_poll_interval" yaml:"token_poll_interval"`
	MinFillDuration   time.Duration `mapstructure:"min_fill_duration" yaml:"min_fill_duration"`
	TimingMode        string        `mapstructure:"timing_mode" yaml:"timing_mode"`
}

// SubmissionConfig tunes the response correlation wait.
type SubmissionConfig struct {
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	// ResponseBuffer is the channel depth of the response subscription used while waiting.
	ResponseBuffer int `mapstructure:"response_buffer" yaml:"response_buffer"`
}

// PolicyConfig is the outcome classification policy.
type PolicyConfig struct {
	SuccessMin       int      `mapstructure:"success_min" yaml:"success_min"`
	SuccessMax       int      `mapstructure:"success_max" yaml:"success_max"`
	RedirectStatuses []int    `mapstructure:"redirect_statuses" yaml:"redirect_statuses"`
	ThankYouPatterns []string `mapstructure:"thank_you_patterns" yaml:"thank_you_patterns"`
	// Lenient restores the coarse "any 2xx or 3xx" rule.
	Lenient bool `mapstructure:"lenient" yaml:"lenient"`
}

// SMTP transport security modes.
const (
	SecureNone     = "none"
	SecureSTARTTLS = "starttls"
	SecureTLS      = "tls"
)

// MailConfig configures the optional alert email.
type MailConfig struct {
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Secure        string        `mapstructure:"secure" yaml:"secure"`
	SkipVerify    bool          `mapstructure:"skip_verify" yaml:"skip_verify"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"-"`
	From          string        `mapstructure:"from" yaml:"from"`
	To            []string      `mapstructure:"to" yaml:"to"`
	SubjectPrefix string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// OnlyOnProblem suppresses the mail for SUCCESS verdicts.
	OnlyOnProblem bool `mapstructure:"only_on_problem" yaml:"only_on_problem"`
}

// Enabled reports whether an alert mail should be attempted at all.
func (m MailConfig) Enabled() bool {
	return m.Host != "" && len(m.To) > 0
}

// ReportConfig configures the result sinks besides the console.
type ReportConfig struct {
	Console        bool   `mapstructure:"console" yaml:"console"`
	ResultLog      string `mapstructure:"result_log" yaml:"result_log"`
	ResultLogMaxMB int    `mapstructure:"result_log_max_mb" yaml:"result_log_max_mb"`
	ResultLogKeep  int    `mapstructure:"result_log_keep" yaml:"result_log_keep"`
	MetricsFile    string `mapstructure:"metrics_file" yaml:"metrics_file"`
}

// envAliases maps configuration keys to the plain environment names used by
// existing cron/CI wiring. The FORMCHECK_ prefixed names always work too.
var envAliases = map[string][]string{
	"target.base_url":   {"URL", "TARGET_URL"},
	"browser.exec_path": {"PUPPETEER_EXECUTABLE_PATH", "CHROME_PATH"},
	"mail.host":         {"SMTP_HOST"},
	"mail.port":         {"SMTP_PORT"},
	"mail.secure":       {"SMTP_SECURE"},
	"mail.username":     {"SMTP_USER"},
	"mail.password":     {"SMTP_PASS"},
	"mail.from":         {"MAIL_FROM"},
	"mail.to":           {"MAIL_TO"},
}

// EnvPrefix is the prefix for automatically bound environment variables.
const EnvPrefix = "FORMCHECK"

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key. Keys
// must have a default to be picked up from the environment by AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "formcheck")
	v.SetDefault("logger.color", true)
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Target --
	v.SetDefault("target.base_url", "")
	v.SetDefault("target.form_path", "/contacts.html")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.selector_timeout", "15s")
	v.SetDefault("browser.network_idle_quiet", "500ms")
	v.SetDefault("browser.network_idle_max_inflight", 2)
	v.SetDefault("browser.diagnostics_capacity", 10)
	v.SetDefault("browser.key_delay", "0s")
	v.SetDefault("browser.stealth.enabled", true)
	v.SetDefault("browser.stealth.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.stealth.platform", "Win32")
	v.SetDefault("browser.stealth.languages", []string{"en-US", "en"})
	v.SetDefault("browser.stealth.locale", "en-US")
	v.SetDefault("browser.stealth.timezone", "")

	// -- Form --
	v.SetDefault("form.form_selector", "form")
	v.SetDefault("form.action_attribute", "action")
	v.SetDefault("form.action_path", "")
	v.SetDefault("form.token_selector", "#token")
	v.SetDefault("form.honeypot_selector", "")
	v.SetDefault("form.consent_selector", "#consent")
	v.SetDefault("form.submit_selector", "#submitButton")
	v.SetDefault("form.fields", []map[string]interface{}{
		{"selector": "#name", "value": "Test User", "kind": FieldText},
		{"selector": "#company", "value": "Test Company", "kind": FieldText},
		{"selector": "#email", "value": "test@example.com", "kind": FieldText},
		{"selector": "#messageSend", "value": "This is a test message", "kind": FieldText},
		{"selector": "#request", "value": "Tech recruitment", "kind": FieldSelect},
		{"selector": "#hear", "value": "Google search", "kind": FieldSelect},
	})

	// -- Gates --
	v.SetDefault("gates.token_timeout", "30s")
	v.SetDefault("gates.token_poll_interval", "250ms")
	v.SetDefault("gates.min_fill_duration", "3500ms")
	v.SetDefault("gates.timing_mode", TimingFixed)

	// -- Submission --
	v.SetDefault("submission.response_timeout", "30s")
	v.SetDefault("submission.response_buffer", 64)

	// -- Policy --
	v.SetDefault("policy.success_min", 200)
	v.SetDefault("policy.success_max", 300)
	v.SetDefault("policy.redirect_statuses", []int{302})
	v.SetDefault("policy.thank_you_patterns", []string{`/thank-you-page`})
	v.SetDefault("policy.lenient", false)

	// -- Mail --
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.secure", SecureNone)
	v.SetDefault("mail.skip_verify", false)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.to", []string{})
	v.SetDefault("mail.subject_prefix", "[formcheck]")
	v.SetDefault("mail.timeout", "20s")
	v.SetDefault("mail.only_on_problem", false)

	// -- Report --
	v.SetDefault("report.console", true)
	v.SetDefault("report.result_log", "")
	v.SetDefault("report.result_log_max_mb", 5)
	v.SetDefault("report.result_log_keep", 5)
	v.SetDefault("report.metrics_file", "")
}

// BindEnv wires the prefixed automatic environment lookup and the plain aliases.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, aliases := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		input := append([]string{key, prefixed}, aliases...)
		if err := v.BindEnv(input...); err != nil {
			return fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}
	return nil
}

// Load resolves v and validates the result. Flags should already be bound on v.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := Resolve(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Resolve applies defaults and environment bindings to v, then unmarshals and
// normalizes the result without validating it.
func Resolve(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize cleans values that arrive in loose formats from env or files.
func (c *Config) Normalize() error {
	var err error
	if c.Browser.ExecPath, err = homedir.Expand(c.Browser.ExecPath); err != nil {
		return fmt.Errorf("browser.exec_path: %w", err)
	}
	if c.Report.ResultLog, err = homedir.Expand(c.Report.ResultLog); err != nil {
		return fmt.Errorf("report.result_log: %w", err)
	}
	if c.Report.MetricsFile, err = homedir.Expand(c.Report.MetricsFile); err != nil {
		return fmt.Errorf("report.metrics_file: %w", err)
	}
	if c.Logger.LogFile, err = homedir.Expand(c.Logger.LogFile); err != nil {
		return fmt.Errorf("logger.log_file: %w", err)
	}

	c.Mail.To = splitList(c.Mail.To)
	c.Mail.Secure = normalizeSecure(c.Mail.Secure)
	if c.Mail.From == "" {
		c.Mail.From = c.Mail.Username
	}

	for i := range c.Form.Fields {
		if c.Form.Fields[i].Kind == "" {
			c.Form.Fields[i].Kind = FieldText
		}
		c.Form.Fields[i].Kind = strings.ToLower(c.Form.Fields[i].Kind)
	}
	if c.Gates.TimingMode == "" {
		c.Gates.TimingMode = TimingFixed
	}
	c.Gates.TimingMode = strings.ToLower(c.Gates.TimingMode)
	return nil
}

// splitList flattens entries that themselves contain commas and drops blanks,
// so "a@x, b@y" from the environment and a YAML list behave the same.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// normalizeSecure accepts the boolean spelling used by SMTP_SECURE as well as the mode names.
func normalizeSecure(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "ssl", "smtps", SecureTLS:
		return SecureTLS
	case SecureSTARTTLS:
		return SecureSTARTTLS
	default:
		return SecureNone
	}
}

// Validate checks the configuration for required fields and sane values.
// All missing required keys are reported together.
func (c *Config) Validate() error {
	var missing []string
	if c.Target.BaseURL == "" {
		missing = append(missing, "target.base_url")
	}
	if c.Form.FormSelector == "" {
		missing = append(missing, "form.form_selector")
	}
	if c.Form.TokenSelector == "" {
		missing = append(missing, "form.token_selector")
	}
	if c.Form.SubmitSelector == "" {
		missing = append(missing, "form.submit_selector")
	}
	if len(c.Form.Fields) == 0 {
		missing = append(missing, "form.fields")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration keys: %s", strings.Join(missing, ", "))
	}

	u, err := url.Parse(c.Target.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target.base_url must be an absolute http(s) URL, got %q", c.Target.BaseURL)
	}

	for i, f := range c.Form.Fields {
		if f.Selector == "" {
			return fmt.Errorf("form.fields[%d].selector is required", i)
		}
		switch f.Kind {
		case FieldText, FieldSelect, FieldCheckbox:
		default:
			return fmt.Errorf("form.fields[%d].kind must be one of text, select, checkbox", i)
		}
	}

	if err := c.Browser.Validate(); err != nil {
		return err
	}
	if err := c.Gates.Validate(); err != nil {
		return err
	}
	if c.Submission.ResponseTimeout <= 0 {
		return fmt.Errorf("submission.response_timeout must be a positive duration")
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	return c.Mail.Validate()
}

// Validate checks the browser timeouts.
func (b *BrowserConfig) Validate() error {
	if b.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if b.SelectorTimeout <= 0 {
		return fmt.Errorf("browser.selector_timeout must be a positive duration")
	}
	if b.NetworkIdleMaxInflight < 0 {
		return fmt.Errorf("browser.network_idle_max_inflight must not be negative")
	}
	if b.KeyDelay < 0 {
		return fmt.Errorf("browser.key_delay must not be negative")
	}
	if b.DiagnosticsCapacity <= 0 {
		return fmt.Errorf("browser.diagnostics_capacity must be a positive integer")
	}
	return nil
}

// Validate checks the gate settings.
func (g *GatesConfig) Validate() error {
	if g.TokenTimeout <= 0 {
		return fmt.Errorf("gates.token_timeout must be a positive duration")
	}
	if g.TokenPollInterval <= 0 {
		return fmt.Errorf("gates.token_poll_interval must be a positive duration")
	}
	if g.MinFillDuration < 0 {
		return fmt.Errorf("gates.min_fill_duration must not be negative")
	}
	if g.TimingMode != TimingFixed && g.TimingMode != TimingRemaining {
		return fmt.Errorf("gates.timing_mode must be %q or %q", TimingFixed, TimingRemaining)
	}
	return nil
}

// Validate checks the classification policy.
func (p *PolicyConfig) Validate() error {
	if p.SuccessMin < 100 || p.SuccessMax > 600 || p.SuccessMin >= p.SuccessMax {
		return fmt.Errorf("policy.success_min/success_max must form a non-empty range within 100-599")
	}
	for _, pattern := range p.ThankYouPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("policy.thank_you_patterns: invalid pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// Validate checks the mail settings. A host without recipients is a mistake,
// recipients without a host simply disable the mail.
func (m *MailConfig) Validate() error {
	if m.Host == "" {
		return nil
	}
	if len(m.To) == 0 {
		return fmt.Errorf("mail.to requires at least one recipient when mail.host is set")
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("mail.port must be between 1 and 65535")
	}
	if m.From == "" {
		return fmt.Errorf("mail.from (or mail.username) is required when mail.host is set")
	}
	if m.Timeout <= 0 {
		return fmt.Errorf("mail.timeout must be a positive duration")
	}
	return nil
}
