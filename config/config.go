package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/outbox-mailer/render"
)

// EnvPrefix is prepended to every flag name to form its environment variable,
// e.g. OUTBOX_MAILER_SMTP_HOST.
const EnvPrefix = "OUTBOX_MAILER"

// Config captures all options required for one mailer run.
type Config struct {
	OutboxDir         string
	Extension         string
	TemplatesDir      string
	TemplateFile      string
	Engine            string
	TemplateExtension string
	AttachmentsRoot   string

	SMTPHost               string
	SMTPPort               int
	SMTPUser               string
	SMTPPass               string
	SMTPInsecureSkipVerify bool
	RetryCount             int
	RetryBackoff           time.Duration
	SendRate               float64

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPFolder         string
	UseTLS             bool
	InsecureSkipVerify bool

	ArchiveMbox     string
	DryRun          bool
	KeepEntries     bool
	DeleteAfterRead bool
	Workers         int
	NotifyErrors    bool
	NotifyFrom      string

	IncludeSystem    []string
	ExcludeSystem    []string
	IncludeSubsystem []string
	ExcludeSubsystem []string

	LogLevel    string
	LogDir      string
	MetricsFile string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	base, err := defaultBaseDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("config", "", "Optional YAML file with flag values (keys are flag names)")
	flags.String("outbox", filepath.Join(base, "outbox"), "Directory scanned recursively for entry files")
	flags.String("extension", ".json", "File name suffix of entry files (case-insensitive)")
	flags.String("templates", filepath.Join(base, "templates"), "Templates root; one subdirectory per template name")
	flags.String("template-file", "", "Template file name inside each template directory (default: the single template.* file)")
	flags.String("engine", "", "Force a template engine instead of detecting it: "+strings.Join(render.EngineNames(), ", "))
	flags.String("template-extension", "", "Extension used for the in-memory template of the full engine (html escapes output)")
	flags.String("attachments-root", "", "Directory that relative attachment paths are resolved against")

	flags.String("smtp-host", "localhost", "SMTP server hostname")
	flags.Int("smtp-port", 25, "SMTP server port")
	flags.String("smtp-user", "", "SMTP username; no authentication when empty")
	flags.String("smtp-pass", "", "SMTP password (falls back to SMTP_PASS env var)")
	flags.Bool("smtp-insecure-skip-verify", false, "Skip TLS certificate verification for SMTP (not recommended)")
	flags.Int("retry-count", 3, "Delivery attempts per e-mail")
	flags.Int("retry-backoff-ms", 500, "Initial backoff between delivery attempts, doubled per attempt")
	flags.Float64("send-rate", 0, "Maximum e-mails per second, 0 means unlimited")

	flags.String("imap-host", "", "IMAP server hostname for storing a copy of sent mail")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.String("imap-folder", "Sent", "IMAP folder receiving the copies")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification for IMAP (not recommended)")

	flags.String("archive-mbox", "", "Append every outgoing message to this mbox file")
	flags.Bool("dry-run", false, "Render and assemble messages without sending them or removing entries")
	flags.Bool("keep-entries", false, "Do not remove entry files after delivery")
	flags.Bool("delete-after-read", false, "Remove entry files as soon as they are read")
	flags.Int("workers", 4, "Concurrent decode and delivery workers")
	flags.Bool("notify-errors", false, "Send a failure notice to the notify_error addresses of failed entries")
	flags.String("notify-from", "", "Sender of failure notices (default: the failed e-mail's sender)")

	flags.StringArray("include-system", nil, "Regex allow-list applied to the header system (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-system", nil, "Regex block-list applied to the header system (mutually exclusive with include flags)")
	flags.StringArray("include-subsystem", nil, "Regex allow-list applied to the header subsystem (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-subsystem", nil, "Regex block-list applied to the header subsystem (mutually exclusive with include flags)")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for a log file next to stdout logging")
	flags.String("metrics-file", "", "Write Prometheus metrics in text format to this file after the run")

	return nil
}

// LoadConfig resolves flags, environment and the optional config file into a
// validated Config. Explicit flags win over the environment, which wins over
// the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	smtpPass := v.GetString("smtp-pass")
	if smtpPass == "" {
		smtpPass = os.Getenv("SMTP_PASS")
	}
	imapPass := v.GetString("imap-pass")
	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	logLevel := strings.ToLower(strings.TrimSpace(v.GetString("log-level")))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		OutboxDir:         cleanPath(v.GetString("outbox")),
		Extension:         v.GetString("extension"),
		TemplatesDir:      cleanPath(v.GetString("templates")),
		TemplateFile:      strings.TrimSpace(v.GetString("template-file")),
		Engine:            strings.ToLower(strings.TrimSpace(v.GetString("engine"))),
		TemplateExtension: strings.TrimPrefix(strings.TrimSpace(v.GetString("template-extension")), "."),
		AttachmentsRoot:   cleanPath(v.GetString("attachments-root")),

		SMTPHost:               v.GetString("smtp-host"),
		SMTPPort:               v.GetInt("smtp-port"),
		SMTPUser:               v.GetString("smtp-user"),
		SMTPPass:               smtpPass,
		SMTPInsecureSkipVerify: v.GetBool("smtp-insecure-skip-verify"),
		RetryCount:             v.GetInt("retry-count"),
		RetryBackoff:           time.Duration(v.GetInt("retry-backoff-ms")) * time.Millisecond,
		SendRate:               v.GetFloat64("send-rate"),

		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           imapPass,
		IMAPFolder:         v.GetString("imap-folder"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),

		ArchiveMbox:     cleanPath(v.GetString("archive-mbox")),
		DryRun:          v.GetBool("dry-run"),
		KeepEntries:     v.GetBool("keep-entries"),
		DeleteAfterRead: v.GetBool("delete-after-read"),
		Workers:         v.GetInt("workers"),
		NotifyErrors:    v.GetBool("notify-errors"),
		NotifyFrom:      v.GetString("notify-from"),

		IncludeSystem:    stringList(v, flags, "include-system"),
		ExcludeSystem:    stringList(v, flags, "exclude-system"),
		IncludeSubsystem: stringList(v, flags, "include-subsystem"),
		ExcludeSubsystem: stringList(v, flags, "exclude-subsystem"),

		LogLevel:    logLevel,
		LogDir:      cleanPath(v.GetString("log-dir")),
		MetricsFile: cleanPath(v.GetString("metrics-file")),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stringList reads repeatable flags. Explicit flags are taken verbatim because
// viper splits list values on commas, which regular expressions may contain.
func stringList(v *viper.Viper, flags *pflag.FlagSet, name string) []string {
	if flags.Changed(name) {
		if values, err := flags.GetStringArray(name); err == nil {
			return values
		}
	}
	return v.GetStringSlice(name)
}

func validateConfig(cfg Config) error {
	if cfg.OutboxDir == "" {
		return errors.New("--outbox is required")
	}
	if cfg.TemplatesDir == "" {
		return errors.New("--templates is required")
	}
	if !cfg.DryRun && cfg.SMTPHost == "" {
		return errors.New("--smtp-host is required unless --dry-run is set")
	}
	if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
		return errors.New("--smtp-port must be between 1 and 65535")
	}
	if cfg.IMAPHost != "" {
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return errors.New("--imap-port must be between 1 and 65535")
		}
		if cfg.IMAPUser == "" {
			return errors.New("--imap-user is required when --imap-host is set")
		}
		if cfg.IMAPPass == "" {
			return errors.New("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
	}
	if cfg.Workers < 1 {
		return errors.New("--workers must be at least 1")
	}
	if cfg.RetryCount < 1 {
		return errors.New("--retry-count must be at least 1")
	}
	if cfg.RetryBackoff < 0 {
		return errors.New("--retry-backoff-ms must not be negative")
	}
	if cfg.SendRate < 0 {
		return errors.New("--send-rate must not be negative")
	}
	if cfg.Engine != "" {
		if _, err := render.ParseEngine(cfg.Engine); err != nil {
			return fmt.Errorf("invalid --engine: %w", err)
		}
	}
	includeActive := len(cfg.IncludeSystem) > 0 || len(cfg.IncludeSubsystem) > 0
	excludeActive := len(cfg.ExcludeSystem) > 0 || len(cfg.ExcludeSubsystem) > 0
	if includeActive && excludeActive {
		return errors.New("include and exclude flags are mutually exclusive")
	}
	if cfg.KeepEntries && cfg.DeleteAfterRead {
		return errors.New("--keep-entries and --delete-after-read are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

// defaultBaseDir is the directory of the running executable.
func defaultBaseDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}
