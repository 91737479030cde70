package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "outbox-mailer"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_Flags(t *testing.T) {
	cmd := newCommand(t,
		"--outbox", "/data/outbox",
		"--templates", "/data/templates/",
		"--smtp-host", "mail.example.com",
		"--smtp-port", "587",
		"--retry-backoff-ms", "250",
		"--engine", "Liquid",
		"--template-extension", ".txt",
		"--include-system", "^erp{1,2}$",
		"--include-system", "crm",
		"--log-level", "WARNING",
	)

	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "/data/outbox", cfg.OutboxDir)
	assert.Equal(t, "/data/templates", cfg.TemplatesDir)
	assert.Equal(t, "mail.example.com", cfg.SMTPHost)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, "liquid", cfg.Engine)
	assert.Equal(t, "txt", cfg.TemplateExtension)
	assert.Equal(t, []string{"^erp{1,2}$", "crm"}, cfg.IncludeSystem)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ".json", cfg.Extension)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("OUTBOX_MAILER_SMTP_HOST", "env.example.com")
	t.Setenv("OUTBOX_MAILER_WORKERS", "9")
	t.Setenv("OUTBOX_MAILER_DRY_RUN", "true")

	cmd := newCommand(t, "--workers", "2")
	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", cfg.SMTPHost)
	assert.Equal(t, 2, cfg.Workers, "explicit flag wins over environment")
	assert.True(t, cfg.DryRun)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailer.yaml")
	content := "smtp-host: file.example.com\nsmtp-port: 2525\nkeep-entries: true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(newCommand(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, "file.example.com", cfg.SMTPHost)
	assert.Equal(t, 2525, cfg.SMTPPort)
	assert.True(t, cfg.KeepEntries)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(newCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			OutboxDir:    "/o",
			TemplatesDir: "/t",
			SMTPHost:     "localhost",
			SMTPPort:     25,
			Workers:      1,
			RetryCount:   1,
			LogLevel:     "info",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad smtp port", mutate: func(c *Config) { c.SMTPPort = 70000 }, wantErr: true},
		{name: "no smtp host", mutate: func(c *Config) { c.SMTPHost = "" }, wantErr: true},
		{name: "no smtp host in dry run", mutate: func(c *Config) { c.SMTPHost = ""; c.DryRun = true }},
		{name: "zero workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: true},
		{name: "negative send rate", mutate: func(c *Config) { c.SendRate = -1 }, wantErr: true},
		{name: "unknown engine", mutate: func(c *Config) { c.Engine = "jinja" }, wantErr: true},
		{name: "known engine alias", mutate: func(c *Config) { c.Engine = "hbs" }},
		{name: "include and exclude", mutate: func(c *Config) {
			c.IncludeSystem = []string{"a"}
			c.ExcludeSubsystem = []string{"b"}
		}, wantErr: true},
		{name: "imap without user", mutate: func(c *Config) { c.IMAPHost = "imap"; c.IMAPPort = 993 }, wantErr: true},
		{name: "keep and delete", mutate: func(c *Config) { c.KeepEntries = true; c.DeleteAfterRead = true }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
