package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/outbox-mailer/cmd"
	"github.com/dhcgn/outbox-mailer/config"
	"github.com/dhcgn/outbox-mailer/dispatch"
	"github.com/dhcgn/outbox-mailer/imap"
	"github.com/dhcgn/outbox-mailer/mbox"
	"github.com/dhcgn/outbox-mailer/message"
	"github.com/dhcgn/outbox-mailer/metrics"
	"github.com/dhcgn/outbox-mailer/outbox"
	"github.com/dhcgn/outbox-mailer/render"
	"github.com/dhcgn/outbox-mailer/runner"
	"github.com/dhcgn/outbox-mailer/smtp"
	"github.com/dhcgn/outbox-mailer/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "outbox-mailer",
		Short: "Compose outbox notification entries into e-mails and send them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger = logger.With("run", uuid.NewString())
			slog.SetDefault(logger)
			logger.Info("starting outbox-mailer", "outbox", cfg.OutboxDir, "templates", cfg.TemplatesDir, "dryRun", cfg.DryRun)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(
		cmd.NewInspectCommand(),
		cmd.NewRenderCommand(),
		cmd.NewEnginesCommand(),
		cmd.NewStatsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) (err error) {
	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	m := metrics.New()
	if cfg.MetricsFile != "" {
		defer func() {
			m.Finish(time.Now(), err)
			if werr := m.WriteTextfile(cfg.MetricsFile); werr != nil {
				logger.Error("metrics not written", "err", werr)
			}
		}()
	}
	stats.NewReporter(r, logger, m)

	outboxOpts := outbox.Options{
		Dir:             cfg.OutboxDir,
		Extension:       cfg.Extension,
		DeleteAfterRead: cfg.DeleteAfterRead,
		Workers:         cfg.Workers,
		Ledger:          r.Ledger(),
	}
	if _, err := outbox.NewProducer(outboxOpts, r, logger); err != nil {
		return fmt.Errorf("outbox.NewProducer: %w", err)
	}

	var transport dispatch.Sink
	if !cfg.DryRun {
		transport = smtp.NewSender(smtp.Options{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			Username:           cfg.SMTPUser,
			Password:           cfg.SMTPPass,
			InsecureSkipVerify: cfg.SMTPInsecureSkipVerify,
			RetryCount:         cfg.RetryCount,
			RetryBackoff:       cfg.RetryBackoff,
			SendRate:           cfg.SendRate,
		}, logger)
	}

	var copies []dispatch.Sink
	if cfg.ArchiveMbox != "" {
		archive, err := mbox.Open(cfg.ArchiveMbox, logger)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := archive.Close(); cerr != nil {
				logger.Warn("closing mbox archive failed", "path", archive.Path(), "err", cerr)
				return
			}
			if total, cerr := mbox.Count(archive.Path()); cerr == nil {
				logger.Info("mbox archive updated", "path", archive.Path(), "written", archive.Written(), "total", total)
			}
		}()
		copies = append(copies, archive)
	}
	if cfg.IMAPHost != "" && !cfg.DryRun {
		appender, err := imap.NewAppender(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.IMAPFolder,
		}, logger)
		if err != nil {
			return fmt.Errorf("imap.NewAppender: %w", err)
		}
		defer func() {
			_ = appender.Close()
		}()
		copies = append(copies, appender)
	}

	engine := render.EngineAuto
	if cfg.Engine != "" {
		if engine, err = render.ParseEngine(cfg.Engine); err != nil {
			return err
		}
	}
	// Full-engine includes resolve against each template's own directory.
	renderer := render.NewRenderer(render.Options{
		Engine:    engine,
		Extension: cfg.TemplateExtension,
	})
	library := render.NewLibrary(cfg.TemplatesDir, cfg.TemplateFile)
	builder := message.NewBuilder(message.Options{AttachmentsRoot: cfg.AttachmentsRoot})

	dispatchOpts := dispatch.Options{
		Workers:      cfg.Workers,
		DryRun:       cfg.DryRun,
		KeepEntries:  cfg.KeepEntries,
		NotifyErrors: cfg.NotifyErrors,
		NotifyFrom:   cfg.NotifyFrom,
	}
	if _, err := dispatch.New(dispatchOpts, r, library, renderer, builder, transport, copies, logger); err != nil {
		return fmt.Errorf("dispatch.New: %w", err)
	}

	err = r.Start()
	if snap := r.Ledger().Snapshot(); snap.Failed > 0 && err == nil {
		logger.Warn("some entries were kept after failed deliveries", "failed", snap.Failed, "removed", snap.Removed)
	}
	return err
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir == "" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), cleanup, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, cleanup, err
	}
	logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("outbox-mailer-%s.log", time.Now().Format("20060102T150405")))
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open log file: %w", err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
	cleanup = func() error {
		return file.Close()
	}
	return slog.New(handler), cleanup, nil
}
