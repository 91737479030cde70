package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/outbox-mailer/compose"
	"github.com/dhcgn/outbox-mailer/config"
	"github.com/dhcgn/outbox-mailer/filter"
	"github.com/dhcgn/outbox-mailer/grouping"
	"github.com/dhcgn/outbox-mailer/model"
	"github.com/dhcgn/outbox-mailer/state"
	"github.com/dhcgn/outbox-mailer/stats"
)

type StageFunc func(context.Context) error

// Runner wires the pipeline stages together: producers write envelopes, the
// built-in compose stage groups and composes them once every envelope has
// arrived, and consumers read the composed e-mails.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger
	filter *filter.Filter

	ctx    context.Context
	cancel context.CancelFunc

	entries chan model.Envelope
	emails  chan model.ComposedEmail
	events  chan stats.Event

	ledger *state.Ledger

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEntriesOnce sync.Once
	closeEmailsOnce  sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	f, err := filter.New(filter.Options{
		IncludeSystem:    cfg.IncludeSystem,
		IncludeSubsystem: cfg.IncludeSubsystem,
		ExcludeSystem:    cfg.ExcludeSystem,
		ExcludeSubsystem: cfg.ExcludeSubsystem,
	})
	if err != nil {
		return nil, fmt.Errorf("entry filter: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		filter:  f,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(chan model.Envelope, 32),
		emails:  make(chan model.ComposedEmail, 32),
		events:  make(chan stats.Event, 128),
		ledger:  state.NewLedger(),
	}

	r.AddStage("compose", r.compose)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Ledger() *state.Ledger {
	return r.ledger
}

func (r *Runner) EntryWriter() chan<- model.Envelope {
	return r.entries
}

func (r *Runner) CloseEntries() {
	r.closeEntriesOnce.Do(func() {
		close(r.entries)
	})
}

func (r *Runner) Emails() <-chan model.ComposedEmail {
	return r.emails
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start waits for every stage and stats subscriber and returns the first
// stage error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// compose collects every envelope before grouping: the compose mode of a group
// is only known once all of its entries have been merged.
func (r *Runner) compose(ctx context.Context) error {
	defer r.closeEmails()

	var entries []model.Entry
collect:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-r.entries:
			if !ok {
				break collect
			}
			if env.Failure != nil {
				r.logger.Warn("entry rejected", "source", env.Failure.Raw.Source, "err", env.Failure.Err)
				r.EmitEvent(stats.Event{Stage: stats.StageOutbox, Type: stats.EventTypeParseFailed, Source: env.Failure.Raw.Source, Err: env.Failure.Err})
				continue
			}

			entry := env.Entry
			r.EmitEvent(stats.Event{Stage: stats.StageOutbox, Type: stats.EventTypeLoaded, Source: entry.Source, Template: entry.Email.TemplateName})
			if !r.filter.Allows(entry.Email) {
				r.EmitEvent(stats.Event{Stage: stats.StageOutbox, Type: stats.EventTypeFiltered, Source: entry.Source, Template: entry.Email.TemplateName})
				continue
			}
			entries = append(entries, entry)
		}
	}

	groups, err := grouping.Group(entries)
	if err != nil {
		return err
	}
	compositions := compose.ComposeAll(groups)

	var emails []model.ComposedEmail
	for _, c := range compositions {
		if len(c.Conflicts) > 0 {
			r.logger.Warn("accumulation replaced plain values", "identity", c.Identity.String(), "paths", c.Conflicts)
		}
		r.logger.Debug("group composed", "identity", c.Identity.String(), "mode", c.Mode.String(), "emails", len(c.Emails))
		emails = append(emails, c.Emails...)
	}

	// Every covering e-mail must be known before the first one settles.
	for _, email := range emails {
		for _, source := range email.Sources() {
			r.ledger.Expect(source)
		}
	}

	for _, email := range emails {
		r.EmitEvent(stats.Event{Stage: stats.StageCompose, Type: stats.EventTypeComposed, Identity: email.Identity.String(), Template: email.Header.TemplateName, Detail: email.Mode.String()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.emails <- email:
		}
	}
	return nil
}

func (r *Runner) closeEmails() {
	r.closeEmailsOnce.Do(func() {
		close(r.emails)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
