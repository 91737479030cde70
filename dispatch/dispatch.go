// Package dispatch renders composed e-mails and hands the assembled messages to
// the configured sinks.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/outbox-mailer/message"
	"github.com/dhcgn/outbox-mailer/model"
	"github.com/dhcgn/outbox-mailer/outbox"
	"github.com/dhcgn/outbox-mailer/render"
	"github.com/dhcgn/outbox-mailer/runner"
	"github.com/dhcgn/outbox-mailer/state"
	"github.com/dhcgn/outbox-mailer/stats"
)

// Sink receives assembled messages.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg model.Message) error
}

type Options struct {
	Workers int
	// DryRun renders and assembles without delivering through the transport
	// and keeps every entry file.
	DryRun       bool
	KeepEntries  bool
	NotifyErrors bool
	NotifyFrom   string
}

// Dispatcher consumes the runner's composed e-mails. A message counts as
// delivered when the transport accepted it; copies are best effort.
type Dispatcher struct {
	opts      Options
	runner    *runner.Runner
	ledger    *state.Ledger
	library   *render.Library
	renderer  *render.Renderer
	builder   *message.Builder
	transport Sink
	copies    []Sink
	logger    *slog.Logger
}

func New(opts Options, r *runner.Runner, library *render.Library, renderer *render.Renderer, builder *message.Builder, transport Sink, copies []Sink, logger *slog.Logger) (*Dispatcher, error) {
	if library == nil || renderer == nil || builder == nil {
		return nil, fmt.Errorf("dispatch needs a template library, renderer and message builder")
	}
	if transport == nil && !opts.DryRun {
		return nil, fmt.Errorf("dispatch needs a transport unless dry-run is set")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = r.Logger()
	}
	d := &Dispatcher{
		opts:      opts,
		runner:    r,
		ledger:    r.Ledger(),
		library:   library,
		renderer:  renderer,
		builder:   builder,
		transport: transport,
		copies:    copies,
		logger:    logger,
	}
	r.AddStage("dispatch", d.run)
	return d, nil
}

func (d *Dispatcher) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)

	emails := d.runner.Emails()
loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case email, ok := <-emails:
			if !ok {
				break loop
			}
			g.Go(func() error {
				d.handle(gctx, email)
				return gctx.Err()
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Dispatcher) handle(ctx context.Context, email model.ComposedEmail) {
	err := d.deliver(ctx, email)
	if err != nil {
		d.fail(ctx, email, err)
		return
	}
	for _, entry := range email.Entries {
		if !d.ledger.Settle(entry.Source, true) {
			continue
		}
		if d.opts.DryRun || d.opts.KeepEntries {
			continue
		}
		d.remove(entry)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, email model.ComposedEmail) error {
	name := email.Header.TemplateName
	tpl, err := d.library.Load(name)
	if err != nil {
		return err
	}

	body, err := d.renderer.Render(tpl, email.Context.Native())
	if err != nil {
		return fmt.Errorf("template %s: %w", name, err)
	}
	d.emit(stats.EventTypeRendered, email, nil)

	msg, err := d.builder.Build(email.Header, body, d.library.Dir(name))
	if err != nil {
		return fmt.Errorf("assemble message: %w", err)
	}

	if d.opts.DryRun || d.transport == nil {
		d.copy(ctx, email, msg)
		d.emit(stats.EventTypeDryRun, email, nil)
		d.logger.Info("dry-run message", "identity", email.Identity.String(), "template", name, "messageId", msg.ID, "recipients", len(msg.Recipients), "entries", len(email.Entries))
		return nil
	}

	if err := d.transport.Deliver(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", d.transport.Name(), err)
	}
	d.emit(stats.EventTypeDelivered, email, nil)
	d.logger.Info("message delivered", "identity", email.Identity.String(), "template", name, "messageId", msg.ID, "mode", email.Mode.String(), "entries", len(email.Entries))

	d.copy(ctx, email, msg)
	return nil
}

func (d *Dispatcher) copy(ctx context.Context, email model.ComposedEmail, msg model.Message) {
	for _, sink := range d.copies {
		if err := sink.Deliver(ctx, msg); err != nil {
			err = fmt.Errorf("%s copy: %w", sink.Name(), err)
			d.logger.Warn("storing message copy failed", "identity", email.Identity.String(), "messageId", msg.ID, "err", err)
			d.emit(stats.EventTypeError, email, err)
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, email model.ComposedEmail, err error) {
	for _, entry := range email.Entries {
		d.ledger.Settle(entry.Source, false)
	}
	d.logger.Error("e-mail failed", "identity", email.Identity.String(), "template", email.Header.TemplateName, "sources", email.Sources(), "err", err)
	d.emit(stats.EventTypeError, email, err)

	if !d.opts.NotifyErrors || d.opts.DryRun || d.transport == nil {
		return
	}
	recipients := email.NotifyError()
	if len(recipients) == 0 {
		return
	}

	from := d.opts.NotifyFrom
	if from == "" {
		from = email.Header.From
	}
	notice, nerr := d.builder.Notice(from, recipients, "Delivery failed: "+email.Header.Subject, noticeText(email, err))
	if nerr == nil {
		nerr = d.transport.Deliver(ctx, notice)
	}
	if nerr != nil {
		nerr = fmt.Errorf("failure notice: %w", nerr)
		d.logger.Error("failure notice not sent", "identity", email.Identity.String(), "err", nerr)
		d.emit(stats.EventTypeError, email, nerr)
		return
	}
	d.emit(stats.EventTypeNotified, email, nil)
}

func (d *Dispatcher) remove(entry model.Entry) {
	removed, err := outbox.Remove(entry, d.ledger)
	if err != nil {
		d.logger.Warn("remove entry failed", "source", entry.Source, "err", err)
		return
	}
	if !removed {
		return
	}
	d.runner.EmitEvent(stats.Event{Stage: stats.StageOutbox, Type: stats.EventTypeRemoved, Source: entry.Source})
}

func (d *Dispatcher) emit(t stats.EventType, email model.ComposedEmail, err error) {
	d.runner.EmitEvent(stats.Event{
		Stage:    stats.StageDispatch,
		Type:     t,
		Identity: email.Identity.String(),
		Template: email.Header.TemplateName,
		Err:      err,
		Detail:   email.Mode.String(),
	})
}

func noticeText(email model.ComposedEmail, err error) string {
	ids := make([]string, 0, len(email.Entries))
	for _, e := range email.Entries {
		ids = append(ids, e.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "An e-mail could not be delivered and its entries were kept for the next run.\n\n")
	fmt.Fprintf(&b, "Subject:  %s\n", email.Header.Subject)
	fmt.Fprintf(&b, "Template: %s\n", email.Header.TemplateName)
	fmt.Fprintf(&b, "Identity: %s\n", email.Identity.String())
	fmt.Fprintf(&b, "Entries:  %s\n", strings.Join(ids, ", "))
	fmt.Fprintf(&b, "Error:    %v\n", err)
	return b.String()
}
