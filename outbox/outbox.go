// Package outbox reads notification entry files from a directory tree.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/outbox-mailer/model"
	"github.com/dhcgn/outbox-mailer/runner"
	"github.com/dhcgn/outbox-mailer/state"
	"github.com/dhcgn/outbox-mailer/stats"
)

const DefaultExtension = ".json"

type Options struct {
	Dir       string
	Extension string
	// DeleteAfterRead removes each file once its content has been read.
	DeleteAfterRead bool
	Workers         int
	// Ledger guards removals; a private one is used when nil.
	Ledger *state.Ledger
}

// Result holds the decoded entries and the failures, both in walk order.
type Result struct {
	Entries  []model.Entry
	Failures []model.ParseFailure
	Removed  []string
}

type fileResult struct {
	read    bool
	entry   model.Entry
	failure *model.ParseFailure
	removed bool
}

// Load walks opts.Dir recursively and decodes every file whose name ends with
// opts.Extension, compared case-insensitively. Unreadable files are skipped.
// Only a missing or unreadable root is an error.
func Load(ctx context.Context, opts Options, logger *slog.Logger) (Result, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return Result{}, ErrEmptyDir
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Result{}, fmt.Errorf("outbox: %w", err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("outbox: %s is not a directory", dir)
	}

	ext := opts.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	paths, err := scan(dir, ext)
	if err != nil {
		return Result{}, err
	}

	ledger := opts.Ledger
	if ledger == nil {
		ledger = state.NewLedger()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	results := make([]fileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = readOne(dir, path, opts.DeleteAfterRead, ledger, logger)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, r := range results {
		if !r.read {
			continue
		}
		if r.failure != nil {
			res.Failures = append(res.Failures, *r.failure)
		} else {
			res.Entries = append(res.Entries, r.entry)
		}
		if r.removed {
			source := r.entry.Source
			if r.failure != nil {
				source = r.failure.Raw.Source
			}
			res.Removed = append(res.Removed, source)
		}
	}
	return res, nil
}

func scan(dir, ext string) ([]string, error) {
	suffix := strings.ToLower(ext)
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), suffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return paths, nil
}

func readOne(dir, path string, deleteAfterRead bool, ledger *state.Ledger, logger *slog.Logger) fileResult {
	content, err := os.ReadFile(path)
	if err != nil {
		if logger != nil {
			logger.Debug("skipping unreadable entry", "path", path, "err", err)
		}
		return fileResult{}
	}

	source := path
	if rel, err := filepath.Rel(dir, path); err == nil {
		source = filepath.ToSlash(rel)
	}
	raw := model.RawEntry{Source: source, Path: path, Content: content}

	res := fileResult{read: true}
	entry, err := Decode(raw)
	if err != nil {
		res.failure = &model.ParseFailure{Raw: raw, Err: err}
	} else {
		res.entry = entry
	}

	if deleteAfterRead && ledger.Claim(source) {
		if err := os.Remove(path); err != nil {
			if logger != nil {
				logger.Warn("remove entry failed", "path", path, "err", err)
			}
		} else {
			res.removed = true
		}
	}
	return res
}

// Remove deletes the file behind entry unless the ledger has already seen it
// removed. It reports whether the file was removed by this call.
func Remove(entry model.Entry, ledger *state.Ledger) (bool, error) {
	if entry.Path == "" {
		return false, nil
	}
	if !ledger.Claim(entry.Source) {
		return false, nil
	}
	if err := os.Remove(entry.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove %s: %w", entry.Path, err)
	}
	return true, nil
}

// Producer feeds the runner's entry channel from the outbox directory.
type Producer struct {
	opts   Options
	runner *runner.Runner
	logger *slog.Logger
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, ErrEmptyDir
	}
	if opts.Ledger == nil {
		opts.Ledger = r.Ledger()
	}
	p := &Producer{opts: opts, runner: r, logger: logger}
	r.AddStage("outbox", p.run)
	return p, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseEntries()

	res, err := Load(ctx, p.opts, p.logger)
	if err != nil {
		return err
	}
	if p.logger != nil {
		p.logger.Info("outbox scanned", "dir", p.opts.Dir, "entries", len(res.Entries), "failures", len(res.Failures))
	}

	for _, source := range res.Removed {
		p.runner.EmitEvent(stats.Event{Stage: stats.StageOutbox, Type: stats.EventTypeRemoved, Source: source})
	}

	out := p.runner.EntryWriter()
	for i := range res.Failures {
		if err := send(ctx, out, model.Envelope{Failure: &res.Failures[i]}); err != nil {
			return err
		}
	}
	for _, e := range res.Entries {
		if err := send(ctx, out, model.Envelope{Entry: e}); err != nil {
			return err
		}
	}
	return nil
}

func send(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}
