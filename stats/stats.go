package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageOutbox   Stage = "outbox"
	StageCompose  Stage = "compose"
	StageDispatch Stage = "dispatch"
)

type EventType string

const (
	EventTypeLoaded      EventType = "loaded"
	EventTypeParseFailed EventType = "parse_failed"
	EventTypeFiltered    EventType = "filtered"
	EventTypeRemoved     EventType = "removed"
	EventTypeComposed    EventType = "composed"
	EventTypeRendered    EventType = "rendered"
	EventTypeDelivered   EventType = "delivered"
	EventTypeDryRun      EventType = "dry_run"
	EventTypeError       EventType = "error"
	EventTypeNotified    EventType = "notified"
)

type Event struct {
	Stage    Stage
	Type     EventType
	Source   string
	Identity string
	Template string
	Err      error
	Detail   string
}

type Summary struct {
	Loaded      int
	ParseFailed int
	Filtered    int
	Removed     int
	Composed    int
	Rendered    int
	Delivered   int
	DryRun      int
	Notified    int
	Errors      int
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"loaded", s.Loaded,
		"parseFailed", s.ParseFailed,
		"filtered", s.Filtered,
		"composed", s.Composed,
		"rendered", s.Rendered,
		"delivered", s.Delivered,
		"dryRun", s.DryRun,
		"removed", s.Removed,
		"notified", s.Notified,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Observer receives every event the collector applies.
type Observer interface {
	Observe(Event)
}

type Collector struct {
	mu        sync.Mutex
	summary   Summary
	observers []Observer
}

func NewCollector(observers ...Observer) *Collector {
	return &Collector{observers: observers}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	switch evt.Type {
	case EventTypeLoaded:
		c.summary.Loaded++
	case EventTypeParseFailed:
		c.summary.ParseFailed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeRemoved:
		c.summary.Removed++
	case EventTypeComposed:
		c.summary.Composed++
	case EventTypeRendered:
		c.summary.Rendered++
	case EventTypeDelivered:
		c.summary.Delivered++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeNotified:
		c.summary.Notified++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
	c.mu.Unlock()

	for _, o := range c.observers {
		o.Observe(evt)
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger, observers ...Observer) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(observers...),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Pair is a key with its count.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, most frequent first. Ties are
// ordered by key. A limit below 1 returns every key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
