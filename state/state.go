package state

import (
	"strings"
	"sync"
)

// Snapshot summarises a ledger.
type Snapshot struct {
	Pending int
	Failed  int
	Removed int
}

// Ledger tracks, for one run, how many composed e-mails still cover each entry
// source, which sources were fully delivered and whether the source file has
// been claimed for removal. A source is claimed at most once.
type Ledger struct {
	mu      sync.Mutex
	pending  map[string]int
	failed   map[string]struct{}
	released map[string]struct{}
	removed  map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		pending:  make(map[string]int),
		failed:   make(map[string]struct{}),
		released: make(map[string]struct{}),
		removed:  make(map[string]struct{}),
	}
}

// Expect registers one more e-mail covering source.
func (l *Ledger) Expect(source string) {
	if strings.TrimSpace(source) == "" {
		return
	}
	l.mu.Lock()
	l.pending[source]++
	l.mu.Unlock()
}

// Settle records the outcome of one e-mail covering source. It returns true
// at most once per source: when the last covering e-mail was delivered and none
// failed. The source may then be removed; removal itself still goes through
// Claim.
func (l *Ledger) Settle(source string, delivered bool) bool {
	if strings.TrimSpace(source) == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.pending[source]; n > 0 {
		l.pending[source] = n - 1
	}
	if !delivered {
		l.failed[source] = struct{}{}
	}
	if l.pending[source] > 0 {
		return false
	}
	delete(l.pending, source)
	if _, failed := l.failed[source]; failed {
		return false
	}
	if _, done := l.released[source]; done {
		return false
	}
	l.released[source] = struct{}{}
	return true
}

// Claim marks source as removed and reports whether this call was the first.
func (l *Ledger) Claim(source string) bool {
	if strings.TrimSpace(source) == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimLocked(source)
}

func (l *Ledger) claimLocked(source string) bool {
	if _, ok := l.removed[source]; ok {
		return false
	}
	l.removed[source] = struct{}{}
	return true
}

func (l *Ledger) Removed(source string) bool {
	l.mu.Lock()
	_, ok := l.removed[source]
	l.mu.Unlock()
	return ok
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := 0
	for _, n := range l.pending {
		pending += n
	}
	return Snapshot{Pending: pending, Failed: len(l.failed), Removed: len(l.removed)}
}
