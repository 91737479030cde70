package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/outbox-mailer/model"
)

var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeSystem    []string
	IncludeSubsystem []string
	ExcludeSystem    []string
	ExcludeSubsystem []string
}

// Filter selects entries by the system and subsystem of their e-mail header.
type Filter struct {
	includeMode      bool
	excludeMode      bool
	includeSystem    []*regexp.Regexp
	includeSubsystem []*regexp.Regexp
	excludeSystem    []*regexp.Regexp
	excludeSubsystem []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeSystem, err := compilePatterns(opts.IncludeSystem)
	if err != nil {
		return nil, fmt.Errorf("compile include-system pattern: %w", err)
	}
	includeSubsystem, err := compilePatterns(opts.IncludeSubsystem)
	if err != nil {
		return nil, fmt.Errorf("compile include-subsystem pattern: %w", err)
	}
	excludeSystem, err := compilePatterns(opts.ExcludeSystem)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-system pattern: %w", err)
	}
	excludeSubsystem, err := compilePatterns(opts.ExcludeSubsystem)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-subsystem pattern: %w", err)
	}

	includeActive := len(includeSystem) > 0 || len(includeSubsystem) > 0
	excludeActive := len(excludeSystem) > 0 || len(excludeSubsystem) > 0
	if includeActive && excludeActive {
		return nil, ErrModeConflict
	}

	return &Filter{
		includeMode:      includeActive,
		excludeMode:      excludeActive,
		includeSystem:    includeSystem,
		includeSubsystem: includeSubsystem,
		excludeSystem:    excludeSystem,
		excludeSubsystem: excludeSubsystem,
	}, nil
}

// Allows reports whether an entry with header h should be processed. A nil
// filter allows everything.
func (f *Filter) Allows(h model.EmailHeader) bool {
	if f == nil {
		return true
	}

	if f.includeMode {
		return matchAny(f.includeSystem, h.System) || matchAny(f.includeSubsystem, h.Subsystem)
	}

	if f.excludeMode {
		if matchAny(f.excludeSystem, h.System) || matchAny(f.excludeSubsystem, h.Subsystem) {
			return false
		}
	}

	return true
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
