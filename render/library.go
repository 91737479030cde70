package render

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var errAmbiguousTemplate = errors.New("more than one template.* file")

// Library loads template sources from <Root>/<name>/<FileName>. When FileName
// is empty the directory must hold exactly one file named template.*.
// Loaded sources are cached; a Library is safe for concurrent use.
type Library struct {
	Root     string
	FileName string

	mu    sync.RWMutex
	cache map[string]Template
}

func NewLibrary(root, fileName string) *Library {
	return &Library{Root: root, FileName: fileName, cache: make(map[string]Template)}
}

// Dir returns the directory of the named template.
func (l *Library) Dir(name string) string {
	return filepath.Join(l.Root, name)
}

func (l *Library) Load(name string) (Template, error) {
	l.mu.RLock()
	tpl, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	if err := checkName(name); err != nil {
		return Template{}, &LoadError{Template: name, Err: err}
	}

	path, err := l.locate(name)
	if err != nil {
		return Template{}, &LoadError{Template: name, Path: l.Dir(name), Err: err}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Template{}, &LoadError{Template: name, Path: path, Err: err}
	}

	tpl = Template{Name: name, Path: path, Source: string(content)}
	l.mu.Lock()
	if l.cache == nil {
		l.cache = make(map[string]Template)
	}
	l.cache[name] = tpl
	l.mu.Unlock()
	return tpl, nil
}

func (l *Library) locate(name string) (string, error) {
	dir := l.Dir(name)
	if l.FileName != "" {
		return filepath.Join(dir, l.FileName), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "template.") {
			matches = append(matches, e.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no template.* file in %s: %w", dir, os.ErrNotExist)
	case 1:
		return filepath.Join(dir, matches[0]), nil
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("%w in %s: %s", errAmbiguousTemplate, dir, strings.Join(matches, ", "))
	}
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("template name is empty")
	}
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("template name %q must be a single path element", name)
	}
	return nil
}
