package render

import (
	"bytes"
	"errors"
	htmltemplate "html/template"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
)

const inMemoryName = "__in_memory__"

// siblingExtensions are the files under the templates root that are parsed
// into the template set so the primary template can include them by their
// slash-separated path relative to the root.
var siblingExtensions = map[string]bool{
	".html":   true,
	".htm":    true,
	".xml":    true,
	".txt":    true,
	".tmpl":   true,
	".gotmpl": true,
	".tpl":    true,
}

var escapedExtensions = map[string]bool{
	"html":  true,
	"htm":   true,
	"xml":   true,
	"xhtml": true,
	"svg":   true,
}

type source struct {
	name string
	text string
}

func (r *Renderer) renderFull(tpl Template, text string, data any) (string, error) {
	root, err := r.templatesRoot(tpl)
	if err != nil {
		return "", err
	}
	siblings, err := loadSiblings(root)
	if err != nil {
		return "", err
	}

	ext := r.inMemoryExtension(tpl)
	name := inMemoryName + "." + ext

	var buf bytes.Buffer
	if escapedExtensions[ext] {
		t := htmltemplate.New(name).Funcs(sprig.FuncMap())
		for _, s := range siblings {
			if _, err := t.New(s.name).Parse(s.text); err != nil {
				return "", err
			}
		}
		if _, err := t.Parse(text); err != nil {
			return "", err
		}
		if err := t.ExecuteTemplate(&buf, name, data); err != nil {
			return "", err
		}
		return buf.String(), nil
	}

	t := texttemplate.New(name).Funcs(sprig.TxtFuncMap())
	for _, s := range siblings {
		if _, err := t.New(s.name).Parse(s.text); err != nil {
			return "", err
		}
	}
	if _, err := t.Parse(text); err != nil {
		return "", err
	}
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Renderer) templatesRoot(tpl Template) (string, error) {
	if r.opts.TemplatesRoot != "" {
		return r.opts.TemplatesRoot, nil
	}
	if tpl.Path != "" {
		return filepath.Dir(tpl.Path), nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}

// inMemoryExtension is the forced extension, else the template's own
// extension with an engine extension peeled off (page.html.gotmpl is html),
// else html.
func (r *Renderer) inMemoryExtension(tpl Template) string {
	if ext := strings.TrimPrefix(r.opts.Extension, "."); ext != "" {
		return strings.ToLower(ext)
	}
	base := filepath.Base(tpl.Path)
	if tpl.Path == "" {
		return "html"
	}
	ext := filepath.Ext(base)
	if _, isEngine := EngineForExtension(ext); isEngine {
		ext = filepath.Ext(strings.TrimSuffix(base, ext))
	}
	if ext == "" {
		return "html"
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func loadSiblings(root string) ([]source, error) {
	var out []source
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() || !siblingExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		out = append(out, source{name: filepath.ToSlash(rel), text: string(content)})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}
