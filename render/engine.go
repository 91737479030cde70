// Package render selects a template engine for a template and renders it
// against a composed context.
package render

import (
	"sort"
	"strings"
)

// Engine identifies one of the supported template engines.
type Engine int

const (
	// EngineAuto detects the engine from the template path and marker.
	EngineAuto Engine = iota
	// EngineNone returns the template unchanged.
	EngineNone
	// EngineFull is Go's html/template or text/template with sprig functions
	// and access to every template under the templates root.
	EngineFull
	// EngineLogicLess is Handlebars.
	EngineLogicLess
	// EngineSandboxed is Liquid.
	EngineSandboxed
)

type engineSpec struct {
	engine     Engine
	name       string
	aliases    []string
	extensions []string
	summary    string
}

var specs = []engineSpec{
	{EngineFull, "gotmpl", []string{"go", "tmpl"}, []string{".gotmpl", ".tmpl"}, "Go templates with sprig functions and includes"},
	{EngineLogicLess, "handlebars", []string{"hbs", "mustache"}, []string{".hbs", ".handlebars", ".mustache"}, "Handlebars, no includes"},
	{EngineSandboxed, "liquid", []string{"liq"}, []string{".liquid", ".liq"}, "Liquid, restricted execution"},
	{EngineNone, "none", []string{"raw"}, nil, "verbatim passthrough"},
}

var (
	byName      = make(map[string]Engine)
	byExtension = make(map[string]Engine)
)

func init() {
	for _, s := range specs {
		byName[s.name] = s.engine
		for _, a := range s.aliases {
			byName[a] = s.engine
		}
		for _, ext := range s.extensions {
			byExtension[ext] = s.engine
		}
	}
}

func (e Engine) String() string {
	if e == EngineAuto {
		return "auto"
	}
	for _, s := range specs {
		if s.engine == e {
			return s.name
		}
	}
	return "unknown"
}

// ParseEngine resolves an engine name or alias, ignoring case. The empty name
// and "auto" mean detection.
func ParseEngine(name string) (Engine, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "auto" {
		return EngineAuto, nil
	}
	if e, ok := byName[name]; ok {
		return e, nil
	}
	return EngineAuto, &UnknownEngineError{Name: name}
}

// EngineForExtension maps a file extension such as ".hbs" to its engine.
func EngineForExtension(ext string) (Engine, bool) {
	e, ok := byExtension[strings.ToLower(ext)]
	return e, ok
}

// EngineNames returns the canonical engine names.
func EngineNames() []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.name)
	}
	return names
}

// Info describes an engine for listings.
type Info struct {
	Engine     Engine
	Name       string
	Aliases    []string
	Extensions []string
	Summary    string
}

// Engines lists the supported engines.
func Engines() []Info {
	out := make([]Info, 0, len(specs))
	for _, s := range specs {
		aliases := append([]string(nil), s.aliases...)
		exts := append([]string(nil), s.extensions...)
		sort.Strings(aliases)
		out = append(out, Info{Engine: s.engine, Name: s.name, Aliases: aliases, Extensions: exts, Summary: s.summary})
	}
	return out
}
