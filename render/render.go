package render

import (
	"fmt"
	"path/filepath"

	"github.com/aymerick/raymond"
	"github.com/osteele/liquid"
)

// Template is template source plus where it came from.
type Template struct {
	// Name is the template name from the entry header, if any.
	Name string
	// Path is the file the source was read from; it may be empty.
	Path   string
	Source string
}

type Options struct {
	// Engine forces an engine; EngineAuto detects it per template.
	Engine Engine
	// Extension forces the extension of the full engine's in-memory template,
	// which decides between HTML-escaped and plain text output.
	Extension string
	// TemplatesRoot is where the full engine looks for included templates. It
	// defaults to the template's directory, then the executable's directory.
	TemplatesRoot string
}

// Renderer renders templates. It is safe for concurrent use.
type Renderer struct {
	opts Options
}

func NewRenderer(opts Options) *Renderer {
	return &Renderer{opts: opts}
}

// Select returns the engine for tpl and the text to hand to it.
func (r *Renderer) Select(tpl Template) (Engine, string, error) {
	if r.opts.Engine != EngineAuto {
		return r.opts.Engine, tpl.Source, nil
	}
	return DetectEngine(filepath.Ext(tpl.Path), tpl.Source)
}

// Render renders tpl against data. Engine failures are returned as
// *RenderError, an unknown marker as *UnknownEngineError.
func (r *Renderer) Render(tpl Template, data any) (string, error) {
	engine, text, err := r.Select(tpl)
	if err != nil {
		return "", err
	}

	var out string
	switch engine {
	case EngineNone:
		return text, nil
	case EngineFull:
		out, err = r.renderFull(tpl, text, data)
	case EngineLogicLess:
		out, err = raymond.Render(text, data)
	case EngineSandboxed:
		out, err = renderLiquid(text, data)
	default:
		return "", &UnknownEngineError{Name: engine.String()}
	}
	if err != nil {
		return "", &RenderError{Engine: engine, Err: err}
	}
	return out, nil
}

func renderLiquid(text string, data any) (string, error) {
	bindings, ok := data.(map[string]any)
	if !ok && data != nil {
		return "", fmt.Errorf("liquid needs an object context, got %T", data)
	}
	out, serr := liquid.NewEngine().ParseAndRenderString(text, bindings)
	if serr != nil {
		return "", serr
	}
	return out, nil
}
