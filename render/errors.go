package render

import (
	"errors"
	"fmt"
)

var ErrUnknownEngine = errors.New("unknown template engine")

// UnknownEngineError is returned when a marker or option names an engine that
// does not exist.
type UnknownEngineError struct {
	Name string
}

func (e *UnknownEngineError) Error() string {
	return fmt.Sprintf("%s %q", ErrUnknownEngine, e.Name)
}

func (e *UnknownEngineError) Is(target error) bool {
	return target == ErrUnknownEngine
}

// LoadError is returned when template source cannot be read.
type LoadError struct {
	Template string
	Path     string
	Err      error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load template %q: %v", e.Template, e.Err)
	}
	return fmt.Sprintf("load template %q from %s: %v", e.Template, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// RenderError wraps a failure reported by an engine.
type RenderError struct {
	Engine Engine
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s engine: %v", e.Engine, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}
