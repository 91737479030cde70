package render

import (
	"path/filepath"
	"strings"
)

// RenderedPath names the output of rendering the template at path: an engine
// extension is dropped (mail.html.hbs becomes mail.html), any other extension
// gets a "rendered" infix (mail.html becomes mail.rendered.html) and a bare
// name gets a ".rendered" suffix.
func RenderedPath(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return path + ".rendered"
	}
	stem := strings.TrimSuffix(path, ext)
	if _, ok := EngineForExtension(ext); ok {
		return stem
	}
	return stem + ".rendered" + strings.ToLower(ext)
}
