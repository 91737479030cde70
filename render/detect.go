package render

import (
	"regexp"
	"strings"
)

// MarkerWindow is how far into a template the engine marker may start.
const MarkerWindow = 4096

var markerPattern = regexp.MustCompile(`(?i)<!--\s*template\s+(\w+)\s*-->`)

// DetectEngine picks an engine from a file extension and the template text.
// A known extension wins. Otherwise a marker such as <!--template liquid-->
// starting within the first MarkerWindow bytes selects the engine; the marker
// is removed and the remaining text trimmed. Without either signal the
// template is passed through unchanged. The returned text is what should be
// rendered.
func DetectEngine(ext, text string) (Engine, string, error) {
	if e, ok := EngineForExtension(ext); ok {
		return e, text, nil
	}

	loc := markerPattern.FindStringSubmatchIndex(text)
	if loc == nil || loc[0] >= MarkerWindow {
		return EngineNone, text, nil
	}

	name := text[loc[2]:loc[3]]
	e, err := ParseEngine(name)
	if err != nil || e == EngineAuto {
		return EngineAuto, text, &UnknownEngineError{Name: name}
	}
	return e, strings.TrimSpace(text[:loc[0]] + text[loc[1]:]), nil
}
