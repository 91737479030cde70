package render

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibraryLoad(t *testing.T) {
	root := t.TempDir()
	path := writeTemplate(t, root, "daily/template.html.hbs", "Hello {{name}}")
	writeTemplate(t, root, "daily/logo.png", "png")

	lib := NewLibrary(root, "")
	tpl, err := lib.Load("daily")
	require.NoError(t, err)
	assert.Equal(t, "daily", tpl.Name)
	assert.Equal(t, path, tpl.Path)
	assert.Equal(t, "Hello {{name}}", tpl.Source)
	assert.Equal(t, filepath.Join(root, "daily"), lib.Dir("daily"))

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o644))
	cached, err := lib.Load("daily")
	require.NoError(t, err)
	assert.Equal(t, "Hello {{name}}", cached.Source)
}

func TestLibraryFixedFileName(t *testing.T) {
	root := t.TempDir()
	writeTemplate(t, root, "weekly/mail.liquid", "{{ x }}")

	tpl, err := NewLibrary(root, "mail.liquid").Load("weekly")
	require.NoError(t, err)
	assert.Equal(t, "{{ x }}", tpl.Source)
}

func TestLibraryErrors(t *testing.T) {
	root := t.TempDir()
	writeTemplate(t, root, "twice/template.hbs", "a")
	writeTemplate(t, root, "twice/template.liquid", "b")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	tests := []struct {
		name     string
		template string
		notExist bool
	}{
		{name: "missing directory", template: "missing", notExist: true},
		{name: "no template file", template: "empty", notExist: true},
		{name: "ambiguous", template: "twice"},
		{name: "path traversal", template: "../etc"},
		{name: "empty name", template: ""},
	}

	lib := NewLibrary(root, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lib.Load(tt.template)
			require.Error(t, err)

			var loadErr *LoadError
			require.True(t, errors.As(err, &loadErr))
			assert.Equal(t, tt.template, loadErr.Template)
			assert.Equal(t, tt.notExist, errors.Is(err, os.ErrNotExist))
		})
	}
}
