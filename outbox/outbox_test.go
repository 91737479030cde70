package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/outbox-mailer/model"
	"github.com/dhcgn/outbox-mailer/state"
)

const validEntry = `{
  "id": "42",
  "utc": "2024-03-01T10:00:00+00:00",
  "notify_error": ["ops@example.com"],
  "email": {"system": "erp", "from": "robot@example.com", "to": ["a@example.com"], "subject": "Hi", "template": "daily"},
  "context": {"z": 1, "+rows": {"id": 1}, "a": 2.50}
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDecode(t *testing.T) {
	entry, err := Decode(model.RawEntry{Source: "a.json", Path: "/x/a.json", Content: []byte(validEntry)})
	require.NoError(t, err)

	assert.Equal(t, "42", entry.ID)
	assert.True(t, entry.UTC.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{"ops@example.com"}, entry.NotifyError)
	assert.Equal(t, "daily", entry.Email.TemplateName)
	assert.Equal(t, []string{}, entry.Email.Cc)
	assert.Equal(t, []string{"z", "+rows", "a"}, entry.Context.Keys())
	assert.Equal(t, "a.json", entry.Source)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validation bool
	}{
		{name: "syntax error", content: `{"id": "1",`},
		{name: "not an object", content: `[1,2]`},
		{name: "missing id", content: `{"utc":"2024-01-01T00:00:00Z","email":{"template":"t"},"context":{}}`, validation: true},
		{name: "missing template", content: `{"id":"1","utc":"2024-01-01T00:00:00Z","email":{"subject":"s"},"context":{}}`, validation: true},
		{name: "null context", content: `{"id":"1","utc":"2024-01-01T00:00:00Z","email":{"template":"t"},"context":null}`, validation: true},
		{name: "context is array", content: `{"id":"1","utc":"2024-01-01T00:00:00Z","email":{"template":"t"},"context":[]}`},
		{name: "bad timestamp", content: `{"id":"1","utc":"yesterday","email":{"template":"t"},"context":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(model.RawEntry{Source: "bad.json", Content: []byte(tt.content)})
			require.Error(t, err)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, "bad.json", decodeErr.Source)

			var verrs validator.ValidationErrors
			assert.Equal(t, tt.validation, errors.As(err, &verrs))
		})
	}
}

func TestDecodeRejectsFieldCase(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "entry key", content: `{"ID":"1","utc":"2024-01-01T00:00:00Z","email":{"template":"t"},"context":{}}`},
		{name: "header key", content: `{"id":"1","utc":"2024-01-01T00:00:00Z","email":{"Template":"t"},"context":{}}`},
		{name: "both spellings", content: `{"id":"1","Id":"2","utc":"2024-01-01T00:00:00Z","email":{"template":"t"},"context":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(model.RawEntry{Source: "case.json", Content: []byte(tt.content)})
			assert.ErrorIs(t, err, ErrFieldCase)
		})
	}
}

func TestDecodeDefaultsOptionalFields(t *testing.T) {
	entry, err := Decode(model.RawEntry{Source: "min.json", Content: []byte(`{"id":"1","utc":"2024-01-01T00:00:00Z","email":{"template":"t"},"context":{}}`)})
	require.NoError(t, err)

	assert.Equal(t, []string{}, entry.NotifyError)
	assert.Equal(t, []string{}, entry.Email.To)
	assert.Empty(t, entry.Email.Subject)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "2024-03-01T10:00:00Z", want: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{in: "2024-03-01T12:00:00+02:00", want: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{in: "2024-03-01T10:00:00.123456", want: time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC)},
		{in: "2024-03-01 10:00:00", want: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := ParseTime("01.03.2024")
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", validEntry)
	writeFile(t, dir, "nested/b.JSON", validEntry)
	writeFile(t, dir, "broken.json", `{"id": `)
	writeFile(t, dir, "notes.txt", validEntry)

	res, err := Load(context.Background(), Options{Dir: dir, Extension: ".json", Workers: 4}, nil)
	require.NoError(t, err)

	require.Len(t, res.Entries, 2)
	assert.Equal(t, "a.json", res.Entries[0].Source)
	assert.Equal(t, "nested/b.JSON", res.Entries[1].Source)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "broken.json", res.Failures[0].Raw.Source)
	assert.Equal(t, `{"id": `, string(res.Failures[0].Raw.Content))
	assert.Empty(t, res.Removed)

	_, err = os.Stat(filepath.Join(dir, "a.json"))
	assert.NoError(t, err)
}

func TestLoadDeleteAfterRead(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "a.json", validEntry)
	bad := writeFile(t, dir, "b.json", `nope`)

	ledger := state.NewLedger()
	res, err := Load(context.Background(), Options{Dir: dir, Extension: ".json", DeleteAfterRead: true, Ledger: ledger}, nil)
	require.NoError(t, err)

	assert.Len(t, res.Entries, 1)
	assert.Len(t, res.Failures, 1)
	assert.ElementsMatch(t, []string{"a.json", "b.json"}, res.Removed)

	for _, p := range []string{good, bad} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}

	removed, err := Remove(res.Entries[0], ledger)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLoadMissingDir(t *testing.T) {
	_, err := Load(context.Background(), Options{Dir: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.Error(t, err)

	_, err = Load(context.Background(), Options{}, nil)
	assert.ErrorIs(t, err, ErrEmptyDir)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.json", validEntry)
	ledger := state.NewLedger()
	entry := model.Entry{Source: "a.json", Path: path}

	removed, err := Remove(entry, ledger)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = Remove(entry, ledger)
	require.NoError(t, err)
	assert.False(t, removed)
}
