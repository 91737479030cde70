package message

import (
	"bytes"
	"errors"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/outbox-mailer/model"
)

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
}

func TestBuild(t *testing.T) {
	tplDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, "logo.png"), []byte("png"), 0o644))

	attDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(attDir, "report.csv"), []byte("a,b\n"), 0o644))

	h := model.EmailHeader{
		From:         "Robot <robot@example.com>",
		To:           []string{"Ann <ann@example.com>", "bob@example.com"},
		Cc:           []string{"carol@example.com"},
		Bcc:          []string{"audit@example.com", "ANN@example.com"},
		ReplyTo:      []string{"help@example.com"},
		Subject:      "Daily report",
		TemplateName: "daily",
		Attachments:  []string{"report.csv"},
	}
	body := "<p>Hi</p>\n<img src=\"logo.png\">\n<img src=\"https://cdn.example.com/x.png\">"

	b := NewBuilder(Options{AttachmentsRoot: attDir, Now: fixedNow})
	msg, err := b.Build(h, body, tplDir)
	require.NoError(t, err)

	assert.Equal(t, "robot@example.com", msg.From)
	assert.Equal(t, []string{"ann@example.com", "bob@example.com", "carol@example.com", "audit@example.com"}, msg.Recipients)
	assert.Equal(t, "Daily report", msg.Subject)
	assert.True(t, strings.HasSuffix(msg.ID, "@example.com"))

	parsed, err := mail.ReadMessage(bytes.NewReader(msg.Raw))
	require.NoError(t, err)

	to, err := parsed.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 2)
	assert.Equal(t, "Ann", to[0].Name)
	assert.Equal(t, "Daily report", parsed.Header.Get("Subject"))
	assert.Equal(t, "<"+msg.ID+">", parsed.Header.Get("Message-Id"))
	assert.Empty(t, parsed.Header.Get("Bcc"))
	assert.Equal(t, "help@example.com", parsed.Header.Get("Reply-To"))

	date, err := parsed.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(fixedNow()))

	rest, err := io.ReadAll(parsed.Body)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "cid:logo.png")
	assert.Contains(t, string(rest), "https://cdn.example.com/x.png")
	assert.Contains(t, string(rest), `filename="report.csv"`)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		header model.EmailHeader
		target error
	}{
		{name: "bad from", header: model.EmailHeader{From: "not an address", To: []string{"a@example.com"}}},
		{name: "bad to", header: model.EmailHeader{From: "r@example.com", To: []string{"nope"}}},
		{name: "no recipients", header: model.EmailHeader{From: "r@example.com"}, target: ErrNoRecipients},
		{name: "missing attachment", header: model.EmailHeader{From: "r@example.com", To: []string{"a@example.com"}, Attachments: []string{"missing.pdf"}}, target: os.ErrNotExist},
	}

	b := NewBuilder(Options{AttachmentsRoot: t.TempDir()})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(tt.header, "<p>x</p>", "")
			require.Error(t, err)
			if tt.target != nil {
				assert.True(t, errors.Is(err, tt.target), "got %v", err)
			}
		})
	}
}

func TestBuildAlternativeContent(t *testing.T) {
	h := model.EmailHeader{
		From:               "r@example.com",
		To:                 []string{"a@example.com"},
		Subject:            "s",
		AlternativeContent: "plain version",
	}
	msg, err := NewBuilder(Options{}).Build(h, "<b>html version</b>", "")
	require.NoError(t, err)

	raw := string(msg.Raw)
	assert.Contains(t, raw, "multipart/alternative")
	assert.Contains(t, raw, "plain version")
	assert.Contains(t, raw, "html version")
}

func TestInlineImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "img", "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img", "logo.png"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img", "a", "logo.png"), []byte("2"), 0o644))

	body := `<img src="img/logo.png"><IMG alt="x" SRC='img/a/logo.png'><img src="img/logo.png">` +
		`<img src="missing.png"><img src="../outside.png"><img src="data:image/png;base64,AA">`

	out, inlines := inlineImages(body, dir)

	assert.Equal(t, `<img src="cid:logo.png"><IMG alt="x" SRC='cid:1-logo.png'><img src="cid:logo.png">`+
		`<img src="missing.png"><img src="../outside.png"><img src="data:image/png;base64,AA">`, out)
	require.Len(t, inlines, 2)
	assert.Equal(t, filepath.Join(dir, "img", "logo.png"), inlines[0].path)
	assert.Equal(t, "1-logo.png", inlines[1].name)
}

func TestNotice(t *testing.T) {
	msg, err := NewBuilder(Options{}).Notice("robot@example.com", []string{"ops@example.com"}, "failed", "a < b")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, msg.Recipients)
	assert.Contains(t, string(msg.Raw), "a &lt; b")
}
