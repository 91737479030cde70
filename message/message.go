// Package message assembles MIME messages from a composed e-mail header and
// its rendered body.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/dhcgn/outbox-mailer/model"
)

var ErrNoRecipients = errors.New("message has no recipients")

type Options struct {
	// AttachmentsRoot resolves relative attachment paths. Empty means the
	// working directory.
	AttachmentsRoot string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Builder struct {
	opts Options
}

func NewBuilder(opts Options) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Builder{opts: opts}
}

// Build assembles the message for header h with the rendered HTML body.
// Relative <img> sources found below templateDir are embedded and referenced
// by Content-ID. Bcc recipients only appear in the envelope.
func (b *Builder) Build(h model.EmailHeader, body, templateDir string) (model.Message, error) {
	from, err := mail.ParseAddress(h.From)
	if err != nil {
		return model.Message{}, fmt.Errorf("from %q: %w", h.From, err)
	}
	to, err := parseList("to", h.To)
	if err != nil {
		return model.Message{}, err
	}
	cc, err := parseList("cc", h.Cc)
	if err != nil {
		return model.Message{}, err
	}
	bcc, err := parseList("bcc", h.Bcc)
	if err != nil {
		return model.Message{}, err
	}
	replyTo, err := parseList("reply_to", h.ReplyTo)
	if err != nil {
		return model.Message{}, err
	}
	recipients := envelope(to, cc, bcc)
	if len(recipients) == 0 {
		return model.Message{}, ErrNoRecipients
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(from.Address, from.Name))
	setAddresses(m, "To", to)
	setAddresses(m, "Cc", cc)
	setAddresses(m, "Reply-To", replyTo)
	m.SetHeader("Subject", h.Subject)

	date := b.opts.Now()
	m.SetDateHeader("Date", date)
	id := newMessageID(from.Address)
	m.SetHeader("Message-ID", "<"+id+">")

	body, inlines := inlineImages(body, templateDir)
	for _, in := range inlines {
		m.Embed(in.path, gomail.Rename(in.name))
	}

	if h.AlternativeContent != "" {
		m.SetBody("text/plain", h.AlternativeContent)
		m.AddAlternative("text/html", body)
	} else {
		m.SetBody("text/html", body)
	}

	for _, a := range h.Attachments {
		path, err := b.attachmentPath(a)
		if err != nil {
			return model.Message{}, err
		}
		m.Attach(path)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return model.Message{}, fmt.Errorf("write message: %w", err)
	}

	return model.Message{
		ID:         id,
		From:       from.Address,
		Recipients: recipients,
		Subject:    h.Subject,
		Date:       date,
		Raw:        buf.Bytes(),
	}, nil
}

// Notice builds a plain text message, used for failure notices.
func (b *Builder) Notice(from string, to []string, subject, text string) (model.Message, error) {
	return b.Build(model.EmailHeader{From: from, To: to, Subject: subject, AlternativeContent: text}, "<pre>"+html.EscapeString(text)+"</pre>", "")
}

func (b *Builder) attachmentPath(name string) (string, error) {
	path := filepath.FromSlash(name)
	if !filepath.IsAbs(path) && b.opts.AttachmentsRoot != "" {
		path = filepath.Join(b.opts.AttachmentsRoot, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("attachment %q: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("attachment %q is a directory", name)
	}
	return path, nil
}

func parseList(field string, values []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		addr, err := mail.ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", field, v, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func setAddresses(m *gomail.Message, field string, addrs []*mail.Address) {
	if len(addrs) == 0 {
		return
	}
	values := make([]string, 0, len(addrs))
	for _, a := range addrs {
		values = append(values, m.FormatAddress(a.Address, a.Name))
	}
	m.SetHeader(field, values...)
}

func envelope(lists ...[]*mail.Address) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, a := range list {
			key := strings.ToLower(a.Address)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, a.Address)
		}
	}
	return out
}

func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

var imgSrcPattern = regexp.MustCompile(`(?i)(<img\b[^>]*?\bsrc\s*=\s*["'])([^"']+)(["'])`)

type inline struct {
	path string
	name string
}

// inlineImages rewrites relative image sources that exist below dir to cid:
// references and returns the files to embed.
func inlineImages(body, dir string) (string, []inline) {
	if dir == "" {
		return body, nil
	}
	var inlines []inline
	byPath := make(map[string]string)
	used := make(map[string]bool)

	out := imgSrcPattern.ReplaceAllStringFunc(body, func(tag string) string {
		parts := imgSrcPattern.FindStringSubmatch(tag)
		src := parts[2]
		path, ok := localImage(dir, src)
		if !ok {
			return tag
		}
		name, seen := byPath[path]
		if !seen {
			name = filepath.Base(path)
			for i := 1; used[name]; i++ {
				name = fmt.Sprintf("%d-%s", i, filepath.Base(path))
			}
			used[name] = true
			byPath[path] = name
			inlines = append(inlines, inline{path: path, name: name})
		}
		return parts[1] + "cid:" + name + parts[3]
	})
	return out, inlines
}

func localImage(dir, src string) (string, bool) {
	src = strings.TrimSpace(src)
	if src == "" || strings.Contains(src, ":") || strings.HasPrefix(src, "/") || strings.HasPrefix(src, "//") {
		return "", false
	}
	path := filepath.Join(dir, filepath.FromSlash(src))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}
