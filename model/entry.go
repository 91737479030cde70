package model

import (
	"time"

	"github.com/dhcgn/outbox-mailer/jsonvalue"
)

// RawEntry is the undecoded content of one entry file.
type RawEntry struct {
	Source  string
	Path    string
	Content []byte
}

// EmailHeader describes the e-mail an entry contributes to. Its JSON encoding
// is the grouping key, so the field order here is part of the identity.
type EmailHeader struct {
	System             string   `json:"system"`
	Subsystem          string   `json:"subsystem"`
	From               string   `json:"from"`
	To                 []string `json:"to"`
	Cc                 []string `json:"cc"`
	Bcc                []string `json:"bcc"`
	ReplyTo            []string `json:"reply_to"`
	Subject            string   `json:"subject"`
	TemplateName       string   `json:"template" validate:"required"`
	AlternativeContent string   `json:"alternative_content"`
	Attachments        []string `json:"attachments"`
	CustomKey          string   `json:"custom_key"`
}

// Normalize replaces nil lists with empty ones so that an omitted list and an
// empty list encode the same way.
func (h *EmailHeader) Normalize() {
	for _, list := range []*[]string{&h.To, &h.Cc, &h.Bcc, &h.ReplyTo, &h.Attachments} {
		if *list == nil {
			*list = []string{}
		}
	}
}

// Recipients returns To, Cc and Bcc in that order.
func (h EmailHeader) Recipients() []string {
	out := make([]string, 0, len(h.To)+len(h.Cc)+len(h.Bcc))
	out = append(out, h.To...)
	out = append(out, h.Cc...)
	out = append(out, h.Bcc...)
	return out
}

// Entry is one decoded notification record. Entries are not modified after decoding.
type Entry struct {
	ID          string
	UTC         time.Time
	NotifyError []string
	Email       EmailHeader
	Context     *jsonvalue.Object

	// Source and Path identify the file the entry was read from.
	Source string
	Path   string
}

// ParseFailure keeps the raw content of an entry that could not be decoded.
type ParseFailure struct {
	Raw RawEntry
	Err error
}

// Envelope carries either a decoded entry or the failure to decode one.
type Envelope struct {
	Entry   Entry
	Failure *ParseFailure
}
