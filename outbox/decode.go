package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dhcgn/outbox-mailer/jsonvalue"
	"github.com/dhcgn/outbox-mailer/model"
)

var (
	ErrEmptyDir    = errors.New("outbox directory is empty")
	ErrInvalidTime = errors.New("invalid utc timestamp")
	// ErrFieldCase rejects keys that encoding/json would match case-insensitively.
	ErrFieldCase = errors.New("field name differs only in case")
)

// DecodeError reports an entry file that could not be turned into an Entry.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode entry %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type wireEntry struct {
	ID          string             `json:"id" validate:"required"`
	UTC         string             `json:"utc" validate:"required"`
	NotifyError []string           `json:"notify_error" validate:"omitempty,dive,required"`
	Email       *model.EmailHeader `json:"email" validate:"required"`
	Context     *jsonvalue.Object  `json:"context" validate:"required"`
}

// timestamps without an offset are written by producers in UTC.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// Decode parses one entry file.
func Decode(raw model.RawEntry) (model.Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(raw.Content, &w); err != nil {
		return model.Entry{}, &DecodeError{Source: raw.Source, Err: err}
	}
	if err := checkFieldCase(raw.Content); err != nil {
		return model.Entry{}, &DecodeError{Source: raw.Source, Err: err}
	}
	if err := validate.Struct(w); err != nil {
		return model.Entry{}, &DecodeError{Source: raw.Source, Err: err}
	}

	utc, err := ParseTime(w.UTC)
	if err != nil {
		return model.Entry{}, &DecodeError{Source: raw.Source, Err: err}
	}

	header := *w.Email
	header.Normalize()

	notify := w.NotifyError
	if notify == nil {
		notify = []string{}
	}

	return model.Entry{
		ID:          w.ID,
		UTC:         utc,
		NotifyError: notify,
		Email:       header,
		Context:     w.Context,
		Source:      raw.Source,
		Path:        raw.Path,
	}, nil
}

var (
	entryFields  = jsonFields(reflect.TypeFor[wireEntry]())
	headerFields = jsonFields(reflect.TypeFor[model.EmailHeader]())
)

func jsonFields(t reflect.Type) []string {
	fields := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			fields = append(fields, name)
		}
	}
	return fields
}

func checkFieldCase(content []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(content, &top); err != nil {
		return err
	}
	if err := matchFieldCase(top, entryFields, ""); err != nil {
		return err
	}
	var email map[string]json.RawMessage
	if err := json.Unmarshal(top["email"], &email); err != nil {
		return nil
	}
	return matchFieldCase(email, headerFields, "email.")
}

func matchFieldCase(obj map[string]json.RawMessage, fields []string, prefix string) error {
	for key := range obj {
		for _, f := range fields {
			if key != f && strings.EqualFold(key, f) {
				return fmt.Errorf("%w: %s%s, want %s%s", ErrFieldCase, prefix, key, prefix, f)
			}
		}
	}
	return nil
}

// ParseTime accepts RFC 3339 timestamps and offset-less ISO-8601 timestamps,
// which are read as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}
