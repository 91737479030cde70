// Package grouping derives the identity of an entry from its e-mail header and
// collects entries that share an identity.
package grouping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"slices"

	"github.com/dhcgn/outbox-mailer/model"
)

// Canonical returns the compact JSON encoding of h in field declaration order.
// Producers compute the same bytes, so the encoding must not change shape:
// lists are always arrays, and neither HTML characters nor U+2028 and U+2029
// are escaped.
func Canonical(h model.EmailHeader) ([]byte, error) {
	h.Normalize()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes that
// encoding/json always emits back into raw characters. Other escapes are
// copied as they are, so an escaped backslash followed by "u2028" survives.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		if rest := data[i+1:]; len(rest) >= 5 && rest[0] == 'u' {
			switch string(rest[1:5]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}

// Checksum returns the CRC-32 (IEEE polynomial, ISO-HDLC) of the canonical header.
func Checksum(h model.EmailHeader) (model.Identity, error) {
	data, err := Canonical(h)
	if err != nil {
		return 0, err
	}
	return model.Identity(crc32.ChecksumIEEE(data)), nil
}

// Group partitions entries by header identity. Groups appear in the order their
// identity was first seen and each group is sorted by UTC; entries with equal
// timestamps keep their arrival order.
func Group(entries []model.Entry) ([]model.EntryGroup, error) {
	index := make(map[model.Identity]int)
	var groups []model.EntryGroup

	for _, e := range entries {
		id, err := Checksum(e.Email)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, model.EntryGroup{Identity: id})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}

	for i := range groups {
		slices.SortStableFunc(groups[i].Entries, func(a, b model.Entry) int {
			return a.UTC.Compare(b.UTC)
		})
	}
	return groups, nil
}
