package model

import (
	"strconv"

	"github.com/dhcgn/outbox-mailer/jsonvalue"
)

// Identity is the CRC-32 checksum of an entry's canonical header encoding.
type Identity uint32

// String formats the identity the way producers name their files: lowercase
// hex without padding.
func (id Identity) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

// EntryGroup is the non-empty list of entries sharing one identity, sorted by UTC.
type EntryGroup struct {
	Identity Identity
	Entries  []Entry
}

func (g EntryGroup) First() Entry {
	return g.Entries[0]
}

type ComposeMode int

const (
	ComposeSingle ComposeMode = iota
	ComposeBatch
)

func (m ComposeMode) String() string {
	if m == ComposeBatch {
		return "batch"
	}
	return "single"
}

func (m ComposeMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ComposedEmail is a header plus the context it is rendered against.
type ComposedEmail struct {
	Identity Identity
	Mode     ComposeMode
	Header   EmailHeader
	Context  *jsonvalue.Object

	// Entries lists every entry whose context contributed to this e-mail.
	Entries []Entry
}

// NotifyError returns the de-duplicated error recipients of all covered entries.
func (c ComposedEmail) NotifyError() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range c.Entries {
		for _, addr := range e.NotifyError {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Sources returns the source identifiers of the covered entries.
func (c ComposedEmail) Sources() []string {
	out := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, e.Source)
	}
	return out
}
