package compose

import (
	"github.com/dhcgn/outbox-mailer/jsonvalue"
	"github.com/dhcgn/outbox-mailer/model"
)

// Composition is the result of composing one entry group.
type Composition struct {
	Identity model.Identity
	Mode     model.ComposeMode
	// Merged is the context accumulated over the whole group.
	Merged    *jsonvalue.Object
	Emails    []model.ComposedEmail
	Conflicts []string
}

// Compose merges the group's contexts in order. While no accumulation key has
// been seen every entry emits its own e-mail with its own header and context.
// The first accumulation key switches the group to batch mode for good: later
// entries stop emitting and one e-mail with the first entry's header and the
// merged context is emitted once the group is consumed. E-mails emitted before
// the switch are kept.
func Compose(group model.EntryGroup) Composition {
	c := Composition{
		Identity: group.Identity,
		Mode:     model.ComposeSingle,
		Merged:   jsonvalue.NewObject(),
	}

	merger := NewMerger(c.Merged)
	for _, e := range group.Entries {
		out := merger.Merge(e.Context)
		c.Conflicts = append(c.Conflicts, out.Conflicts...)
		if out.Accumulated {
			c.Mode = model.ComposeBatch
		}
		if c.Mode == model.ComposeSingle {
			c.Emails = append(c.Emails, model.ComposedEmail{
				Identity: group.Identity,
				Mode:     model.ComposeSingle,
				Header:   e.Email,
				Context:  e.Context.Clone(),
				Entries:  []model.Entry{e},
			})
		}
	}

	if c.Mode == model.ComposeBatch && len(group.Entries) > 0 {
		entries := make([]model.Entry, len(group.Entries))
		copy(entries, group.Entries)
		c.Emails = append(c.Emails, model.ComposedEmail{
			Identity: group.Identity,
			Mode:     model.ComposeBatch,
			Header:   group.First().Email,
			Context:  c.Merged.Clone(),
			Entries:  entries,
		})
	}
	return c
}

// ComposeAll composes every group in order.
func ComposeAll(groups []model.EntryGroup) []Composition {
	out := make([]Composition, 0, len(groups))
	for _, g := range groups {
		out = append(out, Compose(g))
	}
	return out
}

// Emails flattens the e-mails of several compositions.
func Emails(compositions []Composition) []model.ComposedEmail {
	var out []model.ComposedEmail
	for _, c := range compositions {
		out = append(out, c.Emails...)
	}
	return out
}
