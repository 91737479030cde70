package compose

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/outbox-mailer/grouping"
	"github.com/dhcgn/outbox-mailer/model"
)

func entry(t *testing.T, id string, minute int, subject, ctx string) model.Entry {
	t.Helper()
	return model.Entry{
		ID:  id,
		UTC: time.Date(2024, 1, 1, 8, minute, 0, 0, time.UTC),
		Email: model.EmailHeader{
			System:       "erp",
			Subject:      subject,
			TemplateName: "report",
		},
		Context: obj(t, ctx),
		Source:  id + ".json",
	}
}

func group(t *testing.T, entries ...model.Entry) model.EntryGroup {
	t.Helper()
	groups, err := grouping.Group(entries)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	return groups[0]
}

func TestComposeSingleMode(t *testing.T) {
	g := group(t,
		entry(t, "e1", 0, "s", `{"a":1}`),
		entry(t, "e2", 1, "s", `{"a":2}`),
	)

	c := Compose(g)

	assert.Equal(t, model.ComposeSingle, c.Mode)
	assert.Equal(t, `{"a":1}`, encode(t, c.Merged))
	require.Len(t, c.Emails, 2)
	assert.Equal(t, `{"a":1}`, encode(t, c.Emails[0].Context))
	assert.Equal(t, `{"a":2}`, encode(t, c.Emails[1].Context))
	assert.Equal(t, "e2", c.Emails[1].Entries[0].ID)
	assert.Equal(t, model.ComposeSingle, c.Emails[1].Mode)
}

func TestComposeBatchMode(t *testing.T) {
	g := group(t,
		entry(t, "e2", 5, "s", `{"+rows":{"id":2}}`),
		entry(t, "e1", 1, "s", `{"+rows":{"id":1}}`),
	)

	c := Compose(g)

	assert.Equal(t, model.ComposeBatch, c.Mode)
	require.Len(t, c.Emails, 1)
	email := c.Emails[0]
	assert.Equal(t, model.ComposeBatch, email.Mode)
	assert.Equal(t, `{"rows":[{"order":1,"value":{"id":1}},{"order":2,"value":{"id":2}}]}`, encode(t, email.Context))
	assert.Equal(t, []string{"e1.json", "e2.json"}, email.Sources())
	assert.Equal(t, g.Identity, email.Identity)
}

func TestComposeModeSwitchIsNotRetroactive(t *testing.T) {
	g := group(t,
		entry(t, "plain", 0, "s", `{"title":"first"}`),
		entry(t, "acc1", 1, "s", `{"+rows":"a"}`),
		entry(t, "acc2", 2, "s", `{"title":"ignored","+rows":"b"}`),
	)

	c := Compose(g)

	assert.Equal(t, model.ComposeBatch, c.Mode)
	require.Len(t, c.Emails, 2)

	single := c.Emails[0]
	assert.Equal(t, model.ComposeSingle, single.Mode)
	assert.Equal(t, "plain", single.Entries[0].ID)
	assert.Equal(t, `{"title":"first"}`, encode(t, single.Context))

	batch := c.Emails[1]
	assert.Equal(t, model.ComposeBatch, batch.Mode)
	assert.Len(t, batch.Entries, 3)
	assert.Equal(t, `{"title":"first","rows":[{"order":1,"value":"a"},{"order":2,"value":"b"}]}`, encode(t, batch.Context))
}

func TestComposeBatchUsesFirstEntryHeader(t *testing.T) {
	first := entry(t, "first", 0, "s", `{"+rows":1}`)
	second := entry(t, "second", 1, "s", `{"+rows":2}`)

	c := Compose(group(t, second, first))

	require.Len(t, c.Emails, 1)
	assert.Equal(t, first.Email, c.Emails[0].Header)
	assert.Equal(t, "first", c.Emails[0].Entries[0].ID)
}

func TestComposeKeepsEntryContextsIntact(t *testing.T) {
	e := entry(t, "e1", 0, "s", `{"+rows":1}`)
	c := Compose(group(t, e))

	require.Len(t, c.Emails, 1)
	assert.Equal(t, `{"+rows":1}`, encode(t, e.Context))
	assert.NotSame(t, c.Merged, c.Emails[0].Context)
}

func TestComposeAll(t *testing.T) {
	groups, err := grouping.Group([]model.Entry{
		entry(t, "a1", 0, "A", `{"x":1}`),
		entry(t, "b1", 0, "B", `{"+rows":1}`),
		entry(t, "b2", 1, "B", `{"+rows":2}`),
		entry(t, "a2", 1, "A", `{"x":2}`),
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)

	compositions := ComposeAll(groups)
	require.Len(t, compositions, 2)

	emails := Emails(compositions)
	require.Len(t, emails, 3)
	assert.Equal(t, "A", emails[0].Header.Subject)
	assert.Equal(t, "A", emails[1].Header.Subject)
	assert.Equal(t, model.ComposeBatch, emails[2].Mode)
}

func TestComposeRecordsConflicts(t *testing.T) {
	c := Compose(group(t,
		entry(t, "e1", 0, "s", `{"rows":"x"}`),
		entry(t, "e2", 1, "s", `{"+rows":1}`),
	))

	assert.Equal(t, []string{"rows"}, c.Conflicts)
	require.Len(t, c.Emails, 2)
}
