package grouping

import (
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/outbox-mailer/model"
)

func header() model.EmailHeader {
	return model.EmailHeader{
		System:       "billing",
		Subsystem:    "invoices",
		From:         "robot@example.com",
		To:           []string{"a@example.com", "b@example.com"},
		Subject:      "Daily <report>",
		TemplateName: "daily",
	}
}

func TestCanonical(t *testing.T) {
	got, err := Canonical(header())
	require.NoError(t, err)

	want := `{"system":"billing","subsystem":"invoices","from":"robot@example.com",` +
		`"to":["a@example.com","b@example.com"],"cc":[],"bcc":[],"reply_to":[],` +
		`"subject":"Daily <report>","template":"daily","alternative_content":"",` +
		`"attachments":[],"custom_key":""}`
	assert.Equal(t, want, string(got))
}

func TestChecksum(t *testing.T) {
	base := header()

	reordered := header()
	reordered.To = []string{"b@example.com", "a@example.com"}

	otherSubject := header()
	otherSubject.Subject = "Weekly"

	emptyLists := header()
	emptyLists.Cc = []string{}
	emptyLists.Attachments = []string{}

	tests := []struct {
		name  string
		other model.EmailHeader
		same  bool
	}{
		{name: "identical header", other: header(), same: true},
		{name: "nil and empty lists encode alike", other: emptyLists, same: true},
		{name: "array order matters", other: reordered, same: false},
		{name: "different subject", other: otherSubject, same: false},
	}

	want, err := Checksum(base)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Checksum(tt.other)
			require.NoError(t, err)
			if tt.same {
				assert.Equal(t, want, got)
			} else {
				assert.NotEqual(t, want, got)
			}
		})
	}
}

func TestChecksumMatchesCRC32OfCanonical(t *testing.T) {
	data, err := Canonical(header())
	require.NoError(t, err)
	id, err := Checksum(header())
	require.NoError(t, err)

	assert.Equal(t, crc32.ChecksumIEEE(data), uint32(id))
}

// Pinned identities were computed over the compact, non-ASCII-preserving JSON
// producers emit for the same headers.
func TestChecksumPinnedIdentities(t *testing.T) {
	separators := header()
	separators.Subject = "a\u2028b\u2029c \\u2028"

	tests := []struct {
		name      string
		header    model.EmailHeader
		canonical string
		identity  string
	}{
		{
			name:   "plain header",
			header: header(),
			canonical: `{"system":"billing","subsystem":"invoices","from":"robot@example.com",` +
				`"to":["a@example.com","b@example.com"],"cc":[],"bcc":[],"reply_to":[],` +
				`"subject":"Daily <report>","template":"daily","alternative_content":"",` +
				`"attachments":[],"custom_key":""}`,
			identity: "ed95122e",
		},
		{
			name:   "line and paragraph separators stay raw",
			header: separators,
			canonical: `{"system":"billing","subsystem":"invoices","from":"robot@example.com",` +
				`"to":["a@example.com","b@example.com"],"cc":[],"bcc":[],"reply_to":[],` +
				"\"subject\":\"a\u2028b\u2029c \\\\u2028\",\"template\":\"daily\",\"alternative_content\":\"\"," +
				`"attachments":[],"custom_key":""}`,
			identity: "8bd90755",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(tt.header)
			require.NoError(t, err)
			assert.Equal(t, tt.canonical, string(got))

			id, err := Checksum(tt.header)
			require.NoError(t, err)
			assert.Equal(t, tt.identity, id.String())
		})
	}
}

func TestIdentityString(t *testing.T) {
	assert.Equal(t, "cbf43926", model.Identity(crc32.ChecksumIEEE([]byte("123456789"))).String())
	assert.Equal(t, "f", model.Identity(15).String())
}

func TestGroup(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	other := header()
	other.TemplateName = "other"

	entries := []model.Entry{
		{ID: "late", UTC: base.Add(2 * time.Minute), Email: header()},
		{ID: "x", UTC: base, Email: other},
		{ID: "early", UTC: base, Email: header()},
		{ID: "tie", UTC: base, Email: header()},
	}

	groups, err := Group(entries)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	ids := func(g model.EntryGroup) []string {
		var out []string
		for _, e := range g.Entries {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{"early", "tie", "late"}, ids(groups[0]))
	assert.Equal(t, []string{"x"}, ids(groups[1]))
	assert.Equal(t, "early", groups[0].First().ID)

	want, _ := Checksum(header())
	assert.Equal(t, want, groups[0].Identity)
}

func TestGroupEmpty(t *testing.T) {
	groups, err := Group(nil)
	require.NoError(t, err)
	assert.Empty(t, groups)
}
