package intent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kotori/internal/kotori/command"
)

var cet = time.FixedZone("CET", 3600)

// Wednesday, 10:00 local.
var wednesday = time.Date(2025, 1, 15, 10, 0, 0, 0, cet)

func testResolver() DateResolver {
	return DateResolver{Location: cet, Now: func() time.Time { return wednesday }}
}

func date(t *testing.T, y int, m time.Month, d int) command.Date {
	t.Helper()
	v, err := command.NewDate(y, m, d)
	require.NoError(t, err)
	return v
}

func TestResolveDate(t *testing.T) {
	r := testResolver()
	cases := []struct {
		in   string
		want command.Date
	}{
		{"heute", date(t, 2025, 1, 15)},
		{"Today", date(t, 2025, 1, 15)},
		{"morgen", date(t, 2025, 1, 16)},
		{"tomorrow?", date(t, 2025, 1, 16)},
		{"übermorgen", date(t, 2025, 1, 17)},
		{"the day after tomorrow", date(t, 2025, 1, 17)},
		{"gestern", date(t, 2025, 1, 14)},
		{"vorgestern", date(t, 2025, 1, 13)},
		{"nächste Woche", date(t, 2025, 1, 22)},
		{"next week", date(t, 2025, 1, 22)},
		{"in 3 tagen", date(t, 2025, 1, 18)},
		{"in 2 weeks", date(t, 2025, 1, 29)},
		{"in einer Woche", date(t, 2025, 1, 22)},
		{"freitag", date(t, 2025, 1, 17)},
		{"nächsten Freitag", date(t, 2025, 1, 17)},
		{"monday", date(t, 2025, 1, 20)},
		{"mittwoch", date(t, 2025, 1, 15)},
		{"next wednesday", date(t, 2025, 1, 22)},
		{"kommenden Mittwoch", date(t, 2025, 1, 22)},
		{"2025-03-01", date(t, 2025, 3, 1)},
		{"01.03.2025", date(t, 2025, 3, 1)},
		{"1.3.2025", date(t, 2025, 3, 1)},
		{"15.01.", date(t, 2025, 1, 15)},
		{"14.01.", date(t, 2026, 1, 14)},
		{"03/01/2025", date(t, 2025, 3, 1)},
		{"3. März", date(t, 2025, 3, 3)},
		{"March 3rd", date(t, 2025, 3, 3)},
		{"24 december 2026", date(t, 2026, 12, 24)},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := r.ResolveDate(tc.in)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveDate_Unresolvable(t *testing.T) {
	r := testResolver()
	for _, in := range []string{"", "banana", "31.02.2025", "irgendwann", "13/45/2025"} {
		_, ok := r.ResolveDate(in)
		assert.False(t, ok, in)
	}
}

func TestResolveDateTime(t *testing.T) {
	r := testResolver()
	at := func(d, h, m int) time.Time { return time.Date(2025, 1, d, h, m, 0, 0, cet) }
	cases := []struct {
		in   string
		want time.Time
	}{
		{"morgen um 9 uhr", at(16, 9, 0)},
		{"tomorrow at 14:30", at(16, 14, 30)},
		{"in 30 minuten", wednesday.Add(30 * time.Minute)},
		{"in 2 hours", wednesday.Add(2 * time.Hour)},
		{"in einer Stunde", wednesday.Add(time.Hour)},
		{"2025-01-20 08:15", at(20, 8, 15)},
		{"2025-01-20T08:15", at(20, 8, 15)},
		{"at 11:00", at(15, 11, 0)},
		{"um 9 Uhr", at(16, 9, 0)},
		{"3pm", at(15, 15, 0)},
		{"freitag", at(17, 9, 0)},
		{"15.01.2025 um 18 uhr", at(15, 18, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := r.ResolveDateTime(tc.in)
			require.True(t, ok)
			assert.True(t, tc.want.Equal(got), "got %s, want %s", got, tc.want)
		})
	}

	rfc, ok := r.ResolveDateTime("2025-01-20T08:15:00Z")
	require.True(t, ok)
	assert.True(t, rfc.Equal(time.Date(2025, 1, 20, 8, 15, 0, 0, time.UTC)))

	_, ok = r.ResolveDateTime("quatsch")
	assert.False(t, ok)
	_, ok = r.ResolveDateTime("")
	assert.False(t, ok)
}

func TestExtractDate(t *testing.T) {
	r := testResolver()

	d, ok := r.ExtractDate("Briefing für morgen")
	require.True(t, ok)
	assert.Equal(t, date(t, 2025, 1, 16), d)

	d, ok = r.ExtractDate("what's on today?")
	require.True(t, ok)
	assert.Equal(t, date(t, 2025, 1, 15), d)

	d, ok = r.ExtractDate("Termine für nächsten Montag bitte")
	require.True(t, ok)
	assert.Equal(t, date(t, 2025, 1, 20), d)

	d, ok = r.ExtractDate("briefing 2025-02-01")
	require.True(t, ok)
	assert.Equal(t, date(t, 2025, 2, 1), d)

	_, ok = r.ExtractDate("Guten Morgen")
	assert.False(t, ok, "a greeting is not a date")
	_, ok = r.ExtractDate("version 2")
	assert.False(t, ok, "\"on\" inside a word is not a preposition")
}

func TestDateResolver_ZeroValueUsesUTC(t *testing.T) {
	var r DateResolver
	assert.Equal(t, command.DateOf(time.Now().UTC()), r.Today())
}
