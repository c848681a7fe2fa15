package detector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

var (
	created = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now     = created.Add(48 * time.Hour)
)

func baseline() monitor.MonitoredEntry {
	return monitor.MonitoredEntry{
		ID:              "e-1",
		UserID:          "u-1",
		Title:           "Flat in Tbilisi",
		QueryStr:        "12345",
		URL:             "https://ads.example/list",
		OccurrenceCount: 3,
		PageContentHash: "aaaa",
		CreatedAt:       created,
		LastUpdated:     created,
	}
}

func observation(count int, hash string) monitor.Observation {
	return monitor.Observation{
		Extraction:  monitor.Extraction{Count: count},
		Fingerprint: hash,
	}
}

func TestClassifyUnchangedIsIdempotent(t *testing.T) {
	t.Parallel()

	entry := baseline()
	for range 3 {
		check := Classify(entry, observation(3, "aaaa"), now)
		require.Equal(t, monitor.Unchanged, check.Kind)
		require.Nil(t, check.Record)
		require.Equal(t, entry, check.Updated)
	}
}

func TestClassifyCountChanged(t *testing.T) {
	t.Parallel()

	check := Classify(baseline(), observation(5, "bbbb"), now)
	require.Equal(t, monitor.CountChanged, check.Kind)
	require.True(t, check.Kind.Changed())
	require.Equal(t, 5, check.Updated.OccurrenceCount)
	require.Equal(t, "bbbb", check.Updated.PageContentHash)
	require.Equal(t, now, check.Updated.LastUpdated)

	require.NotNil(t, check.Record)
	require.Equal(t, 5, check.Record.AdvCount)
	require.Equal(t, 3, check.Record.PreviousCount)
	require.Equal(t, "e-1", check.Record.EntryID)
	require.Equal(t, "u-1", check.Record.UserID)
	require.Equal(t, now, check.Record.DetectedAt)

	// The input entry is not mutated.
	require.Equal(t, 3, check.Entry.OccurrenceCount)
}

func TestClassifyCountChangeWinsOverSameHash(t *testing.T) {
	t.Parallel()

	check := Classify(baseline(), observation(0, "aaaa"), now)
	require.Equal(t, monitor.CountChanged, check.Kind)
	require.Equal(t, 0, check.Record.AdvCount)
}

func TestClassifyContentChanged(t *testing.T) {
	t.Parallel()

	check := Classify(baseline(), observation(3, "cccc"), now)
	require.Equal(t, monitor.ContentChanged, check.Kind)
	require.Equal(t, 3, check.Record.AdvCount)
	require.Equal(t, 3, check.Updated.OccurrenceCount)
	require.Equal(t, "cccc", check.Updated.PageContentHash)
}

func TestUnreachableLeavesEntryUntouched(t *testing.T) {
	t.Parallel()

	entry := baseline()
	err := errors.New("boom")
	check := Unreachable(entry, err)
	require.Equal(t, monitor.Unreachable, check.Kind)
	require.False(t, check.Kind.Changed())
	require.Nil(t, check.Record)
	require.Equal(t, entry, check.Updated)
	require.ErrorIs(t, check.Err, err)
}
