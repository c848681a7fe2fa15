// Package detector classifies a fresh observation against an entry's stored baseline.
package detector

import (
	"time"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// Classify compares obs with the stored state of entry.
// A count change takes precedence over a fingerprint change. Updated carries
// the new baseline only when the kind is a change.
func Classify(entry monitor.MonitoredEntry, obs monitor.Observation, now time.Time) monitor.Check {
	check := monitor.Check{Entry: entry, Updated: entry, Kind: monitor.Unchanged}

	switch {
	case obs.Extraction.Count != entry.OccurrenceCount:
		check.Kind = monitor.CountChanged
	case obs.Fingerprint != entry.PageContentHash:
		check.Kind = monitor.ContentChanged
	default:
		return check
	}

	check.Updated.OccurrenceCount = obs.Extraction.Count
	check.Updated.PageContentHash = obs.Fingerprint
	check.Updated.LastUpdated = now
	check.Record = &monitor.ChangeRecord{
		EntryID:       entry.ID,
		UserID:        entry.UserID,
		Title:         entry.Title,
		URL:           entry.URL,
		QueryStr:      entry.QueryStr,
		AdvCount:      obs.Extraction.Count,
		PreviousCount: entry.OccurrenceCount,
		Kind:          check.Kind,
		DetectedAt:    now,
	}
	return check
}

// Unreachable records a failed observation. The entry is left untouched.
func Unreachable(entry monitor.MonitoredEntry, err error) monitor.Check {
	return monitor.Check{Entry: entry, Updated: entry, Kind: monitor.Unreachable, Err: err}
}
