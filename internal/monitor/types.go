// Package monitor defines the core types shared across the change-detection subsystems.
package monitor

import (
	"net/http"
	"time"
)

// MonitoredEntry is one (user, URL, query string) tracking registration.
type MonitoredEntry struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Title           string     `json:"title"`
	QueryStr        string     `json:"query_str"`
	URL             string     `json:"url"`
	Description     string     `json:"description,omitempty"`
	OccurrenceCount int        `json:"occurrence_count"`
	PageContentHash string     `json:"page_content_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUpdated     time.Time  `json:"last_updated"`
	NotifiedAt      *time.Time `json:"notified_at,omitempty"`
}

// PendingNotification reports whether the entry changed after the last delivered notification.
func (e MonitoredEntry) PendingNotification() bool {
	if e.PageContentHash == "" || !e.LastUpdated.After(e.CreatedAt) {
		return false
	}
	return e.NotifiedAt == nil || e.LastUpdated.After(*e.NotifiedAt)
}

// User owns monitored entries and is the fan-out key for notifications.
type User struct {
	ID             string    `json:"id"`
	FullName       string    `json:"full_name"`
	Email          string    `json:"email"`
	TelegramChatID string    `json:"telegram_chat_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChangeKind classifies the outcome of one entry check.
type ChangeKind string

// Classification values produced by the detector.
const (
	Unchanged      ChangeKind = "UNCHANGED"
	CountChanged   ChangeKind = "COUNT_CHANGED"
	ContentChanged ChangeKind = "CONTENT_CHANGED"
	Unreachable    ChangeKind = "UNREACHABLE"
)

// Changed reports whether the kind produces a notification.
func (k ChangeKind) Changed() bool {
	return k == CountChanged || k == ContentChanged
}

// ChangeRecord is produced per entry per cycle when a change is detected.
type ChangeRecord struct {
	EntryID       string     `json:"entry_id"`
	UserID        string     `json:"user_id"`
	Title         string     `json:"title"`
	URL           string     `json:"url"`
	QueryStr      string     `json:"query_str"`
	AdvCount      int        `json:"adv_count"`
	PreviousCount int        `json:"previous_count"`
	Kind          ChangeKind `json:"kind"`
	DetectedAt    time.Time  `json:"detected_at"`
	// Redelivered marks a change from an earlier cycle whose notification failed.
	Redelivered bool `json:"redelivered,omitempty"`
}

// UserBatch groups the change records of one user for a single dispatch.
type UserBatch struct {
	User    User           `json:"user"`
	Records []ChangeRecord `json:"records"`
}

// EntryIDs lists the entry ids covered by the batch, in record order.
func (b UserBatch) EntryIDs() []string {
	ids := make([]string, 0, len(b.Records))
	for _, rec := range b.Records {
		ids = append(ids, rec.EntryID)
	}
	return ids
}

// Strategy names the fetch path that produced a page.
type Strategy string

// Fetch strategies.
const (
	StrategyStatic   Strategy = "static"
	StrategyRendered Strategy = "rendered"
)

// PageContent is the raw document returned by a fetcher.
type PageContent struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Strategy   Strategy
	Insecure   bool
}

// Extraction is the result of scanning a page for a query string.
type Extraction struct {
	Count    int
	RawCount int
	Fragment string
	Matched  bool
}

// Observation is the fully evaluated state of a page for one entry.
type Observation struct {
	Page        PageContent
	Extraction  Extraction
	Fingerprint string
}

// Check is the outcome of evaluating one entry.
type Check struct {
	Entry   MonitoredEntry
	Kind    ChangeKind
	Updated MonitoredEntry
	Record  *ChangeRecord
	Err     error
}
