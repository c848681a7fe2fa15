package monitor

import (
	"context"
	"time"
)

// Gateway is the narrow transactional store the core reads and writes entry state through.
type Gateway interface {
	ListAllEntries(ctx context.Context) ([]MonitoredEntry, error)
	Commit(ctx context.Context, entry MonitoredEntry) error
	GetUser(ctx context.Context, userID string) (User, error)
}

// Store extends Gateway with the registration and admin operations.
type Store interface {
	Gateway
	CreateUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, userID string) error
	CreateEntry(ctx context.Context, entry MonitoredEntry) error
	GetEntry(ctx context.Context, entryID string) (MonitoredEntry, error)
	ListUserEntries(ctx context.Context, userID string) ([]MonitoredEntry, error)
	DeleteEntry(ctx context.Context, entryID string) error
	MarkNotified(ctx context.Context, entryIDs []string, at time.Time) error
	// ListUnnotified returns entries whose last change was never delivered.
	ListUnnotified(ctx context.Context) ([]MonitoredEntry, error)
	Close() error
}

// Fetcher retrieves raw page content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (PageContent, error)
}

// RenderedFetcher is a Fetcher that executes client-side script before capturing the document.
type RenderedFetcher interface {
	Fetcher
	Close()
}

// Extractor counts query occurrences and derives the canonical fragment.
type Extractor interface {
	Extract(page []byte, query string) Extraction
}

// Fingerprinter digests a canonical fragment.
type Fingerprinter interface {
	Fingerprint(fragment string) string
}

// PageObserver fetches and evaluates a page for an entry.
type PageObserver interface {
	Observe(ctx context.Context, url, query string) (Observation, error)
}

// Dispatcher delivers one cycle's batches.
type Dispatcher interface {
	Dispatch(ctx context.Context, batches []UserBatch) DispatchReport
}

// EventPublisher pushes change batches to a message bus.
type EventPublisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// SnapshotArchive stores the page that triggered a change and returns its URI.
type SnapshotArchive interface {
	Save(ctx context.Context, entryID string, obs Observation, at time.Time) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entry and user ids.
type IDGenerator interface {
	NewID() (string, error)
}

// DispatchReport summarizes one dispatch call.
type DispatchReport struct {
	EmailsSent   int
	EmailsFailed int
	ChatsSent    int
	ChatsFailed  int
	// Delivered lists entry ids whose owner received the email digest.
	Delivered []string
}
