// Package archive keeps a copy of each page that produced a detected change.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// BlobStore persists snapshot bytes and returns a URI for them.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Archiver implements monitor.SnapshotArchive on top of a BlobStore.
type Archiver struct {
	store  BlobStore
	prefix string
}

// New builds an Archiver that writes under prefix.
func New(store BlobStore, prefix string) *Archiver {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archiver{store: store, prefix: prefix}
}

// Save writes the observed page body.
func (a *Archiver) Save(ctx context.Context, entryID string, obs monitor.Observation, at time.Time) (string, error) {
	key := ObjectPath(a.prefix, entryID, obs.Fingerprint, at)
	uri, err := a.store.PutObject(ctx, key, contentType(obs.Page), bytes.NewReader(obs.Page.Body))
	if err != nil {
		return "", fmt.Errorf("archive snapshot %s: %w", key, err)
	}
	return uri, nil
}

// ObjectPath is <prefix>/<entry>/<utc timestamp>-<fingerprint prefix>.html.
func ObjectPath(prefix, entryID, fingerprint string, at time.Time) string {
	short := fingerprint
	if len(short) > 12 {
		short = short[:12]
	}
	if short == "" {
		short = "nofp"
	}
	name := fmt.Sprintf("%s-%s.html", at.UTC().Format("20060102T150405Z"), short)
	return path.Join(prefix, entryID, name)
}

func contentType(page monitor.PageContent) string {
	if page.Headers != nil {
		if ct := page.Headers.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	if len(page.Body) == 0 {
		return "text/html; charset=utf-8"
	}
	return http.DetectContentType(page.Body)
}
