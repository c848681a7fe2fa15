package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

type recordingStore struct {
	path        string
	contentType string
	body        []byte
	err         error
}

func (r *recordingStore) PutObject(_ context.Context, path, contentType string, data io.Reader) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	r.path, r.contentType, r.body = path, contentType, body
	return "mem://" + path, nil
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.FixedZone("x", 3600))
	require.Equal(t, "snapshots/e1/20260506T060809Z-0123456789ab.html",
		ObjectPath("snapshots", "e1", "0123456789abcdef", at))
	require.Equal(t, "p/e1/20260506T060809Z-nofp.html", ObjectPath("p", "e1", "", at))
}

func TestArchiverSave(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	a := New(store, "")
	obs := monitor.Observation{
		Page: monitor.PageContent{
			Body:    []byte("<html>12345</html>"),
			Headers: http.Header{"Content-Type": {"text/html; charset=windows-1251"}},
		},
		Fingerprint: "abcdef0123456789",
	}
	uri, err := a.Save(context.Background(), "e1", obs, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, "mem://snapshots/e1/19700101T000000Z-abcdef012345.html", uri)
	require.Equal(t, "text/html; charset=windows-1251", store.contentType)
	require.Equal(t, obs.Page.Body, store.body)
}

func TestArchiverSniffsContentType(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	_, err := New(store, "x").Save(context.Background(), "e1", monitor.Observation{
		Page: monitor.PageContent{Body: []byte("<!DOCTYPE html><html></html>")},
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, "text/html; charset=utf-8", store.contentType)
}

func TestArchiverWrapsStoreError(t *testing.T) {
	t.Parallel()

	boom := errors.New("bucket gone")
	_, err := New(&recordingStore{err: boom}, "").Save(context.Background(), "e1", monitor.Observation{}, time.Now())
	require.ErrorIs(t, err, boom)
}
