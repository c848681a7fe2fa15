package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{Bucket: "  "})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	require.Equal(t, "snapshots", store.bucket)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "text/html", nil)
	require.Error(t, err)
}

func TestURI(t *testing.T) {
	t.Parallel()

	require.Equal(t, "gs://b/snapshots/e1/x.html", URI("b", "snapshots/e1/x.html"))
	require.Equal(t, "gs://b/x.html", URI("b", "/x.html"))
}
