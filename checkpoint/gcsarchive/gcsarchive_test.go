package gcsarchive_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/fuzzcore/search/checkpoint/gcsarchive"
)

func testBucket(t *testing.T, handler http.HandlerFunc) *storage.BucketHandle {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	require.NoError(t, os.Setenv("STORAGE_EMULATOR_HOST", u.Host))

	ctx := context.Background()
	client, err := storage.NewClient(ctx, option.WithoutAuthentication(), option.WithHTTPClient(server.Client()))
	require.NoError(t, err)

	return client.Bucket("fuzzcore-checkpoints")
}

func TestArchiverUploadWritesObject(t *testing.T) {
	bucket := testBucket(t, func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	a := gcsarchive.NewArchiver(bucket, "runs/")

	err := a.Upload(context.Background(), "checkpoint-1.cbor.zst", []byte("some checkpoint bytes"))
	assert.NoError(t, err)
}

func TestArchiverDownloadReadsObject(t *testing.T) {
	want := []byte("archived checkpoint contents")
	bucket := testBucket(t, func(rw http.ResponseWriter, req *http.Request) {
		_, err := rw.Write(want)
		require.NoError(t, err)
		rw.WriteHeader(http.StatusOK)
	})

	a := gcsarchive.NewArchiver(bucket, "runs/")

	got, err := a.Download(context.Background(), "runs/checkpoint-1.cbor.zst")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
