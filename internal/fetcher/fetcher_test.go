package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchHonorsRangeHeader(t *testing.T) {
	const body = "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(body))
	}))
	defer srv.Close()

	f := New(srv.Client())
	var buf bytes.Buffer
	res, err := f.Fetch(context.Background(), Request{URL: srv.URL, Range: &Range{Start: 2, End: 5}}, &buf)

	require.NoError(t, err)
	assert.Equal(t, int64(4), res.BytesWritten)
	assert.Equal(t, "2345", buf.String())
	assert.Equal(t, http.StatusPartialContent, res.StatusCode)
}

func TestFetchProgressCallbackCanCancel(t *testing.T) {
	// Larger than one 32 KiB copy chunk, so the callback's stop lands before the end.
	body := strings.Repeat("0123456789", 10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(body))
	}))
	defer srv.Close()

	f := New(srv.Client())
	var buf bytes.Buffer
	var calls int
	res, err := f.Fetch(context.Background(), Request{
		URL: srv.URL,
		ProgressFunc: func(written int64) bool {
			calls++
			return written < 3
		},
	}, &buf)

	require.Error(t, err)
	assert.Less(t, res.BytesWritten, int64(len(body)))
	assert.GreaterOrEqual(t, calls, 1)
}

func TestFetchSurfacesHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(srv.Client())
	var buf bytes.Buffer
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL}, &buf)
	require.Error(t, err)
}

func TestProbeRecoversContentLengthAndRangeSupport(t *testing.T) {
	const body = "hello world"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(body))
	}))
	defer srv.Close()

	f := New(srv.Client())
	pr, err := f.Probe(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), pr.ContentLength)
	assert.True(t, pr.AcceptRanges)
}

func TestProbeSurfacesErrorOnMissingHost(t *testing.T) {
	f := New(http.DefaultClient)
	_, err := f.Probe(context.Background(), "http://127.0.0.1:1/missing", nil)
	require.Error(t, err)
}
