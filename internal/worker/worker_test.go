package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchgrid/fetchgrid/internal/fetcher"
	"github.com/fetchgrid/fetchgrid/internal/model"
)

func TestWorkerRunDownloadsRangedSegment(t *testing.T) {
	const body = "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &model.Segment{Name: filepath.Join(dir, "seg0"), Range: &model.ByteRange{Start: 0, End: 9}}

	w := New(fetcher.New(srv.Client()))
	res := w.Run(context.Background(), Request{
		Item:         model.New(dir, "f", ".bin"),
		Segment:      seg,
		EffectiveURL: srv.URL,
	})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(10), res.BytesWritten)
	assert.True(t, seg.Downloaded())

	data, err := os.ReadFile(seg.Name)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestWorkerRunResumesFromExistingBytes(t *testing.T) {
	const body = "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	segPath := filepath.Join(dir, "seg0")
	require.NoError(t, os.WriteFile(segPath, []byte("01234"), 0o644))
	seg := &model.Segment{Name: segPath, Range: &model.ByteRange{Start: 0, End: 9}}

	w := New(fetcher.New(srv.Client()))
	res := w.Run(context.Background(), Request{
		Item:         model.New(dir, "f", ".bin"),
		Segment:      seg,
		EffectiveURL: srv.URL,
	})

	require.NoError(t, res.Err)
	assert.Equal(t, int64(5), res.BytesWritten, "only the remaining 5 bytes should be fetched")

	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestWorkerRunReportsStaleURLOn403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &model.Segment{Name: filepath.Join(dir, "seg0")}

	w := New(fetcher.New(srv.Client()))
	res := w.Run(context.Background(), Request{
		Item:         model.New(dir, "f", ".bin"),
		Segment:      seg,
		EffectiveURL: srv.URL,
	})

	require.Error(t, res.Err)
	assert.True(t, res.StaleURL)
}

func TestWorkerRunRejectsDoubleLock(t *testing.T) {
	dir := t.TempDir()
	seg := &model.Segment{Name: filepath.Join(dir, "seg0")}
	require.True(t, seg.Lock())

	w := New(fetcher.New(http.DefaultClient))
	res := w.Run(context.Background(), Request{Segment: seg, EffectiveURL: "http://unused.invalid"})
	require.Error(t, res.Err)
}
