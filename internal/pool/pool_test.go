package pool

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchgrid/fetchgrid/internal/fetcher"
	"github.com/fetchgrid/fetchgrid/internal/model"
	"github.com/fetchgrid/fetchgrid/internal/worker"
)

func TestPoolRunDownloadsAllSegments(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 1<<16) // 64 KiB, split by the planner upstream
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	item := model.New(dir, "f", ".bin")
	item.TotalSize = int64(len(body))

	require.NoError(t, os.MkdirAll(item.TempFolder, 0o755))

	const nSegs = 4
	segSize := int64(len(body)) / nSegs
	var segs []*model.Segment
	for i := 0; i < nSegs; i++ {
		start := int64(i) * segSize
		end := start + segSize - 1
		if i == nSegs-1 {
			end = int64(len(body)) - 1
		}
		segs = append(segs, &model.Segment{
			Name:  filepath.Join(item.TempFolder, "part_"+string(rune('0'+i))+".tmp"),
			Range: &model.ByteRange{Start: start, End: end},
		})
	}
	item.SetSegments(segs)

	w := worker.New(fetcher.New(srv.Client()))
	p := New(item, w, Config{
		MaxConnections:      2,
		ErrorsCheckInterval: 20 * time.Millisecond,
		RequestURL:          func(*model.Segment) string { return srv.URL },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	for _, s := range item.Segments() {
		assert.True(t, s.Downloaded())
		data, err := os.ReadFile(s.Name)
		require.NoError(t, err)
		assert.Equal(t, int(s.TargetLength()), len(data))
	}
}

func TestPoolRunPropagatesCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() { close(block); srv.Close() }()

	dir := t.TempDir()
	item := model.New(dir, "f", ".bin")
	require.NoError(t, os.MkdirAll(item.TempFolder, 0o755))
	item.SetSegments([]*model.Segment{{
		Name:  filepath.Join(item.TempFolder, "part_0.tmp"),
		Range: &model.ByteRange{Start: 0, End: 99},
	}})

	w := worker.New(fetcher.New(srv.Client()))
	p := New(item, w, Config{
		MaxConnections:      1,
		ErrorsCheckInterval: 20 * time.Millisecond,
		RequestURL:          func(*model.Segment) string { return srv.URL },
	})

	ctx, cancel := context.WithCancel(context.Background())
	item.Transition(model.Downloading, nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := p.Run(ctx)
	require.Error(t, err)
}
