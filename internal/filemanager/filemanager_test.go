package filemanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchgrid/fetchgrid/internal/model"
	"github.com/fetchgrid/fetchgrid/internal/transcoder"
)

func TestManagerSplicesAndFinalizesGeneralItem(t *testing.T) {
	dir := t.TempDir()
	item := model.New(dir, "clip", ".bin")

	seg0 := &model.Segment{
		Name:  filepath.Join(item.TempFolder, "part_0.tmp"),
		Range: &model.ByteRange{Start: 0, End: 4},
		Merge: true, TempFile: item.TempFile,
	}
	seg1 := &model.Segment{
		Name:  filepath.Join(item.TempFolder, "part_1.tmp"),
		Range: &model.ByteRange{Start: 5, End: 9},
		Merge: true, TempFile: item.TempFile,
	}
	item.SetSegments([]*model.Segment{seg0, seg1})

	m := New(item, transcoder.New(""), Config{})
	require.NoError(t, m.Prepare())

	require.NoError(t, os.WriteFile(seg0.Name, []byte("Hello"), 0o644))
	require.NoError(t, os.WriteFile(seg1.Name, []byte("World"), 0o644))
	seg0.MarkDownloaded()
	seg1.MarkDownloaded()

	item.Transition(model.Downloading, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned")
	}

	assert.Equal(t, model.Completed, item.State())
	data, err := os.ReadFile(item.TargetFile)
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld", string(data))
}

func TestManagerStopsSpliceLoopOnCancellation(t *testing.T) {
	dir := t.TempDir()
	item := model.New(dir, "clip", ".bin")
	seg := &model.Segment{
		Name:  filepath.Join(item.TempFolder, "part_0.tmp"),
		Range: &model.ByteRange{Start: 0, End: 4},
		Merge: true, TempFile: item.TempFile,
	}
	item.SetSegments([]*model.Segment{seg})

	m := New(item, transcoder.New(""), Config{})
	require.NoError(t, m.Prepare())
	item.Transition(model.Downloading, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Run(ctx)
	require.Error(t, err)
}
