package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchgrid/fetchgrid/internal/fgerr"
)

func TestNewDefaultsToFfmpegOnPath(t *testing.T) {
	tr := New("")
	assert.Equal(t, "ffmpeg", tr.Path)
}

func TestAvailableReflectsPathResolution(t *testing.T) {
	assert.True(t, New("true").Available())
	assert.False(t, New("/no/such/binary-xyz").Available())
}

func TestMuxHLSSucceedsOnFirstAttempt(t *testing.T) {
	tr := New("true")
	err := tr.MuxHLS(context.Background(), "in.m3u8", "out.mp4")
	require.NoError(t, err)
}

func TestRunCapturesStderrTailOnFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-ffmpeg.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho something went wrong 1>&2\nexit 1\n"), 0o755))

	tr := New(script)
	err := tr.MuxHLS(context.Background(), "in.m3u8", "out.mp4")
	require.Error(t, err)
	assert.True(t, fgerr.Is(err, fgerr.TranscoderFailure))
	assert.Contains(t, err.Error(), "something went wrong")
}

func TestEmbedMetadataRenamesSuffixedOutputOverOriginal(t *testing.T) {
	dir := t.TempDir()
	finished := filepath.Join(dir, "finished.mp4")
	require.NoError(t, os.WriteFile(finished, []byte("original"), 0o644))
	sidecar := filepath.Join(dir, "meta.txt")
	require.NoError(t, os.WriteFile(sidecar, []byte(";FFMETADATA1\n"), 0o644))

	// "cp" stands in for ffmpeg here: copy the "finished" input to the suffixed path the
	// real binary would have produced, so EmbedMetadata's rename step has something to act on.
	script := filepath.Join(dir, "fake-ffmpeg.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\n"+
			"# args: -y -i finished -i sidecar -map_metadata 1 -codec copy <suffixed>\n"+
			"out=\"${10}\"\n"+
			"cp \"$3\" \"$out\"\n",
	), 0o755))

	tr := New(script)
	require.NoError(t, tr.EmbedMetadata(context.Background(), finished, sidecar))

	data, err := os.ReadFile(finished)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}
