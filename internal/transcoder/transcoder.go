// Package transcoder wraps the external ffmpeg-compatible binary invoked for HLS muxing,
// DASH merging, audio conversion, subtitle coercion, and metadata embedding, per §6's exact
// CLI contract. Grounded on the teacher's internal/engine/muxer.go (stream-copy-first,
// fallback-to-re-encode shape, stderr-tail capture on failure) and guiyumin-vget's ffmpreg
// argument-building idiom.
package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/fetchgrid/fetchgrid/internal/fgerr"
)

// Transcoder invokes an external binary (ffmpeg by convention) to perform post-processing
// steps the core itself never implements media codecs for.
type Transcoder struct {
	Path string // absolute path or bare name resolved via PATH
}

// New returns a Transcoder for path; if path is empty, "ffmpeg" is resolved via PATH at
// call time.
func New(path string) *Transcoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &Transcoder{Path: path}
}

// stderrTailBytes caps how much of a failed invocation's stderr is kept for error reporting.
const stderrTailBytes = 4096

func (t *Transcoder) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, t.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = nil

	if err := cmd.Run(); err != nil {
		tail := stderr.Bytes()
		if len(tail) > stderrTailBytes {
			tail = tail[len(tail)-stderrTailBytes:]
		}
		return fgerr.New("transcoder", fgerr.TranscoderFailure,
			fmt.Errorf("%s: %w: %s", t.Path, err, tail))
	}
	return nil
}

// MuxHLS invokes the local manifest through the transcoder, stream-copying first and
// falling back to re-encode, per §6's HLS contract.
func (t *Transcoder) MuxHLS(ctx context.Context, localManifest, output string) error {
	args := []string{"-y",
		"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
		"-allowed_extensions", "ALL",
		"-i", localManifest, "-c", "copy", output,
	}
	if err := t.run(ctx, args); err == nil {
		return nil
	}
	fallback := []string{"-y",
		"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
		"-allowed_extensions", "ALL",
		"-i", localManifest, output,
	}
	return t.run(ctx, fallback)
}

// MergeDASH merges separate video and audio temp files into output, stream-copy first.
func (t *Transcoder) MergeDASH(ctx context.Context, videoTmp, audioTmp, output string) error {
	args := []string{"-y", "-i", videoTmp, "-i", audioTmp, "-c", "copy", output}
	if err := t.run(ctx, args); err == nil {
		return nil
	}
	fallback := []string{"-y", "-i", videoTmp, "-i", audioTmp, output}
	return t.run(ctx, fallback)
}

// ConvertAudio converts an audio-only temp file to output, preferring stream-copy.
func (t *Transcoder) ConvertAudio(ctx context.Context, input, output string) error {
	args := []string{"-y", "-i", input, "-acodec", "copy", output}
	if err := t.run(ctx, args); err == nil {
		return nil
	}
	fallback := []string{"-y", "-i", input, output}
	return t.run(ctx, fallback)
}

// CoerceSubtitle remuxes a vtt subtitle file to srt.
func (t *Transcoder) CoerceSubtitle(ctx context.Context, vttPath, srtPath string) error {
	return t.run(ctx, []string{"-y", "-i", vttPath, srtPath})
}

// EmbedMetadata invokes the transcoder with the metadata sidecar against the finished
// file, then replaces finished with the metadata-embedded copy, per §6's contract:
// `-i finished -i sidecar -map_metadata 1 -codec copy finished+suffix` then rename.
func (t *Transcoder) EmbedMetadata(ctx context.Context, finished, sidecar string) error {
	suffixed := finished + ".meta"
	args := []string{"-y", "-i", finished, "-i", sidecar, "-map_metadata", "1", "-codec", "copy", suffixed}
	if err := t.run(ctx, args); err != nil {
		os.Remove(suffixed)
		return err
	}
	if err := os.Rename(suffixed, finished); err != nil {
		return fgerr.New("transcoder", fgerr.Filesystem, err)
	}
	return nil
}

// Available reports whether the configured binary can be resolved via PATH.
func (t *Transcoder) Available() bool {
	_, err := exec.LookPath(t.Path)
	return err == nil
}
