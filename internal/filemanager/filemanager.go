// Package filemanager implements the File Manager (C7): pre-creates per-segment and item
// temp files, splices completed segments into the item temp file preserving byte offsets,
// drives the post-processing pipeline, and finalizes with an atomic rename. Grounded on
// other_examples/..Zer0C0d3r-TeraFetch..downloader-engine.go.go's seek-and-splice
// (file.Seek to an absolute offset before writing a part) and the teacher's
// internal/engine/muxer.go for the post-processing/stderr-tail-on-failure shape, now
// delegated to internal/transcoder instead of muxer.go's in-process ffmpeg invocation.
package filemanager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fetchgrid/fetchgrid/internal/fgerr"
	"github.com/fetchgrid/fetchgrid/internal/metadata"
	"github.com/fetchgrid/fetchgrid/internal/model"
	"github.com/fetchgrid/fetchgrid/internal/transcoder"
)

// Config bundles the knobs the File Manager needs beyond what DownloadItem already holds.
type Config struct {
	KeepSegments bool

	// Hooks back into the HLS Processor's post-process step (§4.8), nil for non-HLS items.
	HLSPostProcess func(ctx context.Context, item *model.DownloadItem) error
}

// Manager drives one item's splice loop and post-processing. One Manager is created per
// item by the brain alongside its Pool.
type Manager struct {
	item       *model.DownloadItem
	cfg        Config
	transcoder *transcoder.Transcoder
}

// New builds a Manager for item.
func New(item *model.DownloadItem, t *transcoder.Transcoder, cfg Config) *Manager {
	return &Manager{item: item, cfg: cfg, transcoder: t}
}

// Prepare pre-creates the per-segment temp files and the item temp file, so the pool can
// open them unconditionally regardless of splice-loop timing.
func (m *Manager) Prepare() error {
	if err := os.MkdirAll(m.item.TempFolder, 0o755); err != nil {
		return fgerr.New("filemanager", fgerr.Filesystem, err)
	}
	for _, seg := range m.item.Segments() {
		f, err := os.OpenFile(seg.Name, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fgerr.New("filemanager", fgerr.Filesystem, err)
		}
		f.Close()
	}
	for _, path := range []string{m.item.TempFile, m.item.AudioFile} {
		if path == "" {
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fgerr.New("filemanager", fgerr.Filesystem, err)
		}
		f.Close()
	}
	return nil
}

// Run repeats the splice loop (≈100ms between passes, per §5's suspension points) while
// the item is Downloading. Once every segment is spliced it drives post-processing and
// finalization; if the item leaves Downloading first, Run returns nil without them.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return fgerr.New("filemanager", fgerr.UserCancel, ctx.Err())
		case <-t.C:
		}

		if m.item.State() != model.Downloading {
			return nil
		}

		if err := m.splicePass(); err != nil {
			return err
		}

		if m.allCompleted() {
			return m.finish(ctx)
		}
	}
}

// splicePass performs one pass of the main loop in §4.7: snapshot non-completed segments
// sorted by range.start, splice each downloaded+merge segment in order, stopping early at
// the first unranged segment that hasn't downloaded yet.
func (m *Manager) splicePass() error {
	segs := m.item.Segments()
	pending := make([]*model.Segment, 0, len(segs))
	for _, s := range segs {
		if !s.Completed() {
			pending = append(pending, s)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return rangeStart(pending[i]) < rangeStart(pending[j])
	})

	for _, seg := range pending {
		if !seg.Downloaded() {
			if rng := seg.RangeSnapshot(); rng == nil {
				// Unranged segment not yet downloaded: ordering requires we stop here.
				return nil
			}
			continue
		}
		if !seg.Merge {
			seg.MarkCompleted()
			continue
		}

		if err := m.splice(seg); err != nil {
			return err
		}
		seg.MarkCompleted()
		if !m.cfg.KeepSegments {
			os.Remove(seg.Name)
		}
	}
	return nil
}

func rangeStart(s *model.Segment) int64 {
	if r := s.RangeSnapshot(); r != nil {
		return r.Start
	}
	return int64(s.Num)
}

// splice copies one segment's per-segment file into the item's temp file at the right
// offset, closing the destination between segments to force a flush per §4.7.
func (m *Manager) splice(seg *model.Segment) error {
	dest := seg.TempFile
	if dest == "" {
		dest = m.item.TempFile
	}

	src, err := os.Open(seg.Name)
	if err != nil {
		return fgerr.New("filemanager", fgerr.Filesystem, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fgerr.New("filemanager", fgerr.Filesystem, err)
	}
	defer out.Close()

	if rng := seg.RangeSnapshot(); rng != nil {
		if _, err := out.Seek(rng.Start, io.SeekStart); err != nil {
			return fgerr.New("filemanager", fgerr.Filesystem, err)
		}
		if _, err := io.CopyN(out, src, seg.TargetLength()); err != nil && err != io.EOF {
			return fgerr.New("filemanager", fgerr.Filesystem, err)
		}
		return nil
	}

	if _, err := out.Seek(0, io.SeekEnd); err != nil {
		return fgerr.New("filemanager", fgerr.Filesystem, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		return fgerr.New("filemanager", fgerr.Filesystem, err)
	}
	return nil
}

func (m *Manager) allCompleted() bool {
	segs := m.item.Segments()
	if len(segs) == 0 {
		return false
	}
	for _, s := range segs {
		if !s.Completed() {
			return false
		}
	}
	return true
}

// finish drives §4.7.1's post-processing pipeline in order, then finalizes.
func (m *Manager) finish(ctx context.Context) error {
	if err := m.item.Transition(model.Processing, nil); err != nil {
		return err
	}

	if m.item.HasSubtype(model.SubtypeHLS) {
		if m.cfg.HLSPostProcess != nil {
			if err := m.cfg.HLSPostProcess(ctx, m.item); err != nil {
				return m.fail(err)
			}
		}
	}

	if m.item.AudioFile != "" {
		// Separate video/audio temp files (DASH's two representations, or DASH-over-HLS's
		// paired video/audio renditions) merge with a stream copy; same transcoder call
		// either way.
		if err := m.transcoder.MergeDASH(ctx, m.item.TempFile, m.item.AudioFile, m.item.TargetFile); err != nil {
			return m.fail(err)
		}
	} else if m.item.Type == model.TypeAudio {
		if err := m.transcoder.ConvertAudio(ctx, m.item.TempFile, m.item.TargetFile); err != nil {
			return m.fail(err)
		}
	}

	if err := m.coerceSubtitles(ctx); err != nil {
		return m.fail(err)
	}

	if !fileExists(m.item.TargetFile) {
		if err := m.renameToTarget(); err != nil {
			return m.fail(err)
		}
	}

	if m.item.MetadataFileContent != "" {
		sidecarPath := filepath.Join(m.item.TempFolder, "metadata.txt")
		sc := metadata.New()
		sc.Tags["comment"] = m.item.MetadataFileContent
		if err := sc.Write(sidecarPath); err != nil {
			return m.fail(fgerr.New("filemanager", fgerr.Filesystem, err))
		}
		if err := m.transcoder.EmbedMetadata(ctx, m.item.TargetFile, sidecarPath); err != nil {
			return m.fail(err)
		}
	}

	return m.item.Transition(model.Completed, nil)
}

func (m *Manager) coerceSubtitles(ctx context.Context) error {
	for lang, ref := range m.item.SelectedSubtitles {
		if ref.Ext != "srt" {
			continue
		}
		vtt := filepath.Join(m.item.TempFolder, lang+".vtt")
		if !fileExists(vtt) {
			continue
		}
		srt := filepath.Join(m.item.Folder, subtitleFileName(m.item, lang, "srt"))
		if err := m.transcoder.CoerceSubtitle(ctx, vtt, srt); err != nil {
			return err
		}
	}
	return nil
}

func subtitleFileName(item *model.DownloadItem, lang, ext string) string {
	return item.Name + "." + lang + "." + ext
}

func (m *Manager) fail(err error) error {
	m.item.Transition(model.Error, err)
	return err
}

// renameToTarget finalizes the item temp file to its target path atomically, falling back
// to copy+unlink across filesystem boundaries where os.Rename returns EXDEV.
func (m *Manager) renameToTarget() error {
	if err := os.Rename(m.item.TempFile, m.item.TargetFile); err == nil {
		return nil
	}
	src, err := os.Open(m.item.TempFile)
	if err != nil {
		return fgerr.New("filemanager", fgerr.Filesystem, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(m.item.TargetFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fgerr.New("filemanager", fgerr.Filesystem, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fgerr.New("filemanager", fgerr.Filesystem, err)
	}
	dst.Close()
	return os.Remove(m.item.TempFile)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
