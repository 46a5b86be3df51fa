package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fetchgrid/fetchgrid/internal/fgerr"
	"github.com/fetchgrid/fetchgrid/internal/model"
	"github.com/fetchgrid/fetchgrid/internal/transcoder"
)

// Processor drives the HLS Processor's pre-process and post-process steps (§4.8).
type Processor struct {
	client     *http.Client
	transcoder *transcoder.Transcoder
}

// New builds a Processor using client to fetch manifests and t to invoke post-process
// muxing.
func New(client *http.Client, t *transcoder.Transcoder) *Processor {
	return &Processor{client: client, transcoder: t}
}

func (p *Processor) fetchText(ctx context.Context, url string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fgerr.New("hls", fgerr.TransientNetwork, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fgerr.New("hls", fgerr.TransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fgerr.HTTP("hls", resp.StatusCode, fmt.Errorf("manifest fetch failed"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fgerr.New("hls", fgerr.TransientNetwork, err)
	}
	return string(body), nil
}

// PreProcess implements §4.8's pre-process steps 1-6: download and resolve the manifest
// chain, reject SAMPLE-AES, populate the item's segment list for the video stream (and,
// for DASH-over-HLS, the selected alternate-audio rendition), and emit remote/local
// on-disk manifests for each stream fetched. The first variant in the master's
// #EXT-X-STREAM-INF order is accepted as the item's video format-id; the DEFAULT=YES (or
// else first) #EXT-X-MEDIA:TYPE=AUDIO rendition is accepted as its audio format-id.
func (p *Processor) PreProcess(ctx context.Context, item *model.DownloadItem) error {
	if err := os.MkdirAll(item.TempFolder, 0o755); err != nil {
		return fgerr.New("hls", fgerr.Filesystem, err)
	}

	addr := item.EffectiveURL()
	content, err := p.fetchText(ctx, addr, item.Headers)
	if err != nil {
		return err
	}

	mediaURL := addr
	var audioTrack AudioTrack
	haveAudioTrack := false
	if IsMasterPlaylist(content) {
		variants, audioTracks, subs, err := ParseMaster(content, addr)
		if err != nil {
			return err
		}
		if len(variants) == 0 {
			return fgerr.New("hls", fgerr.ManifestInvalid, fmt.Errorf("master manifest has no variants"))
		}
		mediaURL = variants[0].URL
		item.EffURL = mediaURL
		audioTrack, haveAudioTrack = SelectAudioTrack(audioTracks)

		for _, s := range subs {
			ref := model.SubtitleRef{URL: s.URL, Ext: "vtt"}
			if item.SelectedSubtitles == nil {
				item.SelectedSubtitles = map[string]model.SubtitleRef{}
			}
			lang := s.Language
			if lang == "" {
				lang = s.Name
			}
			if _, exists := item.SelectedSubtitles[lang]; !exists {
				item.SelectedSubtitles[lang] = ref
			}
		}

		content, err = p.fetchText(ctx, mediaURL, item.Headers)
		if err != nil {
			return err
		}
	}

	pl, err := ParseMedia(content, mediaURL)
	if err != nil {
		return err
	}
	if pl.Encrypted {
		item.AddSubtype(model.SubtypeEncrypted)
	}
	item.AddSubtype(model.SubtypeHLS)

	segs := PopulateSegments(item, pl, "video")
	playlistURL, err := p.emitManifests(item, pl, mediaURL, segs, "video")
	if err != nil {
		return err
	}
	item.PlaylistURL = playlistURL

	if haveAudioTrack {
		audioContent, err := p.fetchText(ctx, audioTrack.URL, item.Headers)
		if err != nil {
			return err
		}
		audioPl, err := ParseMedia(audioContent, audioTrack.URL)
		if err != nil {
			return err
		}
		if audioPl.Encrypted {
			item.AddSubtype(model.SubtypeEncrypted)
		}
		item.AudioFile = filepath.Join(item.TempFolder, "audio.tmp")

		audioSegs := PopulateSegments(item, audioPl, "audio")
		audioPlaylistURL, err := p.emitManifests(item, audioPl, audioTrack.URL, audioSegs, "audio")
		if err != nil {
			return err
		}
		item.AudioPlaylistURL = audioPlaylistURL
		segs = append(segs, audioSegs...)
	}

	item.SetSegments(segs)
	return nil
}

// emitManifests writes the remote manifest (absolute URLs, for debugging) and the local
// manifest (paths rewritten to per-segment temp filenames, key URIs rewritten to local
// key filenames) for one stream, per §4.8 step 5, and returns the local manifest's path
// for the caller to record as the stream's playlist URL.
func (p *Processor) emitManifests(item *model.DownloadItem, pl *MediaPlaylist, mediaURL string, segs []*model.Segment, streamType string) (string, error) {
	remotePath := filepath.Join(item.TempFolder, fmt.Sprintf("remote_%s.m3u8", streamType))
	localPath := filepath.Join(item.TempFolder, fmt.Sprintf("local_%s.m3u8", streamType))

	if err := os.WriteFile(remotePath, []byte(renderRemoteManifest(pl)), 0o644); err != nil {
		return "", fgerr.New("hls", fgerr.Filesystem, err)
	}
	if err := os.WriteFile(localPath, []byte(renderLocalManifest(pl, segs)), 0o644); err != nil {
		return "", fgerr.New("hls", fgerr.Filesystem, err)
	}
	return localPath, nil
}

func renderRemoteManifest(pl *MediaPlaylist) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	if pl.Version > 0 {
		fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", pl.Version)
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(pl.TargetDuration.Seconds()))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", pl.MediaSequence)
	for _, s := range pl.Segments {
		if s.Key != nil {
			fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=%s,URI=%q\n", s.Key.Method, s.Key.URI)
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", s.Duration.Seconds(), s.URL)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// renderLocalManifest emits the manifest the transcoder consumes: segment URIs rewritten
// to local per-segment temp paths, key URIs rewritten to local key segment paths.
func renderLocalManifest(pl *MediaPlaylist, segs []*model.Segment) string {
	mediaSegs := make([]*model.Segment, 0, len(pl.Segments))
	keyPaths := map[string]string{}
	for _, s := range segs {
		if s.IsKey() {
			keyPaths[s.URL] = s.Name
		} else {
			mediaSegs = append(mediaSegs, s)
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	if pl.Version > 0 {
		fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", pl.Version)
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(pl.TargetDuration.Seconds()))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", pl.MediaSequence)

	lastKeyURI := ""
	for i, ps := range pl.Segments {
		if i >= len(mediaSegs) {
			break
		}
		if ps.Key != nil && ps.Key.URI != lastKeyURI {
			localKeyPath := keyPaths[ps.Key.URI]
			fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=%s,URI=%q,IV=0x%x\n", ps.Key.Method, localKeyPath, ps.Key.IV)
			lastKeyURI = ps.Key.URI
		} else if ps.Key == nil {
			lastKeyURI = ""
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", ps.Duration.Seconds(), mediaSegs[i].Name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// PostProcess implements §4.8's post-process step: invoke the transcoder once per stream
// (video, and audio if DASH-over-HLS) with that stream's local manifest as input and its
// own temp file as output, stream-copy first. The File Manager merges the two outputs
// with -c copy once both are muxed (it treats AudioFile being set as the merge signal,
// the same convention the DASH parser uses).
func (p *Processor) PostProcess(ctx context.Context, item *model.DownloadItem) error {
	if err := p.transcoder.MuxHLS(ctx, item.PlaylistURL, item.TempFile); err != nil {
		return err
	}
	if item.AudioPlaylistURL != "" {
		return p.transcoder.MuxHLS(ctx, item.AudioPlaylistURL, item.AudioFile)
	}
	return nil
}
