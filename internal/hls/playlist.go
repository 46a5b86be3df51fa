// Package hls implements the HLS Processor (C8): master/media manifest download and
// parsing, key extraction, local-manifest rewriting, subtitle-track discovery, and the
// transcoder post-process invocation. Grounded on the teacher's internal/parser/hls.go
// (attribute-line scanning, master-vs-media detection, byte-range/IV attribute parsing),
// generalized from that file's track-centric Manifest/Track model to this spec's
// item-centric Segment population (§3's MediaPlaylist/Key/Segment data model) and its
// skd://-rewrite and SAMPLE-AES-rejection rules (§4.8, §6).
package hls

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fetchgrid/fetchgrid/internal/decryptor"
	"github.com/fetchgrid/fetchgrid/internal/fgerr"
	"github.com/fetchgrid/fetchgrid/internal/model"
)

// KeyMethod is the #EXT-X-KEY METHOD attribute value.
type KeyMethod string

const (
	KeyNone      KeyMethod = "NONE"
	KeyAES128    KeyMethod = "AES-128"
	KeySampleAES KeyMethod = "SAMPLE-AES"
)

// PlaylistSegment is one #EXTINF entry, carrying its resolved URL, duration, and the key
// block in effect when it was parsed.
type PlaylistSegment struct {
	Index    int
	URL      string
	Duration time.Duration
	Key      *KeyBlock
}

// KeyBlock is a parsed #EXT-X-KEY line, the source material for a Key segment.
type KeyBlock struct {
	Method KeyMethod
	URI    string // resolved absolute URL
	IV     []byte // 16 bytes, zero-padded/derived if absent
}

// MediaPlaylist is a parsed m3u8 media playlist, per §3's MediaPlaylist data model.
type MediaPlaylist struct {
	URL             string
	Version         int
	PlaylistType    string
	TargetDuration  time.Duration
	MediaSequence   int
	Segments        []PlaylistSegment
	TotalDuration   time.Duration
	Encrypted       bool
}

// SubtitleTrack is a subtitle stream advertised by a master manifest's
// #EXT-X-MEDIA:TYPE=SUBTITLES line, per §4.8.1.
type SubtitleTrack struct {
	Language string
	Name     string
	URL      string
}

// AudioTrack is an alternate audio rendition advertised by a master manifest's
// #EXT-X-MEDIA:TYPE=AUDIO line — the DASH-over-HLS case where video and audio are muxed
// from two separately-fetched media playlists (§4.8 step 3).
type AudioTrack struct {
	GroupID  string
	Language string
	Name     string
	URL      string
	Default  bool
}

var attrRe = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		if len(m) >= 3 {
			attrs[m[1]] = strings.Trim(m[2], `"`)
		}
	}
	return attrs
}

// resolveURI resolves relative against base, rewriting the skd:// scheme to https://, per
// §6.
func resolveURI(base *url.URL, relative string) string {
	if strings.HasPrefix(relative, "skd://") {
		relative = "https://" + strings.TrimPrefix(relative, "skd://")
	}
	if strings.HasPrefix(relative, "http://") || strings.HasPrefix(relative, "https://") {
		return relative
	}
	rel, err := url.Parse(relative)
	if err != nil || base == nil {
		return relative
	}
	return base.ResolveReference(rel).String()
}

// IsMasterPlaylist reports whether content is a master playlist (advertises variant
// streams) rather than a media playlist.
func IsMasterPlaylist(content string) bool {
	return strings.Contains(content, "#EXT-X-STREAM-INF") && !strings.Contains(content, "#EXT-X-TARGETDURATION")
}

// MasterVariant is one #EXT-X-STREAM-INF entry: a playable media playlist URL plus its
// bandwidth for format-id matching.
type MasterVariant struct {
	Bandwidth int64
	URL       string
}

// ParseMaster scans a master manifest for variant streams, alternate-audio renditions,
// and subtitle tracks. It never recurses into media playlists itself; the caller fetches
// the chosen variant (and, for DASH-over-HLS, the chosen audio rendition) separately.
func ParseMaster(content, baseURLStr string) ([]MasterVariant, []AudioTrack, []SubtitleTrack, error) {
	baseURL, _ := url.Parse(baseURLStr)

	var variants []MasterVariant
	var audio []AudioTrack
	var subs []SubtitleTrack
	var pendingBandwidth int64
	pending := false

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			if KeyMethod(attrs["METHOD"]) == KeySampleAES {
				return nil, nil, nil, fgerr.New("hls", fgerr.UnsupportedProtocol,
					fmt.Errorf("SAMPLE-AES manifests are not supported"))
			}

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			pendingBandwidth, _ = strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)
			pending = true

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			switch strings.ToUpper(attrs["TYPE"]) {
			case "SUBTITLES":
				if attrs["URI"] != "" {
					subs = append(subs, SubtitleTrack{
						Language: attrs["LANGUAGE"],
						Name:     attrs["NAME"],
						URL:      resolveURI(baseURL, attrs["URI"]),
					})
				}
			case "AUDIO":
				if attrs["URI"] != "" {
					audio = append(audio, AudioTrack{
						GroupID:  attrs["GROUP-ID"],
						Language: attrs["LANGUAGE"],
						Name:     attrs["NAME"],
						URL:      resolveURI(baseURL, attrs["URI"]),
						Default:  strings.ToUpper(attrs["DEFAULT"]) == "YES",
					})
				}
			}

		case !strings.HasPrefix(line, "#") && line != "" && pending:
			variants = append(variants, MasterVariant{Bandwidth: pendingBandwidth, URL: resolveURI(baseURL, line)})
			pending = false
		}
	}
	return variants, audio, subs, nil
}

// SelectAudioTrack picks the audio rendition to pair with the chosen video variant: the
// one marked DEFAULT=YES, or failing that the first one advertised.
func SelectAudioTrack(tracks []AudioTrack) (AudioTrack, bool) {
	if len(tracks) == 0 {
		return AudioTrack{}, false
	}
	for _, t := range tracks {
		if t.Default {
			return t, true
		}
	}
	return tracks[0], true
}

// ParseMedia parses a media playlist into segments and key blocks, rejecting SAMPLE-AES.
func ParseMedia(content, baseURLStr string) (*MediaPlaylist, error) {
	baseURL, _ := url.Parse(baseURLStr)
	pl := &MediaPlaylist{URL: baseURLStr}

	var curDuration time.Duration
	var curKey *KeyBlock
	index := 0

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			pl.Version, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			pl.PlaylistType = strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			secs, _ := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			pl.TargetDuration = time.Duration(secs) * time.Second

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			pl.MediaSequence, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			method := KeyMethod(attrs["METHOD"])
			if method == KeySampleAES {
				return nil, fgerr.New("hls", fgerr.UnsupportedProtocol,
					fmt.Errorf("SAMPLE-AES manifests are not supported"))
			}
			if method == KeyNone || method == "" {
				curKey = nil
				continue
			}
			var iv []byte
			if ivAttr, ok := attrs["IV"]; ok {
				iv, _ = decryptor.ParseIV(ivAttr)
			}
			curKey = &KeyBlock{Method: method, URI: resolveURI(baseURL, attrs["URI"]), IV: iv}
			pl.Encrypted = true

		case strings.HasPrefix(line, "#EXTINF:"):
			durStr := strings.TrimSuffix(strings.TrimPrefix(line, "#EXTINF:"), ",")
			durStr = strings.Split(durStr, ",")[0]
			if d, err := strconv.ParseFloat(durStr, 64); err == nil {
				curDuration = time.Duration(d * float64(time.Second))
			}

		case !strings.HasPrefix(line, "#") && line != "":
			seg := PlaylistSegment{Index: index, URL: resolveURI(baseURL, line), Duration: curDuration, Key: curKey}
			if curKey != nil && curKey.IV == nil {
				seg.Key = &KeyBlock{Method: curKey.Method, URI: curKey.URI, IV: decryptor.SegmentIV(pl.MediaSequence + index)}
			}
			pl.Segments = append(pl.Segments, seg)
			pl.TotalDuration += curDuration
			index++
		}
	}
	return pl, nil
}

// PopulateSegments converts a parsed MediaPlaylist into the item's segment list, per §4.8
// step 6: key segments precede their referring media segment, deterministic temp
// filenames, merge=false when encrypted (assembly delegated to the transcoder).
func PopulateSegments(item *model.DownloadItem, pl *MediaPlaylist, streamType string) []*model.Segment {
	out := make([]*model.Segment, 0, len(pl.Segments)*2)
	keyFiles := map[string]*model.Segment{}

	for i, ps := range pl.Segments {
		var keySeg *model.Segment
		if ps.Key != nil {
			keySeg = keyFiles[ps.Key.URI]
			if keySeg == nil {
				keySeg = &model.Segment{
					URL:       ps.Key.URI,
					Name:      segmentTempPath(item, streamType+"_key", len(keyFiles)),
					MediaType: model.MediaKey,
					Merge:     false,
				}
				keyFiles[ps.Key.URI] = keySeg
				out = append(out, keySeg)
			}
		}

		mediaType := model.MediaVideo
		if streamType == "audio" {
			mediaType = model.MediaAudio
		}
		seg := &model.Segment{
			URL:       ps.URL,
			Name:      segmentTempPath(item, streamType+"_seg", i),
			MediaType: mediaType,
			Merge:     !pl.Encrypted,
			Key:       keySeg,
		}
		out = append(out, seg)
	}
	return out
}

func segmentTempPath(item *model.DownloadItem, prefix string, n int) string {
	return filepath.Join(item.TempFolder, fmt.Sprintf("%s_%d.ts", prefix, n))
}
