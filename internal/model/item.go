package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ItemType classifies what a DownloadItem ultimately produces.
type ItemType int

const (
	TypeGeneral ItemType = iota
	TypeVideo
	TypeAudio
	TypeSubtitle
	TypeKey
)

func (t ItemType) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeSubtitle:
		return "subtitle"
	case TypeKey:
		return "key"
	default:
		return "general"
	}
}

// Subtype is one member of the multiset an item's SubtypeList tracks (dash, hls,
// fragmented, encrypted).
type Subtype string

const (
	SubtypeDASH       Subtype = "dash"
	SubtypeHLS        Subtype = "hls"
	SubtypeFragmented Subtype = "fragmented"
	SubtypeEncrypted  Subtype = "encrypted"
)

// Policy bundles the per-item knobs the spec calls out under "Policy": resumability, the
// worker pool's hard connection ceiling, stale-URL refresh budget, and completion hooks.
type Policy struct {
	Resumable         bool
	MaxConnections    int
	RefreshURLRetries int
	OnCompletionCmd   string
	ShutdownPC        bool
}

// RefreshURLFunc is supplied by the extraction layer (out of core scope) and invoked by
// the brain when a worker reports a stale-URL indication. It receives the item's current
// effective address (EffURL or ManifestURL, whichever is populated) and returns its
// replacement. Per the resolution of design note §9 open question (a), the brain never
// re-runs HLS/DASH pre-processing on a refresh: only the failed segment is re-issued
// against the refreshed URL.
type RefreshURLFunc func(ctx refreshContext) (string, error)

// refreshContext carries just enough for a refresh callback to decide what to return;
// kept unexported and minimal. Because the type is unexported, a RefreshURLFunc can only
// be written inside package model; cmd/ passes nil.
type refreshContext struct {
	UID        string
	CurrentURL string
	IsManifest bool
}

// NewRefreshContext builds the context passed to a RefreshURLFunc.
func NewRefreshContext(uid, currentURL string, isManifest bool) refreshContext {
	return refreshContext{UID: uid, CurrentURL: currentURL, IsManifest: isManifest}
}

// DownloadItem is the logical job: identity, addressing, output paths, typing, sizing,
// state, its segment list, post-processing hints, and policy. Exactly one owner (the
// brain) may mutate segment membership; workers mutate only their assigned segment's own
// fields via the atomics on Segment.
type DownloadItem struct {
	UID string

	URL              string
	EffURL           string
	ManifestURL      string
	PlaylistURL      string
	AudioPlaylistURL string
	AudioURL         string
	Headers          map[string]string

	Folder     string
	Name       string
	Extension  string
	TempFolder string
	TempFile   string
	AudioFile  string
	TargetFile string

	Type        ItemType
	SubtypeList []Subtype

	TotalSize  int64
	downloaded atomic.Int64

	SelectedSubtitles   map[string]SubtitleRef
	MetadataFileContent string

	Policy Policy

	mu       sync.RWMutex
	state    State
	lastErr  error
	segments []*Segment

	LiveConnections atomic.Int32
	Errors          atomic.Int32
	RemainingParts  atomic.Int32

	sink Sink
}

// SubtitleRef names a selected subtitle stream's address and container extension.
type SubtitleRef struct {
	URL string
	Ext string
}

// UID derives the item identity from a hash of (folder, name), per the data model's
// identity rule.
func UID(folder, name string) string {
	h := sha1.Sum([]byte(folder + "\x00" + name))
	return hex.EncodeToString(h[:])
}

// New builds a DownloadItem with its identity and temp paths derived from folder/name,
// conventionally "folder/.name_tmp".
func New(folder, name, extension string) *DownloadItem {
	it := &DownloadItem{
		UID:        UID(folder, name),
		Folder:     folder,
		Name:       name,
		Extension:  extension,
		TempFolder: filepath.Join(folder, "."+name+"_tmp"),
		state:      Pending,
		Headers:    map[string]string{},
		Policy: Policy{
			Resumable:         true,
			MaxConnections:    8,
			RefreshURLRetries: 3,
		},
	}
	it.TempFile = filepath.Join(it.TempFolder, name+".part")
	it.TargetFile = filepath.Join(folder, name+extension)
	return it
}

// SetSink attaches the observer this item emits ChangeEvents to. The Controller attaches
// itself when it registers the item (Add, Restore).
func (it *DownloadItem) SetSink(s Sink) { it.sink = s }

func (it *DownloadItem) emit(kind EventKind) {
	if it.sink == nil {
		return
	}
	it.sink.Notify(ChangeEvent{
		UID:        it.UID,
		Kind:       kind,
		State:      it.State(),
		Downloaded: it.Downloaded(),
		TotalSize:  it.TotalSize,
		Err:        it.LastError(),
	})
}

// MarkScheduled sets the item's initial state to Scheduled. Scheduled is a
// construction-time starting point, not a state reached through Transition (nothing
// transitions into it per the state machine); callers use this immediately after New when
// the item has a future run time, before handing it to the controller.
func (it *DownloadItem) MarkScheduled() {
	it.mu.Lock()
	it.state = Scheduled
	it.mu.Unlock()
	it.emit(EventState)
}

// State returns the current lifecycle state.
func (it *DownloadItem) State() State {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.state
}

// LastError returns the error recorded on the most recent transition into Error, if any.
func (it *DownloadItem) LastError() error {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.lastErr
}

// Transition moves the item to next if the state machine permits it, emitting an
// EventState change on success. Any transition to the current state is a silent no-op,
// so signalling Cancelled or Error a second time is safe; other moves out of a terminal
// state that the state machine does not permit return an error.
func (it *DownloadItem) Transition(next State, cause error) error {
	it.mu.Lock()
	cur := it.state
	if cur == next {
		it.mu.Unlock()
		return nil
	}
	if !cur.CanTransition(next) {
		it.mu.Unlock()
		return fmt.Errorf("item %s: invalid transition %s -> %s", it.UID, cur, next)
	}
	it.state = next
	if next == Error {
		it.lastErr = cause
	}
	it.mu.Unlock()
	it.emit(EventState)
	return nil
}

// Segments returns a snapshot copy of the current segment list. Readers (File Manager,
// views) must snapshot rather than hold a reference, since the brain may append new
// segments (work stealing) between passes.
func (it *DownloadItem) Segments() []*Segment {
	it.mu.RLock()
	defer it.mu.RUnlock()
	out := make([]*Segment, len(it.segments))
	copy(out, it.segments)
	return out
}

// AppendSegment adds a new segment to the item's list. Only the brain (and, through it,
// the worker pool's work-stealing split) may call this.
func (it *DownloadItem) AppendSegment(s *Segment) {
	it.mu.Lock()
	s.Num = len(it.segments)
	it.segments = append(it.segments, s)
	it.mu.Unlock()
	it.emit(EventSegmentsChanged)
}

// SetSegments replaces the segment list wholesale; used once by the brain after initial
// planning, before any worker has started.
func (it *DownloadItem) SetSegments(segs []*Segment) {
	it.mu.Lock()
	for i, s := range segs {
		s.Num = i
	}
	it.segments = segs
	it.mu.Unlock()
	it.emit(EventSegmentsChanged)
}

// AggregateProgress sums bytes currently on disk across all segment files, per the
// testable invariant downloaded = Σ per-segment on-disk sizes clipped to target_length.
func (it *DownloadItem) AggregateProgress() int64 {
	var total int64
	for _, s := range it.Segments() {
		onDisk := s.OnDiskSize()
		target := s.TargetLength()
		if target > 0 && onDisk > target {
			onDisk = target
		}
		total += onDisk
	}
	it.downloaded.Store(total)
	return total
}

// Downloaded returns the most recently aggregated byte count.
func (it *DownloadItem) Downloaded() int64 { return it.downloaded.Load() }

// ProgressPercent returns min(100, downloaded*100/total_size) when total size is known,
// or 0 if it is not.
func (it *DownloadItem) ProgressPercent() float64 {
	if it.TotalSize <= 0 {
		return 0
	}
	p := float64(it.Downloaded()) * 100 / float64(it.TotalSize)
	if p > 100 {
		p = 100
	}
	return p
}

// NotifyProgress re-aggregates and emits an EventProgress change; called by the brain on
// a steady tick rather than on every byte, keeping observer traffic bounded.
func (it *DownloadItem) NotifyProgress() {
	it.AggregateProgress()
	it.emit(EventProgress)
}

// HasSubtype reports whether sub is present in the item's subtype multiset.
func (it *DownloadItem) HasSubtype(sub Subtype) bool {
	for _, s := range it.SubtypeList {
		if s == sub {
			return true
		}
	}
	return false
}

// AddSubtype adds sub to the item's subtype multiset if not already present.
func (it *DownloadItem) AddSubtype(sub Subtype) {
	if !it.HasSubtype(sub) {
		it.SubtypeList = append(it.SubtypeList, sub)
	}
}

// EffectiveURL returns ManifestURL if set, else EffURL if set, else URL: the address refresh callbacks and
// pre-processors should treat as "the" address for this item.
func (it *DownloadItem) EffectiveURL() string {
	if it.ManifestURL != "" {
		return it.ManifestURL
	}
	if it.EffURL != "" {
		return it.EffURL
	}
	return it.URL
}

// Age returns the time elapsed since since; it reads no field of the item. Useful for
// debug logging rather than any scheduling decision.
func (it *DownloadItem) Age(since time.Time) time.Duration { return time.Since(since) }
