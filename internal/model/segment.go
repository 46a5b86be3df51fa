// Package model defines the download item and segment data structures shared by the
// planner, fetcher, worker pool, and file manager.
package model

import (
	"sync"
	"sync/atomic"
)

// MediaType classifies a segment by the kind of content it carries.
type MediaType int

const (
	MediaGeneral MediaType = iota
	MediaVideo
	MediaAudio
	MediaKey
)

func (t MediaType) String() string {
	switch t {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaKey:
		return "key"
	default:
		return "general"
	}
}

// ByteRange is an inclusive [Start,End] byte range. A nil *ByteRange on a Segment means
// the segment is unranged (whole file or manifest fragment).
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns End-Start+1, the number of bytes the range covers.
func (r *ByteRange) Length() int64 {
	if r == nil {
		return 0
	}
	return r.End - r.Start + 1
}

// Segment is one unit of concurrent fetch work: a byte range of a single file, or an
// entire fragment/file. Only the brain appends to an item's segment list; workers mutate
// only their own segment's Locked/downloaded/Completed flags, which is why those fields
// are atomics rather than plain bools guarded by a shared mutex.
type Segment struct {
	Name      string // absolute path of the per-segment temp file
	Num       int    // creation index, used for stable sort/iteration
	URL       string
	Range     *ByteRange
	Size      int64 // range length if known, 0 if not
	TempFile  string // the item temp file this segment splices into
	MediaType MediaType
	Merge     bool // whether the File Manager should splice this segment
	Key       *Segment // optional reference to a Key segment for decryption

	downloaded int32 // atomic bool: bytes on disk match target length
	completed  int32 // atomic bool: spliced into TempFile
	locked     int32 // atomic bool: a worker currently owns this segment

	onDiskSize atomic.Int64 // bytes currently on disk for this segment, updated by the worker

	rangeMu sync.Mutex // guards Range during a work-stealing truncation
}

// RangeSnapshot returns a copy of the segment's current range, safe to read while a
// work-stealing split may be concurrently truncating it.
func (s *Segment) RangeSnapshot() *ByteRange {
	s.rangeMu.Lock()
	defer s.rangeMu.Unlock()
	if s.Range == nil {
		return nil
	}
	r := *s.Range
	return &r
}

// TruncateRangeEnd shortens the segment's range to end at newEnd, used by the worker
// pool's work-stealing split. The caller (pool) is responsible for having already
// appended the new tail segment before calling this, so there is never a window where
// the truncated byte range is uncovered.
func (s *Segment) TruncateRangeEnd(newEnd int64) {
	s.rangeMu.Lock()
	defer s.rangeMu.Unlock()
	if s.Range != nil {
		s.Range.End = newEnd
		s.Size = newEnd - s.Range.Start + 1
	}
}

// IsKey reports whether this segment is an encryption key fetched ahead of its media
// segments, per the Key subtype in the data model.
func (s *Segment) IsKey() bool { return s.MediaType == MediaKey }

// TargetLength returns the expected size of this segment: for ranged segments it is
// End-Start+1; for fragments it is the known size, or 0 if unknown.
func (s *Segment) TargetLength() int64 {
	if r := s.RangeSnapshot(); r != nil {
		return r.Length()
	}
	return s.Size
}

// Remaining returns TargetLength minus the bytes currently on disk for this segment.
func (s *Segment) Remaining() int64 {
	target := s.TargetLength()
	if target <= 0 {
		return 0
	}
	r := target - s.onDiskSize.Load()
	if r < 0 {
		return 0
	}
	return r
}

// OnDiskSize returns the bytes currently recorded on disk for this segment.
func (s *Segment) OnDiskSize() int64 { return s.onDiskSize.Load() }

// SetOnDiskSize records the current on-disk size, used on load/resume reconciliation and
// by the worker as it appends bytes.
func (s *Segment) SetOnDiskSize(n int64) { s.onDiskSize.Store(n) }

// AddOnDiskSize increments the on-disk size by delta bytes written.
func (s *Segment) AddOnDiskSize(delta int64) { s.onDiskSize.Add(delta) }

// MarkDownloaded sets the downloaded flag once on-disk length reaches TargetLength, or,
// for segments of unknown size, once the worker reports a 2xx completion.
func (s *Segment) MarkDownloaded() { atomic.StoreInt32(&s.downloaded, 1) }

// Downloaded reports whether this segment's bytes have fully arrived.
func (s *Segment) Downloaded() bool { return atomic.LoadInt32(&s.downloaded) == 1 }

// MarkCompleted sets the completed flag once the File Manager has spliced this segment
// into the item temp file. Invariant: Completed implies Downloaded.
func (s *Segment) MarkCompleted() { atomic.StoreInt32(&s.completed, 1) }

// Completed reports whether this segment has been spliced into the item temp file.
func (s *Segment) Completed() bool { return atomic.LoadInt32(&s.completed) == 1 }

// Lock attempts to claim exclusive ownership of this segment for one worker. It returns
// false if another worker already holds the lock.
func (s *Segment) Lock() bool { return atomic.CompareAndSwapInt32(&s.locked, 0, 1) }

// Unlock releases ownership, making the segment eligible for reassignment.
func (s *Segment) Unlock() { atomic.StoreInt32(&s.locked, 0) }

// Locked reports whether a worker currently owns this segment.
func (s *Segment) Locked() bool { return atomic.LoadInt32(&s.locked) == 1 }
