// Package scheduler implements the Scheduler (C9): global admission control across
// DownloadItems. It enforces max_concurrent_downloads, promotes scheduled items at their
// wall-clock time, and runs the global completion action once every item reaches a
// terminal state. Grounded on the teacher's manager.go Manager: a buffered task channel
// drained by a fixed pool of worker goroutines (Start/worker/AddTask), generalized from
// that file's Task/TaskState pair to this spec's model.DownloadItem/model.State and from
// its callback quartet (onStateChange/onProgress/onComplete/onError) to the
// model.Sink/ChangeEvent observer already used throughout the core.
package scheduler

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/fetchgrid/fetchgrid/internal/model"
)

// Runner executes one DownloadItem to a terminal state. The brain implements this; the
// scheduler has no knowledge of segments, pools, or file managers.
type Runner interface {
	Run(ctx context.Context, item *model.DownloadItem) error
}

// entry pairs an item with the wall-clock time a Scheduled item should be promoted at.
// Zero time means the item is eligible immediately (it arrived as Pending).
type entry struct {
	item  *model.DownloadItem
	runAt time.Time
}

// Config bundles the scheduler's global knobs, per §4.9.
type Config struct {
	MaxConcurrentDownloads int
	OnCompletionCommand    string
	ShutdownOnComplete     bool
	// Now lets tests substitute a deterministic clock; defaults to time.Now.
	Now func() time.Time
}

func defaultsFor(cfg *Config) {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// Scheduler owns the FIFO pending queue and the admitted/active set. Run's loop decides
// what runs next; admitReady starts one goroutine per admitted item, which blocks on
// Runner.Run until that item reaches a terminal state.
type Scheduler struct {
	cfg    Config
	runner Runner

	mu      sync.Mutex
	pending []entry // FIFO order of arrival; scheduled items also wait here with runAt set
	active  int

	wake chan struct{}
	done chan struct{}

	shutdownOnce sync.Once
	onShutdown   func()
}

// New builds a Scheduler that dispatches admitted items to runner.
func New(cfg Config, runner Runner) *Scheduler {
	defaultsFor(&cfg)
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// OnShutdown registers the hook invoked once, after the global completion action runs,
// when ShutdownOnComplete is set. cmd/ wires this to process exit.
func (s *Scheduler) OnShutdown(fn func()) { s.onShutdown = fn }

// Submit adds item to the pending queue. Items already in Scheduled state wait until
// runAt; all others (Pending) are eligible immediately, in arrival order.
func (s *Scheduler) Submit(item *model.DownloadItem, runAt time.Time) {
	s.mu.Lock()
	s.pending = append(s.pending, entry{item: item, runAt: runAt})
	s.mu.Unlock()
	s.nudge()
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives admission until ctx is cancelled. It promotes scheduled items whose runAt
// has arrived, admits pending items up to MaxConcurrentDownloads, and fires the global
// completion action when the queue and active set both drain to empty.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		s.admitReady(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// admitReady promotes Scheduled->Pending arrivals and starts as many pending items as the
// concurrency cap allows, each on its own goroutine.
func (s *Scheduler) admitReady(ctx context.Context) {
	now := s.cfg.Now()

	s.mu.Lock()
	ready := make([]entry, 0, len(s.pending))
	rest := s.pending[:0]
	for _, e := range s.pending {
		if e.item.State() == model.Scheduled {
			if now.Before(e.runAt) {
				rest = append(rest, e)
				continue
			}
			e.item.Transition(model.Pending, nil)
		}
		ready = append(ready, e)
	}
	s.pending = rest

	var toRun []entry
	for len(ready) > 0 && s.active < s.cfg.MaxConcurrentDownloads {
		toRun = append(toRun, ready[0])
		ready = ready[1:]
		s.active++
	}
	s.pending = append(s.pending, ready...)
	s.mu.Unlock()

	for _, e := range toRun {
		e := e
		go s.runOne(ctx, e.item)
	}
}

func (s *Scheduler) runOne(ctx context.Context, item *model.DownloadItem) {
	item.Transition(model.Downloading, nil)
	_ = s.runner.Run(ctx, item)

	s.mu.Lock()
	s.active--
	allDone := s.active == 0 && len(s.pending) == 0
	s.mu.Unlock()

	if allDone {
		s.maybeFireCompletion()
	}
	s.nudge()
}

// maybeFireCompletion runs the on_completion_command (if set) and, if ShutdownOnComplete
// is set, invokes the registered shutdown hook. runOne calls it each time its item's
// finish drains the active set and the pending queue to empty, so the command runs once
// per drain; the shutdown hook runs at most once per Scheduler.
func (s *Scheduler) maybeFireCompletion() {
	s.mu.Lock()
	cmdStr := s.cfg.OnCompletionCommand
	shutdown := s.cfg.ShutdownOnComplete
	s.mu.Unlock()

	if cmdStr != "" {
		cmd := exec.Command("sh", "-c", cmdStr)
		_ = cmd.Run()
	}
	if shutdown && s.onShutdown != nil {
		s.shutdownOnce.Do(s.onShutdown)
	}
}

// SetOnCompletionCommand updates the shell command run once all items reach terminal
// states.
func (s *Scheduler) SetOnCompletionCommand(cmd string) {
	s.mu.Lock()
	s.cfg.OnCompletionCommand = cmd
	s.mu.Unlock()
}

// SetShutdownOnComplete toggles whether the global completion action should shut the
// process down.
func (s *Scheduler) SetShutdownOnComplete(v bool) {
	s.mu.Lock()
	s.cfg.ShutdownOnComplete = v
	s.mu.Unlock()
}

// PendingCount reports how many items currently wait in the FIFO queue (including
// not-yet-due Scheduled items).
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ActiveCount reports how many items are currently admitted and running.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
