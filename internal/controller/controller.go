// Package controller implements the Controller (C10): the item registry, its JSON
// persistence across runs, and the observer fan-out that forwards DownloadItem change
// events without blocking the core. Grounded on the teacher's manager.go Manager (its
// sync.Map task registry plus taskOrder slice for stable iteration, and its
// AddTask/GetTask/GetAllTasks/CancelTask/RemoveTask surface) and on warpdl-warpdl's
// Manager/ManagerData registry shape, adapted from that pair's gob-encoded save file to
// the spec's explicit JSON persistence mandate.
package controller

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fetchgrid/fetchgrid/internal/model"
	"github.com/fetchgrid/fetchgrid/internal/scheduler"
)

// record is the JSON-persisted form of one registered item: just enough to reconstruct
// its segment list or rebuild it from scratch, per §4.10.
type record struct {
	UID       string            `json:"uid"`
	URL       string            `json:"url"`
	Folder    string            `json:"folder"`
	Name      string            `json:"name"`
	Extension string            `json:"extension"`
	Headers   map[string]string `json:"headers,omitempty"`
	State     string            `json:"state"`
	TotalSize int64             `json:"total_size"`
	SavedAt   time.Time         `json:"saved_at"`
}

type registryFile struct {
	RunID           string   `json:"run_id"`
	Items           []record `json:"items"`
	OnCompletionCmd string   `json:"on_completion_command,omitempty"`
	ShutdownOnComp  bool     `json:"shutdown_on_complete,omitempty"`
}

// Controller owns the set of registered items, the scheduler that admits them, and the
// observer list their change events fan out to.
type Controller struct {
	statePath string
	sched     *scheduler.Scheduler
	runID     string

	mu    sync.RWMutex
	items map[string]*model.DownloadItem
	order []string

	obsMu     sync.Mutex
	observers []model.Sink

	onCompletionCmd string
	shutdownOnComp  bool
}

// New builds a Controller persisting its registry at statePath and admitting items
// through sched. Each process run gets a fresh RunID (a uuid, distinct from an item's
// content-derived UID) purely for correlating log lines and the persisted registry across
// restarts; it carries no scheduling semantics of its own.
func New(statePath string, sched *scheduler.Scheduler) *Controller {
	return &Controller{
		statePath: statePath,
		sched:     sched,
		runID:     uuid.NewString(),
		items:     map[string]*model.DownloadItem{},
	}
}

// RunID returns this Controller's process-run identifier.
func (c *Controller) RunID() string {
	return c.runID
}

// AddObserver registers an additional Sink to receive every item's ChangeEvents.
func (c *Controller) AddObserver(s model.Sink) {
	c.obsMu.Lock()
	c.observers = append(c.observers, s)
	c.obsMu.Unlock()
}

// Notify implements model.Sink: the Controller itself is the sink every registered item
// is given, and it fans events out to every registered observer without blocking the
// caller (the brain, via the item).
func (c *Controller) Notify(ev model.ChangeEvent) {
	c.obsMu.Lock()
	obs := make([]model.Sink, len(c.observers))
	copy(obs, c.observers)
	c.obsMu.Unlock()

	for _, o := range obs {
		go o.Notify(ev)
	}
}

// Add registers item, attaches the Controller as its sink, submits it to the scheduler
// for admission (immediately if Pending, at runAt if Scheduled), and persists the
// registry.
func (c *Controller) Add(item *model.DownloadItem, runAt time.Time) {
	item.SetSink(c)

	c.mu.Lock()
	if _, exists := c.items[item.UID]; !exists {
		c.order = append(c.order, item.UID)
	}
	c.items[item.UID] = item
	c.mu.Unlock()

	c.sched.Submit(item, runAt)
	_ = c.Save()
}

// Get returns the registered item for uid, if any.
func (c *Controller) Get(uid string) (*model.DownloadItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[uid]
	return it, ok
}

// All returns every registered item, in registration order.
func (c *Controller) All() []*model.DownloadItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.DownloadItem, 0, len(c.order))
	for _, uid := range c.order {
		if it, ok := c.items[uid]; ok {
			out = append(out, it)
		}
	}
	return out
}

// Delete removes uid from the registry (it must already be in a terminal state; callers
// should Pause or cancel it first) and persists the registry.
func (c *Controller) Delete(uid string) {
	c.mu.Lock()
	delete(c.items, uid)
	for i, id := range c.order {
		if id == uid {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	_ = c.Save()
}

// Pause cancels an item in-flight, cooperatively: the running worker pool and file
// manager observe the item's transition to Cancelled at their next suspension point,
// close files, and leave the temp folder intact for resume. Idempotent per §5.
func (c *Controller) Pause(uid string) error {
	it, ok := c.Get(uid)
	if !ok {
		return nil
	}
	return it.Transition(model.Cancelled, nil)
}

// PauseAll pauses every non-terminal registered item.
func (c *Controller) PauseAll() {
	for _, it := range c.All() {
		if !it.State().Terminal() {
			_ = it.Transition(model.Cancelled, nil)
		}
	}
}

// Resume re-submits a Cancelled item to the scheduler; the brain's resume path (via
// LoadProgress) picks up from the on-disk sidecar rather than restarting from zero.
func (c *Controller) Resume(uid string) error {
	it, ok := c.Get(uid)
	if !ok {
		return nil
	}
	if it.State() != model.Cancelled {
		return nil
	}
	it.Transition(model.Pending, nil)
	c.sched.Submit(it, time.Time{})
	return nil
}

// ResumeAll resubmits every Cancelled registered item.
func (c *Controller) ResumeAll() {
	for _, it := range c.All() {
		if it.State() == model.Cancelled {
			_ = c.Resume(it.UID)
		}
	}
}

// SetOnCompletionCommand records the shell command to run once all items reach terminal
// states, hands it to the running Scheduler, and persists it with the registry.
func (c *Controller) SetOnCompletionCommand(cmd string) {
	c.mu.Lock()
	c.onCompletionCmd = cmd
	c.mu.Unlock()
	c.sched.SetOnCompletionCommand(cmd)
	_ = c.Save()
}

// SetShutdownOnComplete toggles whether the process should exit once all items complete.
func (c *Controller) SetShutdownOnComplete(v bool) {
	c.mu.Lock()
	c.shutdownOnComp = v
	c.mu.Unlock()
	c.sched.SetShutdownOnComplete(v)
	_ = c.Save()
}

// SetSubtitleSelection records which subtitle track (by language key) to fetch for an
// HLS/DASH item; must be called before its pre-process step runs.
func (c *Controller) SetSubtitleSelection(uid, language string, ref model.SubtitleRef) {
	it, ok := c.Get(uid)
	if !ok {
		return
	}
	if it.SelectedSubtitles == nil {
		it.SelectedSubtitles = map[string]model.SubtitleRef{}
	}
	it.SelectedSubtitles[language] = ref
}

// Save writes the registry to statePath as JSON, atomically via a temp file + rename.
func (c *Controller) Save() error {
	c.mu.RLock()
	rf := registryFile{RunID: c.runID, OnCompletionCmd: c.onCompletionCmd, ShutdownOnComp: c.shutdownOnComp}
	for _, uid := range c.order {
		it := c.items[uid]
		if it == nil {
			continue
		}
		rf.Items = append(rf.Items, record{
			UID:       it.UID,
			URL:       it.URL,
			Folder:    it.Folder,
			Name:      it.Name,
			Extension: it.Extension,
			Headers:   it.Headers,
			State:     it.State().String(),
			TotalSize: it.TotalSize,
			SavedAt:   time.Now(),
		})
	}
	c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.statePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.statePath)
}

// Restore reads the persisted registry from statePath and reconstructs one DownloadItem
// per record via build, which the caller supplies so item construction (temp paths,
// policy defaults, segment re-planning) stays the brain's responsibility. Every item whose
// persisted state was neither completed nor error (cancelled included) is resubmitted to
// the scheduler as Pending, since any in-flight worker state from the previous run is gone.
func (c *Controller) Restore(build func(rec RestoredItem) (*model.DownloadItem, error)) error {
	data, err := os.ReadFile(c.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return err
	}

	c.mu.Lock()
	c.onCompletionCmd = rf.OnCompletionCmd
	c.shutdownOnComp = rf.ShutdownOnComp
	c.mu.Unlock()
	c.sched.SetOnCompletionCommand(rf.OnCompletionCmd)
	c.sched.SetShutdownOnComplete(rf.ShutdownOnComp)

	for _, rec := range rf.Items {
		it, err := build(RestoredItem{
			UID: rec.UID, URL: rec.URL, Folder: rec.Folder, Name: rec.Name,
			Extension: rec.Extension, Headers: rec.Headers, TotalSize: rec.TotalSize,
		})
		if err != nil {
			continue
		}
		wasTerminal := rec.State == "completed" || rec.State == "error"
		c.mu.Lock()
		c.items[it.UID] = it
		c.order = append(c.order, it.UID)
		c.mu.Unlock()
		it.SetSink(c)
		if !wasTerminal {
			c.sched.Submit(it, time.Time{})
		}
	}
	return nil
}

// RestoredItem is the persisted material Restore hands to the caller's build function.
type RestoredItem struct {
	UID       string
	URL       string
	Folder    string
	Name      string
	Extension string
	Headers   map[string]string
	TotalSize int64
}
