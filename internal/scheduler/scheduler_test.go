package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchgrid/fetchgrid/internal/model"
)

type fakeRunner struct {
	mu      sync.Mutex
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func (r *fakeRunner) Run(ctx context.Context, item *model.DownloadItem) error {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	r.mu.Unlock()

	time.Sleep(r.delay)
	item.Transition(model.Processing, nil)
	item.Transition(model.Completed, nil)

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	return nil
}

func newItem(name string) *model.DownloadItem {
	return model.New("/tmp", name, ".bin")
}

func TestSchedulerCapsConcurrency(t *testing.T) {
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	s := New(Config{MaxConcurrentDownloads: 2, Now: time.Now}, runner)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 6; i++ {
		s.Submit(newItem(string(rune('a'+i))), time.Time{})
	}

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.maxSeen > 0
	}, time.Second, 5*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	runner.mu.Lock()
	maxSeen := runner.maxSeen
	runner.mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 2)
}

func TestSchedulerPromotesScheduledAtRunAt(t *testing.T) {
	runner := &fakeRunner{}
	s := New(Config{MaxConcurrentDownloads: 5}, runner)

	item := newItem("scheduled-item")
	item.MarkScheduled()

	runAt := time.Now().Add(50 * time.Millisecond)
	s.Submit(item, runAt)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, model.Scheduled, item.State())

	require.Eventually(t, func() bool {
		return item.State() == model.Completed
	}, time.Second, 10*time.Millisecond)
}

func TestSchedulerFiresCompletionCommandOnDrain(t *testing.T) {
	runner := &fakeRunner{}
	s := New(Config{MaxConcurrentDownloads: 1, OnCompletionCommand: "true"}, runner)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	fired := make(chan struct{})
	s.OnShutdown(func() { close(fired) })
	s.SetShutdownOnComplete(true)

	s.Submit(newItem("only-item"), time.Time{})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("completion shutdown hook never fired")
	}
}
