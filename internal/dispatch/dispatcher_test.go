package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/captioner/internal/worker"
)

// stubAnnotator captions every image unless told otherwise.
type stubAnnotator struct {
	mu sync.Mutex

	failLoad map[int]bool
	// hangLoad makes Load block until its context is cancelled
	hangLoad map[int]bool
	// block makes Generate wait for release (or ctx when honorCtx is set)
	block    chan struct{}
	honorCtx bool
	started  chan struct{}
	// slow delays Generate for the listed images
	slow     map[string]time.Duration

	generated map[string]int
}

func newStub() *stubAnnotator {
	return &stubAnnotator{failLoad: map[int]bool{}, hangLoad: map[int]bool{}, generated: map[string]int{}}
}

func (s *stubAnnotator) Load(ctx context.Context, deviceID int) (worker.Handle, error) {
	if s.hangLoad[deviceID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.failLoad[deviceID] {
		return nil, fmt.Errorf("device %d: driver error", deviceID)
	}
	return deviceID, nil
}

func (s *stubAnnotator) Generate(ctx context.Context, h worker.Handle, task worker.Task) (string, error) {
	if d, ok := s.slow[task.ImageID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.block != nil {
		if s.started != nil {
			select {
			case s.started <- struct{}{}:
			default:
			}
		}
		if s.honorCtx {
			select {
			case <-s.block:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		} else {
			<-s.block
		}
	}

	s.mu.Lock()
	s.generated[task.ImageID]++
	s.mu.Unlock()
	return "caption of " + task.ImageID, nil
}

func (s *stubAnnotator) Unload(ctx context.Context, h worker.Handle) error {
	return nil
}

func testBatches(tasks, size int) []*worker.Batch {
	var batches []*worker.Batch
	for i := 0; i < tasks; i += size {
		b := &worker.Batch{ID: len(batches)}
		for j := i; j < min(i+size, tasks); j++ {
			b.Tasks = append(b.Tasks, worker.Task{ImageID: fmt.Sprintf("img-%d.png", j)})
		}
		batches = append(batches, b)
	}
	return batches
}

func testOptions(workers int) Options {
	return Options{
		Workers:     workers,
		JoinTimeout: 100 * time.Millisecond,
		Worker: worker.Config{
			MaxRetries:       3,
			RestartThreshold: 3,
			PollTimeout:      20 * time.Millisecond,
		},
	}
}

func drainResults(ch *Channels) []worker.Result {
	var out []worker.Result
	for {
		select {
		case r := <-ch.Results:
			out = append(out, r)
		default:
			return out
		}
	}
}

func TestDispatcher_AllTasksProcessed(t *testing.T) {
	batches := testBatches(10, 4)
	if len(batches) != 3 || len(batches[2].Tasks) != 2 {
		t.Fatalf("unexpected batching: %d batches", len(batches))
	}

	ch, err := NewChannels(batches, 2, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	ann := newStub()
	d := New(ann, testOptions(2))
	outcome, err := d.Run(context.Background(), worker.NewSignal(), batches, ch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	results := drainResults(ch)
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	seen := map[string]bool{}
	for _, r := range results {
		if !r.Succeeded() {
			t.Errorf("unexpected failure for %s: %s", r.ImageID, r.Reason)
		}
		if seen[r.ImageID] {
			t.Errorf("duplicate result for %s", r.ImageID)
		}
		seen[r.ImageID] = true
	}

	if outcome.ReadyWorkers() != 2 {
		t.Errorf("expected 2 ready workers, got %d", outcome.ReadyWorkers())
	}
	if outcome.UndispatchedTasks != 0 || outcome.EnqueuedBatches != 3 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	for _, w := range outcome.Workers {
		if w.Err != nil || w.Forced {
			t.Errorf("worker %d: err=%v forced=%v", w.ID, w.Err, w.Forced)
		}
	}
	for id, n := range ann.generated {
		if n != 1 {
			t.Errorf("%s generated %d times", id, n)
		}
	}
}

func TestDispatcher_DegradedRun(t *testing.T) {
	batches := testBatches(6, 2)
	ch, err := NewChannels(batches, 3, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	ann := newStub()
	ann.failLoad[0] = true
	ann.failLoad[2] = true

	outcome, err := New(ann, testOptions(3)).Run(context.Background(), worker.NewSignal(), batches, ch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := len(drainResults(ch)); got != 6 {
		t.Fatalf("expected surviving worker to process all 6 tasks, got %d", got)
	}
	var lerr *worker.LifecycleError
	if !errors.As(outcome.Workers[0].Err, &lerr) || lerr.Phase != worker.PhaseInit {
		t.Errorf("expected init failure for worker 0, got %v", outcome.Workers[0].Err)
	}
	if !outcome.Workers[1].Ready || outcome.Workers[1].Err != nil {
		t.Errorf("worker 1: %+v", outcome.Workers[1])
	}
}

func TestDispatcher_NoWorkers(t *testing.T) {
	batches := testBatches(4, 2)
	ch, err := NewChannels(batches, 2, 1, 3)
	if err != nil {
		t.Fatal(err)
	}

	ann := newStub()
	ann.failLoad[0] = true
	ann.failLoad[1] = true

	done := make(chan struct{})
	var outcome *Outcome
	go func() {
		defer close(done)
		outcome, err = New(ann, testOptions(2)).Run(context.Background(), worker.NewSignal(), batches, ch)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher hung with no live workers")
	}

	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
	if outcome.UndispatchedTasks != 4 {
		t.Errorf("expected 4 undispatched tasks, got %d", outcome.UndispatchedTasks)
	}
}

func TestDispatcher_NoWorkNoError(t *testing.T) {
	ch, err := NewChannels(nil, 1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	ann := newStub()
	ann.failLoad[0] = true

	if _, err := New(ann, testOptions(1)).Run(context.Background(), worker.NewSignal(), nil, ch); err != nil {
		t.Fatalf("empty run should not fail, got %v", err)
	}
}

func TestDispatcher_StopBeforeStart(t *testing.T) {
	batches := testBatches(8, 2)
	ch, err := NewChannels(batches, 2, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	stop := worker.NewSignal()
	stop.Set()

	outcome, err := New(newStub(), testOptions(2)).Run(context.Background(), stop, batches, ch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	dispatched := len(drainResults(ch))
	if dispatched+outcome.UndispatchedTasks != 8 {
		t.Errorf("results (%d) + undispatched (%d) != 8", dispatched, outcome.UndispatchedTasks)
	}
	if outcome.EnqueuedBatches != 0 {
		t.Errorf("expected nothing enqueued after stop, got %d", outcome.EnqueuedBatches)
	}
}

func TestDispatcher_ForceTerminate(t *testing.T) {
	batches := testBatches(2, 2)
	ch, err := NewChannels(batches, 1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	ann := newStub()
	ann.block = make(chan struct{})
	ann.honorCtx = true
	ann.started = make(chan struct{}, 1)

	stop := worker.NewSignal()
	go func() {
		<-ann.started
		stop.Set()
	}()

	start := time.Now()
	outcome, err := New(ann, testOptions(1)).Run(context.Background(), stop, batches, ch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("force termination took too long: %v", time.Since(start))
	}

	w := outcome.Workers[0]
	if !w.Forced || !errors.Is(w.Err, context.Canceled) {
		t.Errorf("expected forced cancel, got %+v", w)
	}
	// The claimed batch still yields one result per task
	if got := len(drainResults(ch)); got != 2 {
		t.Errorf("expected 2 results, got %d", got)
	}
}

func TestDispatcher_AbandonUnresponsiveWorker(t *testing.T) {
	old := forceGrace
	forceGrace = 50 * time.Millisecond
	defer func() { forceGrace = old }()

	batches := testBatches(1, 1)
	ch, err := NewChannels(batches, 1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	ann := newStub()
	ann.block = make(chan struct{})
	ann.started = make(chan struct{}, 1)
	defer close(ann.block)

	stop := worker.NewSignal()
	go func() {
		<-ann.started
		stop.Set()
	}()

	outcome, err := New(ann, testOptions(1)).Run(context.Background(), stop, batches, ch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !errors.Is(outcome.Workers[0].Err, ErrAbandoned) {
		t.Errorf("expected abandoned worker, got %v", outcome.Workers[0].Err)
	}
	if outcome.HeldDevices != 1 {
		t.Errorf("expected the abandoned worker to still hold its device, got %d", outcome.HeldDevices)
	}
}

func TestDispatcher_HungInitJoinsAfterWorkIsClaimed(t *testing.T) {
	batches := testBatches(4, 2)
	ch, err := NewChannels(batches, 2, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	ann := newStub()
	ann.hangLoad[1] = true

	done := make(chan struct{})
	var outcome *Outcome
	go func() {
		defer close(done)
		outcome, err = New(ann, testOptions(2)).Run(context.Background(), worker.NewSignal(), batches, ch)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stuck initializing was never force terminated")
	}
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := len(drainResults(ch)); got != 4 {
		t.Errorf("expected the ready worker to process all 4 tasks, got %d", got)
	}
	if w := outcome.Workers[0]; w.Err != nil || w.Forced || !w.Ready {
		t.Errorf("worker 0: %+v", w)
	}
	w := outcome.Workers[1]
	if !w.Forced || w.Ready {
		t.Errorf("expected worker 1 force terminated before ready, got %+v", w)
	}
	var lerr *worker.LifecycleError
	if !errors.As(w.Err, &lerr) || lerr.Phase != worker.PhaseInit {
		t.Errorf("expected init failure for worker 1, got %v", w.Err)
	}
	if outcome.UndispatchedTasks != 0 || outcome.HeldDevices != 0 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
}

func TestDispatcher_SlowBatchOutlivesJoinTimeout(t *testing.T) {
	batches := testBatches(2, 1)
	ch, err := NewChannels(batches, 2, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	ann := newStub()
	ann.slow = map[string]time.Duration{"img-1.png": 400 * time.Millisecond}

	outcome, err := New(ann, testOptions(2)).Run(context.Background(), worker.NewSignal(), batches, ch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	results := drainResults(ch)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Succeeded() {
			t.Errorf("%s failed: %s", r.ImageID, r.Reason)
		}
	}
	for _, w := range outcome.Workers {
		if w.Forced || w.Err != nil {
			t.Errorf("worker %d: forced=%v err=%v", w.ID, w.Forced, w.Err)
		}
	}
}

func TestDispatcher_CancelledContextJoins(t *testing.T) {
	batches := testBatches(2, 1)
	ch, err := NewChannels(batches, 1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	ann := newStub()
	ann.hangLoad[0] = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	outcome, err := New(ann, testOptions(1)).Run(ctx, worker.NewSignal(), batches, ch)
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("cancelled run took too long: %v", time.Since(start))
	}
	if outcome.UndispatchedTasks != 2 {
		t.Errorf("expected 2 undispatched tasks, got %d", outcome.UndispatchedTasks)
	}
}

func TestNewChannels(t *testing.T) {
	batches := testBatches(10, 4)

	ch, err := NewChannels(batches, 2, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if cap(ch.Tasks) != 5 {
		t.Errorf("task capacity = %d, want 5", cap(ch.Tasks))
	}
	if cap(ch.Results) != 10 {
		t.Errorf("result capacity = %d, want 10", cap(ch.Results))
	}
	if want := 3 + 4 + 10 + 1; cap(ch.Events) != want {
		t.Errorf("event capacity = %d, want %d", cap(ch.Events), want)
	}

	capped, err := NewChannels(batches, 2, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if cap(capped.Tasks) != 2 {
		t.Errorf("capped task capacity = %d, want 2", cap(capped.Tasks))
	}

	invalid := []struct {
		workers, queueCap, retries int
	}{
		{0, 0, 3},
		{-1, 0, 3},
		{2, -5, 3},
		{2, 0, 0},
	}
	for _, tt := range invalid {
		if _, err := NewChannels(batches, tt.workers, tt.queueCap, tt.retries); !errors.Is(err, ErrInvalidChannels) {
			t.Errorf("NewChannels(%d, %d, %d): expected ErrInvalidChannels, got %v", tt.workers, tt.queueCap, tt.retries, err)
		}
	}
}
