package collector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aceteam-ai/captioner/internal/checkpoint"
	"github.com/aceteam-ai/captioner/internal/worker"
)

type memSink struct {
	written map[string]string
	failFor map[string]bool
}

func newMemSink() *memSink {
	return &memSink{written: map[string]string{}, failFor: map[string]bool{}}
}

func (s *memSink) Write(ctx context.Context, target, text string) error {
	if s.failFor[target] {
		return errors.New("disk full")
	}
	if _, ok := s.written[target]; ok {
		return fmt.Errorf("%s written twice", target)
	}
	s.written[target] = text
	return nil
}

type memStore struct {
	saves   int
	lastIDs []string
}

func (s *memStore) Save(rec *checkpoint.Record) error {
	s.saves++
	s.lastIDs = rec.IDs()
	return nil
}

type memLedger struct {
	results []worker.Result
}

func (l *memLedger) RecordResult(ctx context.Context, r worker.Result) error {
	l.results = append(l.results, r)
	return nil
}

type countingObserver struct {
	results   int
	events    int
	snapshots []Snapshot
}

func (o *countingObserver) OnResult(worker.Result) { o.results++ }
func (o *countingObserver) OnEvent(worker.Event) { o.events++ }
func (o *countingObserver) OnProgress(_ context.Context, s Snapshot) { o.snapshots = append(o.snapshots, s) }

func success(id string, workerID int) worker.Result {
	return worker.Result{ImageID: id, OutputTarget: id + ".txt", Payload: "caption " + id, Outcome: worker.OutcomeSuccess, WorkerID: workerID}
}

func failure(id string, workerID int) worker.Result {
	return worker.Result{ImageID: id, OutputTarget: id + ".txt", Outcome: worker.OutcomeFailure, Reason: "boom", WorkerID: workerID}
}

// drainAll feeds everything before done closes, so Drain sees it buffered.
func drainAll(t *testing.T, c *Collector, results []worker.Result, events []worker.Event) *Report {
	t.Helper()
	rch := make(chan worker.Result, len(results))
	ech := make(chan worker.Event, len(events))
	for _, r := range results {
		rch <- r
	}
	for _, e := range events {
		ech <- e
	}
	done := make(chan struct{})
	close(done)

	report, err := c.Drain(context.Background(), rch, ech, done)
	require.NoError(t, err)
	return report
}

func TestDrain_PersistsSuccessesOnly(t *testing.T) {
	sink := newMemSink()
	store := &memStore{}
	ledger := &memLedger{}

	c := New(sink, store, nil, Options{Total: 3, Ledger: ledger})
	report := drainAll(t, c, []worker.Result{
		success("a", 0),
		failure("b", 1),
		success("c", 1),
	}, nil)

	assert.Equal(t, map[string]string{"a.txt": "caption a", "c.txt": "caption c"}, sink.written)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, report.Received)
	assert.Equal(t, []string{"a", "c"}, store.lastIDs)
	assert.Len(t, ledger.results, 3)
	assert.Equal(t, 1, report.CheckpointsSaved, "only the final checkpoint")
}

func TestDrain_WriteFailureCountsAsFailure(t *testing.T) {
	sink := newMemSink()
	sink.failFor["a.txt"] = true
	store := &memStore{}
	ledger := &memLedger{}

	c := New(sink, store, nil, Options{Ledger: ledger})
	report := drainAll(t, c, []worker.Result{success("a", 0)}, nil)

	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, store.lastIDs)
	require.Len(t, ledger.results, 1)
	assert.Equal(t, worker.OutcomeFailure, ledger.results[0].Outcome)
	assert.Contains(t, ledger.results[0].Reason, "disk full")
}

func TestDrain_CheckpointCadence(t *testing.T) {
	store := &memStore{}
	c := New(newMemSink(), store, nil, Options{CheckpointInterval: 3})

	var results []worker.Result
	for i := 0; i < 7; i++ {
		if i == 4 {
			results = append(results, failure(fmt.Sprintf("img-%d", i), 0))
			continue
		}
		results = append(results, success(fmt.Sprintf("img-%d", i), 0))
	}
	report := drainAll(t, c, results, nil)

	// After results 3 and 6, plus the final one
	assert.Equal(t, 3, store.saves)
	assert.Equal(t, 3, report.CheckpointsSaved)
	assert.Len(t, store.lastIDs, 6)
}

func TestDrain_KeepsEarlierCompletions(t *testing.T) {
	store := &memStore{}
	rec := checkpoint.NewRecord()
	rec.Add("old")

	c := New(newMemSink(), store, rec, Options{})
	drainAll(t, c, []worker.Result{success("new", 0)}, nil)

	assert.Equal(t, []string{"new", "old"}, store.lastIDs)
}

func TestDrain_EventsAndProgress(t *testing.T) {
	obs := &countingObserver{}
	c := New(newMemSink(), &memStore{}, nil, Options{Total: 4, ProgressEvery: 2, Observers: []Observer{obs}})

	events := []worker.Event{
		{Kind: worker.EventReady, WorkerID: 0},
		{Kind: worker.EventRestart, WorkerID: 0, Stats: worker.WorkerStats{WorkerID: 0, Restarts: 1}},
		{Kind: worker.EventBatchDone, WorkerID: 0, Stats: worker.WorkerStats{WorkerID: 0, Processed: 3, Failed: 1, Restarts: 1}},
		{Kind: worker.EventBatchDone, WorkerID: 1, Stats: worker.WorkerStats{WorkerID: 1}},
	}
	results := []worker.Result{success("a", 0), success("b", 0), success("c", 0), failure("d", 0)}
	report := drainAll(t, c, results, events)

	assert.Equal(t, 1, report.Restarts)
	require.Len(t, report.Workers, 2)
	assert.Equal(t, int64(3), report.Workers[0].Processed)
	assert.Equal(t, 1, report.Workers[1].WorkerID)

	assert.Equal(t, 4, obs.results)
	assert.Equal(t, 4, obs.events)
	// Every second result plus the final snapshot
	require.Len(t, obs.snapshots, 3)
	last := obs.snapshots[2]
	assert.Equal(t, 4, last.Received)
	assert.Equal(t, WorkerTally{Succeeded: 3, Failed: 1}, last.Workers[0])
}

func TestDrain_LiveResults(t *testing.T) {
	sink := newMemSink()
	rch := make(chan worker.Result, 10)
	ech := make(chan worker.Event, 10)
	done := make(chan struct{})

	go func() {
		for i := 0; i < 10; i++ {
			rch <- success(fmt.Sprintf("img-%d", i), i%2)
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	c := New(sink, &memStore{}, nil, Options{PollInterval: 5 * time.Millisecond})
	report, err := c.Drain(context.Background(), rch, ech, done)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Processed)
	assert.Len(t, sink.written, 10)
}

func TestDrain_CancelledContextWaitsForAbortedWorkers(t *testing.T) {
	store := &memStore{}
	rch := make(chan worker.Result, 3)
	rch <- success("a", 0)
	rch <- success("b", 0)

	stop := worker.NewSignal()
	stop.Set()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A worker reporting after cancellation, before the dispatcher returns
	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		rch <- success("c", 1)
		close(done)
	}()

	c := New(newMemSink(), store, nil, Options{Stop: stop})
	report, err := c.Drain(ctx, rch, make(chan worker.Event), done)
	require.ErrorIs(t, err, context.Canceled)

	assert.True(t, report.Cancelled)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, []string{"a", "b", "c"}, store.lastIDs)
}

func TestReport_ThroughputCountsFailures(t *testing.T) {
	c := New(newMemSink(), &memStore{}, nil, Options{})
	report := drainAll(t, c, []worker.Result{success("a", 0), failure("b", 0), failure("c", 1)}, nil)

	require.Equal(t, 3, report.Received)
	require.Equal(t, 1, report.Processed)
	assert.InDelta(t, float64(report.Received)/report.Elapsed.Seconds(), report.Throughput, 1e-9)
}
