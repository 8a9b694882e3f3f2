// Package dispatch runs one worker per device and feeds them batches.
//
// The dispatcher starts its workers before enqueueing anything, so a full
// task channel blocks the producer until a worker frees a slot. After the
// last batch it enqueues one nil sentinel per worker. The join starts once
// the stop signal is raised (the producer gives up), the hard context is
// cancelled, or every batch has been claimed and no surviving worker is
// still processing one. From then on the workers get JoinTimeout to finish
// their in-flight batch; any worker still running after that has its hard
// context cancelled.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aceteam-ai/captioner/internal/catalog"
	"github.com/aceteam-ai/captioner/internal/worker"
)

// DefaultJoinTimeout bounds the wait for workers once the join starts.
const DefaultJoinTimeout = 10 * time.Second

// forceGrace is how long a force-terminated worker gets to return.
var forceGrace = 2 * time.Second

// idleCheckInterval paces the busy check once every batch is claimed.
var idleCheckInterval = 100 * time.Millisecond

var (
	// ErrNoWorkers is returned when there was work but no worker became ready.
	ErrNoWorkers = errors.New("no worker became ready")

	// ErrAbandoned is recorded for a worker that ignored force termination.
	ErrAbandoned = errors.New("worker abandoned after force termination")
)

// Options configures a Dispatcher.
type Options struct {
	// Workers is the number of devices, one worker each
	Workers int

	// JoinTimeout bounds the wait for workers once the join starts
	JoinTimeout time.Duration

	// Worker is the per-worker retry policy
	Worker worker.Config

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WorkerExit describes how one worker ended.
type WorkerExit struct {
	ID     int
	Ready  bool
	Err    error
	Forced bool
}

// Outcome summarizes a dispatcher run.
type Outcome struct {
	Workers []WorkerExit

	// EnqueuedBatches counts batches handed to the task channel
	EnqueuedBatches int

	// UndispatchedTasks counts tasks no worker claimed
	UndispatchedTasks int

	// HeldDevices counts devices still bound by abandoned workers
	HeldDevices int
}

// ReadyWorkers returns how many workers finished initializing.
func (o *Outcome) ReadyWorkers() int {
	n := 0
	for _, w := range o.Workers {
		if w.Ready {
			n++
		}
	}
	return n
}

// Dispatcher owns worker lifecycles for one run.
type Dispatcher struct {
	annotator worker.Annotator
	opts      Options
	logger    *slog.Logger
}

// New creates a dispatcher that hands every worker the same annotator.
func New(annotator worker.Annotator, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{annotator: annotator, opts: opts, logger: opts.Logger}
}

type exitMsg struct {
	id  int
	err error
}

// enqueueResult reports how far the producer got. complete means every
// batch and every sentinel reached the task channel.
type enqueueResult struct {
	sent     int
	complete bool
}

// Run dispatches batches to the workers and blocks until every worker has
// exited or been abandoned. Results and events flow out through ch.
func (d *Dispatcher) Run(ctx context.Context, stop *worker.Signal, batches []*worker.Batch, ch *Channels) (*Outcome, error) {
	n := d.opts.Workers
	if n <= 0 {
		return nil, fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidChannels, n)
	}

	cfg := d.opts.Worker
	devices := worker.NewDeviceTracker(n)
	cfg.Devices = devices
	if cfg.Logger == nil {
		cfg.Logger = d.logger
	}
	queues := worker.Queues{Tasks: ch.Tasks, Results: ch.Results, Events: ch.Events}

	workers := make([]*worker.Worker, n)
	cancels := make([]context.CancelFunc, n)
	exits := make(chan exitMsg, n)
	for i := 0; i < n; i++ {
		wctx, cancel := context.WithCancel(ctx)
		w := worker.New(i, d.annotator, queues, cfg)
		workers[i] = w
		cancels[i] = cancel
		go func() {
			exits <- exitMsg{id: i, err: w.Run(wctx, stop)}
		}()
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	d.logger.Info("dispatching", "workers", n, "batches", len(batches))

	allExited := make(chan struct{})
	enqueued := make(chan enqueueResult, 1)
	go func() {
		enqueued <- d.enqueue(stop, allExited, batches, ch.Tasks, n)
	}()

	outcome := &Outcome{Workers: make([]WorkerExit, n)}
	done := make([]bool, n)
	for i := range outcome.Workers {
		outcome.Workers[i].ID = i
	}

	remaining := n
	stopCh := stop.Done()
	ctxDone := ctx.Done()
	enqueuedCh := (<-chan enqueueResult)(enqueued)
	var enq enqueueResult
	var haveEnq, joining bool
	cleanExits := 0
	var joinTimer, graceTimer, idleCheck <-chan time.Time
	var idleTicker *time.Ticker
	defer func() {
		if idleTicker != nil {
			idleTicker.Stop()
		}
	}()

	startJoin := func(reason string) {
		if joining {
			return
		}
		joining = true
		joinTimer = time.After(d.opts.JoinTimeout)
		d.logger.Info(reason+", waiting for workers to finish in-flight batches",
			"join_timeout", d.opts.JoinTimeout,
			"alive", remaining)
	}
	busy := func() bool {
		for id, w := range workers {
			if done[id] {
				continue
			}
			if s := w.State(); s == worker.StateProcessing || s == worker.StateRecovering {
				return true
			}
		}
		return false
	}
	// A clean exit after a complete enqueue means a sentinel was consumed,
	// so every batch has been claimed. Workers still initializing then have
	// nothing left to do; the join waits only for in-flight batches.
	joinWhenDrained := func() {
		if joining || remaining == 0 || !haveEnq || !enq.complete || cleanExits == 0 {
			return
		}
		if !busy() {
			startJoin("all batches claimed")
			return
		}
		if idleTicker == nil {
			idleTicker = time.NewTicker(idleCheckInterval)
			idleCheck = idleTicker.C
		}
	}

wait:
	for remaining > 0 {
		select {
		case m := <-exits:
			remaining--
			done[m.id] = true
			outcome.Workers[m.id].Err = m.err
			outcome.Workers[m.id].Ready = workers[m.id].WasReady()
			if m.err != nil && !outcome.Workers[m.id].Forced {
				d.logger.Error("worker terminated with error, continuing with remaining workers",
					"worker_id", m.id,
					"error", m.err)
			}
			if m.err == nil {
				cleanExits++
			}
			joinWhenDrained()

		case enq = <-enqueuedCh:
			enqueuedCh = nil
			haveEnq = true
			joinWhenDrained()

		case <-idleCheck:
			joinWhenDrained()
			if joining {
				idleCheck = nil
			}

		case <-stopCh:
			stopCh = nil
			startJoin("stop requested")

		case <-ctxDone:
			ctxDone = nil
			startJoin("run cancelled")

		case <-joinTimer:
			joinTimer = nil
			for id := range workers {
				if done[id] {
					continue
				}
				d.logger.Error("worker did not exit within join timeout, force terminating",
					"worker_id", id,
					"state", workers[id].State())
				outcome.Workers[id].Forced = true
				cancels[id]()
			}
			graceTimer = time.After(forceGrace)

		case <-graceTimer:
			for id := range workers {
				if done[id] {
					continue
				}
				d.logger.Error("abandoning unresponsive worker", "worker_id", id, "state", workers[id].State())
				outcome.Workers[id].Err = ErrAbandoned
				outcome.Workers[id].Ready = workers[id].WasReady()
			}
			break wait
		}
	}

	close(allExited)
	if !haveEnq {
		enq = <-enqueued
	}
	outcome.EnqueuedBatches = enq.sent
	outcome.UndispatchedTasks = catalog.CountTasks(batches[enq.sent:]) + drainQueue(ch.Tasks)
	outcome.HeldDevices = devices.Held()

	if outcome.HeldDevices > 0 {
		d.logger.Warn("devices still bound by abandoned workers", "devices", outcome.HeldDevices)
	}
	if outcome.UndispatchedTasks > 0 {
		d.logger.Warn("tasks left undispatched", "tasks", outcome.UndispatchedTasks)
	}

	if len(batches) > 0 && outcome.ReadyWorkers() == 0 {
		return outcome, ErrNoWorkers
	}
	return outcome, nil
}

// enqueue feeds batches then sentinels. It gives up as soon as stop is
// raised or no worker is left to consume.
func (d *Dispatcher) enqueue(stop *worker.Signal, allExited <-chan struct{}, batches []*worker.Batch, tasks chan<- *worker.Batch, workers int) enqueueResult {
	sent := 0
	for _, b := range batches {
		if stop.IsSet() {
			d.logger.Info("stop requested, no further batches enqueued", "enqueued", sent, "total", len(batches))
			return enqueueResult{sent: sent}
		}
		select {
		case tasks <- b:
			sent++
		case <-stop.Done():
			d.logger.Info("stop requested, no further batches enqueued", "enqueued", sent, "total", len(batches))
			return enqueueResult{sent: sent}
		case <-allExited:
			return enqueueResult{sent: sent}
		}
	}

	for i := 0; i < workers; i++ {
		select {
		case tasks <- nil:
		case <-stop.Done():
			return enqueueResult{sent: sent}
		case <-allExited:
			return enqueueResult{sent: sent}
		}
	}
	return enqueueResult{sent: sent, complete: true}
}

// drainQueue empties the task channel and counts the tasks it held.
func drainQueue(tasks chan *worker.Batch) int {
	n := 0
	for {
		select {
		case b := <-tasks:
			if b != nil {
				n += len(b.Tasks)
			}
		default:
			return n
		}
	}
}

