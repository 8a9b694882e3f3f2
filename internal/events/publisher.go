// Package events publishes run progress to Redis for live dashboards and
// reliable downstream processing.
//
// Architecture:
//
//	Collector                                  Redis
//	┌─────────────┐  PUBLISH captioner:progress:X ┌─────────────┐
//	│  Publisher  │ ────────────────────────────▶ │  Pub/Sub    │ → live UI
//	│ (throttled) │                               └─────────────┘
//	│             │  XADD captioner:events:stream ┌─────────────┐
//	│             │ ────────────────────────────▶ │  Streams    │ → consumers
//	└─────────────┘                               └─────────────┘
//
// Publishing is best effort: failures are logged and never reach the run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/aceteam-ai/captioner/internal/collector"
	"github.com/aceteam-ai/captioner/internal/monitor"
	"github.com/aceteam-ai/captioner/internal/usage"
	"github.com/aceteam-ai/captioner/internal/worker"
)

const (
	// MessageVersion is stamped on every published message
	MessageVersion = "1.0"

	// DefaultEventStream receives progress and worker lifecycle messages
	DefaultEventStream = "captioner:events:stream"

	// DefaultResultStream receives ledger records from the syncer
	DefaultResultStream = "captioner:results:stream"

	streamMaxLen = 10000
	writeTimeout = 2 * time.Second
)

// runIDPattern keeps run ids safe to embed in key names.
var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Message is the payload published for progress and worker events.
type Message struct {
	Version   string              `json:"version"`
	Type      string              `json:"type"` // "progress", "worker" or "resources"
	Timestamp string              `json:"timestamp"`
	RunID     string              `json:"runId"`
	Progress  *collector.Snapshot `json:"progress,omitempty"`
	Worker    *WorkerMessage      `json:"worker,omitempty"`
	Resources *ResourceMessage    `json:"resources,omitempty"`
}

// ResourceMessage is one host resource sample.
type ResourceMessage struct {
	CPUPercent    float64        `json:"cpuPercent"`
	MemoryPercent float64        `json:"memoryPercent"`
	ProcessRSSMB  uint64         `json:"processRssMb"`
	PeakRSSMB     uint64         `json:"peakRssMb"`
	DiskPercent   float64        `json:"diskPercent"`
	Devices       []DeviceMemory `json:"devices,omitempty"`
}

// DeviceMemory is the memory reading of one GPU.
type DeviceMemory struct {
	Index       int    `json:"index"`
	UsedMB      uint64 `json:"usedMb"`
	TotalMB     uint64 `json:"totalMb"`
	Utilization int    `json:"utilization"`
}

// WorkerMessage describes a worker lifecycle event.
type WorkerMessage struct {
	WorkerID int                `json:"workerId"`
	Kind     worker.EventKind   `json:"kind"`
	BatchID  int                `json:"batchId,omitempty"`
	Error    string             `json:"error,omitempty"`
	Stats    worker.WorkerStats `json:"stats"`
}

// Config holds configuration for the Redis progress publisher.
type Config struct {
	// RedisURL is the Redis connection URL
	RedisURL string

	// RedisPassword is the Redis password (optional)
	RedisPassword string

	// RunID names the run; the pub/sub channel is "captioner:progress:{RunID}"
	RunID string

	// MinInterval is the minimum time between progress publishes (default: 1s).
	// The final snapshot is always published.
	MinInterval time.Duration

	// ChannelOverride overrides the default pub/sub channel name
	ChannelOverride string

	// EventStream and ResultStream override the default stream names
	EventStream  string
	ResultStream string

	Logger *slog.Logger
}

// Publisher sends progress snapshots and worker events to Redis. It
// implements collector.Observer.
type Publisher struct {
	client  *redis.Client
	runID   string
	limiter *rate.Limiter
	logger  *slog.Logger

	// Redis key names
	channel      string
	eventStream  string
	resultStream string

	now func() time.Time
}

var _ collector.Observer = (*Publisher)(nil)

// NewPublisher creates a publisher. It does not contact Redis; call Ping to
// verify connectivity.
func NewPublisher(cfg Config) (*Publisher, error) {
	if !runIDPattern.MatchString(cfg.RunID) {
		return nil, fmt.Errorf("invalid run ID %q: must be 1-64 alphanumeric characters, hyphens, underscores, or dots", cfg.RunID)
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = time.Second
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}

	channel := cfg.ChannelOverride
	if channel == "" {
		channel = fmt.Sprintf("captioner:progress:%s", cfg.RunID)
	}
	eventStream := cfg.EventStream
	if eventStream == "" {
		eventStream = DefaultEventStream
	}
	resultStream := cfg.ResultStream
	if resultStream == "" {
		resultStream = DefaultResultStream
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		client:       redis.NewClient(opts),
		runID:        cfg.RunID,
		limiter:      rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:       logger.With("component", "events"),
		channel:      channel,
		eventStream:  eventStream,
		resultStream: resultStream,
		now:          time.Now,
	}, nil
}

// Ping verifies the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// OnResult is a no-op; results reach Redis through PublishResults.
func (p *Publisher) OnResult(worker.Result) {}

// OnEvent appends worker lifecycle events to the event stream. Per-batch
// events are left to the progress snapshots.
func (p *Publisher) OnEvent(ev worker.Event) {
	if ev.Kind == worker.EventBatchDone {
		return
	}
	wm := &WorkerMessage{
		WorkerID: ev.WorkerID,
		Kind:     ev.Kind,
		BatchID:  ev.BatchID,
		Stats:    ev.Stats,
	}
	if ev.Err != nil {
		wm.Error = ev.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.publish(ctx, Message{Type: "worker", Worker: wm}, false); err != nil {
		p.logger.Warn("worker event publish failed", "worker_id", ev.WorkerID, "kind", ev.Kind, "error", err)
	}
}

// OnProgress publishes a snapshot, at most once per MinInterval. The final
// snapshot of a run (Received == Total) bypasses the throttle.
func (p *Publisher) OnProgress(ctx context.Context, s collector.Snapshot) {
	final := s.Total > 0 && s.Received >= s.Total
	if !final && !p.limiter.Allow() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := p.publish(ctx, Message{Type: "progress", Progress: &s}, true); err != nil {
		p.logger.Warn("progress publish failed", "error", err)
	}
}

// OnSample appends a host resource sample to the event stream. It is
// passed to the resource monitor as its sample callback.
func (p *Publisher) OnSample(s monitor.Sample) {
	rm := &ResourceMessage{
		CPUPercent:    s.CPUPercent,
		MemoryPercent: s.MemoryPercent,
		ProcessRSSMB:  s.ProcessRSS >> 20,
		PeakRSSMB:     s.PeakRSS >> 20,
		DiskPercent:   s.DiskPercent,
	}
	for _, g := range s.GPUs {
		rm.Devices = append(rm.Devices, DeviceMemory{
			Index:       g.Index,
			UsedMB:      g.MemoryUsedMB,
			TotalMB:     g.MemoryTotalMB,
			Utilization: g.Utilization,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.publish(ctx, Message{Type: "resources", Resources: rm}, false); err != nil {
		p.logger.Warn("resource sample publish failed", "error", err)
	}
}

// publish sends msg to the event stream and, for live updates, the pub/sub
// channel.
func (p *Publisher) publish(ctx context.Context, msg Message, live bool) error {
	msg.Version = MessageVersion
	msg.Timestamp = p.now().UTC().Format(time.RFC3339)
	msg.RunID = p.runID

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	p.logger.Debug("publishing", "type", msg.Type, "bytes", len(data))

	if live {
		if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish to Pub/Sub: %w", err)
		}
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.eventStream,
		Values: map[string]any{
			"runId":     p.runID,
			"type":      msg.Type,
			"timestamp": msg.Timestamp,
			"payload":   string(data),
		},
		MaxLen: streamMaxLen,
		Approx: true,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}
	return nil
}

// PublishResults appends ledger records to the result stream in one
// pipeline. It satisfies usage.ShipFunc.
func (p *Publisher) PublishResults(ctx context.Context, records []usage.ResultRecord) error {
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range records {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: p.resultStream,
				Values: map[string]any{
					"runId":       r.RunID,
					"imageId":     r.ImageID,
					"outcome":     r.Outcome,
					"reason":      r.Reason,
					"workerId":    r.WorkerID,
					"attempts":    r.Attempts,
					"durationMs":  r.DurationMs,
					"completedAt": r.CompletedAt.UTC().Format(time.RFC3339),
				},
				MaxLen: streamMaxLen,
				Approx: true,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add results to stream: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Channel returns the pub/sub channel name.
func (p *Publisher) Channel() string {
	return p.channel
}

// EventStream returns the event stream name.
func (p *Publisher) EventStream() string {
	return p.eventStream
}

// ResultStream returns the result stream name.
func (p *Publisher) ResultStream() string {
	return p.resultStream
}
