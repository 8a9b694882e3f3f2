package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aceteam-ai/captioner/internal/collector"
	"github.com/aceteam-ai/captioner/internal/monitor"
	"github.com/aceteam-ai/captioner/internal/platform"
	"github.com/aceteam-ai/captioner/internal/usage"
	"github.com/aceteam-ai/captioner/internal/worker"
)

// setupMiniredis starts a miniredis instance and returns a publisher bound to
// it plus a raw client for assertions.
func setupMiniredis(t *testing.T, cfg Config) (*miniredis.Miniredis, *Publisher, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	cfg.RedisURL = "redis://" + mr.Addr()
	if cfg.RunID == "" {
		cfg.RunID = "run-test"
	}
	pub, err := NewPublisher(cfg)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	if err := pub.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	return mr, pub, raw
}

func TestNewPublisher(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		wantErr     bool
		wantChannel string
	}{
		{
			name:        "valid config",
			config:      Config{RedisURL: "redis://localhost:6379", RunID: "run-123"},
			wantChannel: "captioner:progress:run-123",
		},
		{
			name:        "channel override",
			config:      Config{RedisURL: "redis://localhost:6379", RunID: "r1", ChannelOverride: "debug"},
			wantChannel: "debug",
		},
		{
			name:    "invalid redis URL",
			config:  Config{RedisURL: "not-a-valid-url", RunID: "r1"},
			wantErr: true,
		},
		{
			name:    "run id with key separator",
			config:  Config{RedisURL: "redis://localhost:6379", RunID: "a:b"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := NewPublisher(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Error("NewPublisher() should return error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPublisher() error = %v, want nil", err)
			}
			defer pub.Close()

			if pub.Channel() != tt.wantChannel {
				t.Errorf("Channel() = %v, want %v", pub.Channel(), tt.wantChannel)
			}
			if pub.EventStream() != DefaultEventStream {
				t.Errorf("EventStream() = %v, want %v", pub.EventStream(), DefaultEventStream)
			}
		})
	}
}

func TestOnProgressPublishesAndStreams(t *testing.T) {
	_, pub, raw := setupMiniredis(t, Config{RunID: "run-42"})
	ctx := context.Background()

	// Subscribe BEFORE publishing (Pub/Sub has no replay)
	sub := raw.Subscribe(ctx, pub.Channel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	pub.OnProgress(ctx, collector.Snapshot{
		Total:     10,
		Received:  4,
		Processed: 3,
		Failed:    1,
		Workers:   map[int]collector.WorkerTally{0: {Succeeded: 3, Failed: 1}},
	})

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("failed to receive message: %v", err)
	}

	var got Message
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if got.Type != "progress" || got.RunID != "run-42" || got.Version != MessageVersion {
		t.Errorf("unexpected envelope: %+v", got)
	}
	if got.Progress == nil || got.Progress.Processed != 3 || got.Progress.Workers[0].Failed != 1 {
		t.Errorf("unexpected progress payload: %+v", got.Progress)
	}

	entries, err := raw.XRange(ctx, pub.EventStream(), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(entries))
	}
	if entries[0].Values["type"] != "progress" || entries[0].Values["runId"] != "run-42" {
		t.Errorf("unexpected stream fields: %v", entries[0].Values)
	}
}

func TestOnProgressThrottlesButAlwaysSendsFinal(t *testing.T) {
	_, pub, raw := setupMiniredis(t, Config{MinInterval: time.Hour})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		pub.OnProgress(ctx, collector.Snapshot{Total: 5, Received: i - 1})
	}
	pub.OnProgress(ctx, collector.Snapshot{Total: 5, Received: 5})

	n, err := raw.XLen(ctx, pub.EventStream()).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	// the first snapshot consumes the burst, the final one bypasses the limiter
	if n != 2 {
		t.Errorf("expected 2 published snapshots, got %d", n)
	}
}

func TestOnEventSkipsBatchDone(t *testing.T) {
	_, pub, raw := setupMiniredis(t, Config{})
	ctx := context.Background()

	pub.OnEvent(worker.Event{Kind: worker.EventBatchDone, WorkerID: 0, BatchID: 3})
	pub.OnEvent(worker.Event{
		Kind:     worker.EventTerminated,
		WorkerID: 1,
		Err:      &worker.LifecycleError{WorkerID: 1, Phase: worker.PhaseRestart, Err: errors.New("load failed")},
		Stats:    worker.WorkerStats{WorkerID: 1, Restarts: 2},
	})

	entries, err := raw.XRange(ctx, pub.EventStream(), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the lifecycle event, got %d entries", len(entries))
	}

	var got Message
	payload, _ := entries[0].Values["payload"].(string)
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if got.Worker == nil || got.Worker.Kind != worker.EventTerminated || got.Worker.Stats.Restarts != 2 {
		t.Errorf("unexpected worker payload: %+v", got.Worker)
	}
	if got.Worker.Error == "" {
		t.Error("expected the lifecycle error to be carried")
	}
}

func TestOnSampleStreamsResources(t *testing.T) {
	_, pub, raw := setupMiniredis(t, Config{})
	ctx := context.Background()

	pub.OnSample(monitor.Sample{
		CPUPercent:    42.5,
		MemoryPercent: 61,
		ProcessRSS:    512 << 20,
		PeakRSS:       768 << 20,
		GPUs:          []platform.GPUInfo{{Index: 1, MemoryUsedMB: 9000, MemoryTotalMB: 24000, Utilization: 87}},
	})

	entries, err := raw.XRange(ctx, pub.EventStream(), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["type"] != "resources" {
		t.Fatalf("expected one resources entry, got %+v", entries)
	}

	var got Message
	payload, _ := entries[0].Values["payload"].(string)
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	r := got.Resources
	if r == nil || r.CPUPercent != 42.5 || r.ProcessRSSMB != 512 || r.PeakRSSMB != 768 {
		t.Fatalf("unexpected resources payload: %+v", r)
	}
	if len(r.Devices) != 1 || r.Devices[0].Index != 1 || r.Devices[0].UsedMB != 9000 {
		t.Errorf("unexpected device readings: %+v", r.Devices)
	}
}

func TestPublishResults(t *testing.T) {
	_, pub, raw := setupMiniredis(t, Config{})
	ctx := context.Background()

	records := []usage.ResultRecord{
		{RunID: "run-test", ImageID: "a.jpg", Outcome: "success", DurationMs: 120},
		{RunID: "run-test", ImageID: "b.jpg", Outcome: "failure", Reason: "timeout"},
	}
	if err := pub.PublishResults(ctx, records); err != nil {
		t.Fatalf("PublishResults: %v", err)
	}

	entries, err := raw.XRange(ctx, pub.ResultStream(), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Values["imageId"] != "b.jpg" || entries[1].Values["reason"] != "timeout" {
		t.Errorf("unexpected second entry: %v", entries[1].Values)
	}
}

func TestPublishFailureIsLoggedNotFatal(t *testing.T) {
	mr, pub, _ := setupMiniredis(t, Config{})
	mr.Close()

	// must return without panicking
	pub.OnProgress(context.Background(), collector.Snapshot{Total: 1, Received: 1})
	pub.OnEvent(worker.Event{Kind: worker.EventReady})

	if err := pub.PublishResults(context.Background(), []usage.ResultRecord{{ImageID: "x"}}); err == nil {
		t.Error("expected PublishResults to fail against a closed server")
	}
}
