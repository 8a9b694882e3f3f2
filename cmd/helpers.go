// cmd/helpers.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/captioner/internal/checkpoint"
	"github.com/aceteam-ai/captioner/internal/config"
	"github.com/aceteam-ai/captioner/internal/dispatch"
	"github.com/aceteam-ai/captioner/internal/events"
	"github.com/aceteam-ai/captioner/internal/ui"
	"github.com/aceteam-ai/captioner/internal/usage"
	"github.com/aceteam-ai/captioner/internal/worker"
)

// loadConfig layers the config file, environment and explicit flags, then
// rebuilds the logger from the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// openLedger opens the result ledger, or returns nil when it is disabled.
func openLedger(cfg *config.Config) (*usage.Store, error) {
	if cfg.Ledger == "" {
		return nil, nil
	}
	return usage.OpenStore(cfg.Ledger)
}

// openPublisher connects to Redis, or returns nil when publishing is
// disabled. An unreachable server is reported and the run continues without.
func openPublisher(ctx context.Context, cfg *config.Config, runID string) *events.Publisher {
	if cfg.Redis.URL == "" {
		return nil
	}
	pub, err := events.NewPublisher(events.Config{
		RedisURL:        cfg.Redis.URL,
		RedisPassword:   cfg.Redis.Password,
		RunID:           runID,
		MinInterval:     cfg.Redis.ProgressInterval,
		ChannelOverride: cfg.Redis.Channel,
		Logger:          logger,
	})
	if err != nil {
		logger.Warn("progress publishing disabled", "error", err)
		return nil
	}
	if err := pub.Ping(ctx); err != nil {
		logger.Warn("progress publishing disabled, redis unreachable", "url", cfg.Redis.URL, "error", err)
		pub.Close()
		return nil
	}
	return pub
}

func newCheckpointStore(cfg *config.Config) *checkpoint.Store {
	return checkpoint.NewStore(cfg.Checkpoint, checkpoint.Options{Logger: logger})
}

// workerStatus describes how each worker exited for the summary table.
func workerStatus(out *dispatch.Outcome) map[int]string {
	status := make(map[int]string)
	if out == nil {
		return status
	}
	for _, w := range out.Workers {
		var lerr *worker.LifecycleError
		switch {
		case errors.Is(w.Err, dispatch.ErrAbandoned):
			status[w.ID] = "abandoned"
		case w.Forced:
			status[w.ID] = "force-stopped"
		case errors.As(w.Err, &lerr):
			status[w.ID] = string(lerr.Phase) + " failed"
		case w.Err != nil:
			status[w.ID] = "error"
		case !w.Ready:
			status[w.ID] = "never ready"
		default:
			status[w.ID] = "ok"
		}
	}
	return status
}

// animated reports whether spinners and bars may draw on stderr.
func animated(cfg *config.Config) bool {
	disabled := debugMode || (cfg != nil && cfg.NoProgress)
	return ui.ShouldShowProgress(disabled, os.Stderr)
}
