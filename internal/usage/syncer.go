package usage

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultSyncInterval  = time.Minute
	DefaultSyncBatchSize = 50
	maxSyncBackoff       = 10 * time.Minute
)

// ShipFunc delivers ledger records downstream. Records count as synced only
// when it returns nil.
type ShipFunc func(ctx context.Context, records []ResultRecord) error

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	// Interval between sync rounds
	Interval time.Duration

	// BatchSize caps the records handed to ShipFunc in one call
	BatchSize int

	Logger *slog.Logger
}

func (o *SyncerOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultSyncInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultSyncBatchSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Syncer moves unsynced ledger rows downstream in the background. A round
// ships batches until the backlog is empty; a failed round doubles the wait
// before the next one, up to ten minutes.
type Syncer struct {
	store  *Store
	ship   ShipFunc
	opts   SyncerOptions
	logger *slog.Logger
}

// NewSyncer creates a syncer reading from store.
func NewSyncer(store *Store, ship ShipFunc, opts SyncerOptions) *Syncer {
	opts.defaults()
	return &Syncer{
		store:  store,
		ship:   ship,
		opts:   opts,
		logger: opts.Logger.With("component", "ledger-sync"),
	}
}

// Start runs sync rounds until ctx is cancelled and returns ctx's error.
func (s *Syncer) Start(ctx context.Context) error {
	wait := s.opts.Interval
	t := time.NewTimer(wait)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		if _, err := s.drain(ctx); err != nil {
			wait = min(wait*2, maxSyncBackoff)
			s.logger.Warn("sync round failed, backing off", "retry_in", wait, "error", err)
		} else {
			wait = s.opts.Interval
		}
		t.Reset(wait)
	}
}

// Flush ships the whole backlog and returns how many records went out. It
// stops at the first failing batch.
func (s *Syncer) Flush(ctx context.Context) int {
	n, err := s.drain(ctx)
	if err != nil {
		s.logger.Warn("final sync incomplete", "shipped", n, "error", err)
	}
	return n
}

// SyncOnce ships at most one batch and returns its size, or 0 on failure.
func (s *Syncer) SyncOnce(ctx context.Context) int {
	n, err := s.shipBatch(ctx)
	if err != nil {
		s.logger.Warn("sync failed", "error", err)
		return 0
	}
	return n
}

func (s *Syncer) drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.shipBatch(ctx)
		total += n
		if err != nil || n < s.opts.BatchSize {
			return total, err
		}
	}
}

func (s *Syncer) shipBatch(ctx context.Context) (int, error) {
	records, err := s.store.QueryUnsynced(s.opts.BatchSize)
	if err != nil || len(records) == 0 {
		return 0, err
	}
	if err := s.ship(ctx, records); err != nil {
		return 0, err
	}

	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	if err := s.store.MarkSynced(ids); err != nil {
		return 0, err
	}
	s.logger.Debug("shipped ledger records", "records", len(records))
	return len(records), nil
}
