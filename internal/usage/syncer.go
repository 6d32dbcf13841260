package usage

import (
	"context"
	"fmt"
	"time"
)

// PublishFunc delivers one batch of attempt records to the usage queue.
// A nil error means the broker confirmed the batch.
type PublishFunc func(ctx context.Context, records []AttemptRecord) error

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	Store     *Store
	PublishFn PublishFunc

	// Interval between drains of the ledger (default: 60s)
	Interval time.Duration

	// BatchSize caps the records per published message (default: 50)
	BatchSize int

	// FinalFlush bounds the drain made after the context is cancelled
	// (default: 5s)
	FinalFlush time.Duration

	LogFn func(level, msg string)
}

// Syncer drains unsynced attempt records from the ledger into the usage
// queue, oldest first. A record is marked synced only after the batch that
// carries it was confirmed, so a failed publish ships it again next time.
type Syncer struct {
	store      *Store
	publishFn  PublishFunc
	interval   time.Duration
	batchSize  int
	finalFlush time.Duration
	logFn      func(level, msg string)
}

// NewSyncer creates a Syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	s := &Syncer{
		store:      cfg.Store,
		publishFn:  cfg.PublishFn,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		finalFlush: cfg.FinalFlush,
		logFn:      cfg.LogFn,
	}
	if s.interval <= 0 {
		s.interval = 60 * time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 50
	}
	if s.finalFlush <= 0 {
		s.finalFlush = 5 * time.Second
	}
	return s
}

// Start drains the ledger every interval. Once ctx is cancelled it makes one
// last bounded drain, so attempts recorded just before shutdown still ship,
// and returns. The store must stay open until Start has returned.
func (s *Syncer) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalFlush)
			defer cancel()
			if _, err := s.Flush(flushCtx); err != nil {
				return fmt.Errorf("final usage flush: %w", err)
			}
			return nil
		case <-ticker.C:
			// Errors are logged; the records stay unsynced for the next tick.
			_, _ = s.Flush(ctx)
		}
	}
}

// Flush ships batches until the ledger has no unsynced records left and
// returns how many records went out. It stops at the first failed batch;
// records shipped before it stay marked.
func (s *Syncer) Flush(ctx context.Context) (int, error) {
	total, batches := 0, 0
	for {
		n, err := s.shipBatch(ctx)
		total += n
		if err != nil {
			s.log("warning", fmt.Sprintf("Usage sync stopped after %d records: %v", total, err))
			return total, err
		}
		if n > 0 {
			batches++
		}
		if n < s.batchSize {
			break
		}
	}
	if total > 0 {
		s.log("info", fmt.Sprintf("Shipped %d attempt records in %d batches", total, batches))
	}
	return total, nil
}

func (s *Syncer) shipBatch(ctx context.Context) (int, error) {
	records, err := s.store.QueryUnsynced(s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := s.publishFn(ctx, records); err != nil {
		return 0, fmt.Errorf("publish attempts %d..%d: %w", records[0].ID, records[len(records)-1].ID, err)
	}

	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if err := s.store.MarkSynced(ids); err != nil {
		// Shipped but unmarked: the next drain sends these again.
		return 0, err
	}
	return len(records), nil
}

func (s *Syncer) log(level, msg string) {
	if s.logFn != nil {
		s.logFn(level, msg)
	}
}
