package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
	"github.com/atvirokodosprendimai/keyring/internal/core/ports"
)

// ActivityDispatcher drains the activity outbox into the external log sink.
type ActivityDispatcher struct {
	outbox    ports.ActivityOutbox
	publisher ports.ActivityPublisher
	log       zerolog.Logger
	interval  time.Duration
	batchSize int
	maxRetry  int
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatchedTotal atomic.Int64
	failedTotal     atomic.Int64
	deadTotal       atomic.Int64
}

type ActivityDispatcherStats struct {
	Dispatched int64
	Failed     int64
	Dead       int64
}

func NewActivityDispatcher(outbox ports.ActivityOutbox, publisher ports.ActivityPublisher, logger zerolog.Logger, interval time.Duration, batchSize int) *ActivityDispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &ActivityDispatcher{
		outbox:    outbox,
		publisher: publisher,
		log:       logger.With().Str("component", "activity_dispatcher").Logger(),
		interval:  interval,
		batchSize: batchSize,
		maxRetry:  5,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *ActivityDispatcher) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *ActivityDispatcher) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *ActivityDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.DispatchBatch(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("activity dispatch batch")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchBatch publishes one batch of due activity events.
func (d *ActivityDispatcher) DispatchBatch(ctx context.Context) error {
	pending, err := d.outbox.FetchPending(ctx, d.batchSize)
	if err != nil {
		return err
	}

	for _, item := range pending {
		if err := d.publisher.Publish(ctx, item.Event); err != nil {
			if markErr := d.markFailure(ctx, item, err.Error()); markErr != nil {
				return markErr
			}
			d.failedTotal.Add(1)
			continue
		}
		if err := d.outbox.MarkDispatched(ctx, item.ID); err != nil {
			return err
		}
		d.dispatchedTotal.Add(1)
	}
	return nil
}

func (d *ActivityDispatcher) markFailure(ctx context.Context, item domain.OutboxActivity, errMsg string) error {
	attempts := item.Attempts + 1
	if attempts >= d.maxRetry {
		if err := d.outbox.MarkDead(ctx, item.ID, attempts, errMsg); err != nil {
			return err
		}
		d.deadTotal.Add(1)
		d.log.Warn().Int64("outbox_id", item.ID).Str("event_id", item.Event.EventID).Str("error", errMsg).Msg("activity event dead-lettered")
		return nil
	}
	return d.outbox.MarkFailed(ctx, item.ID, attempts, d.now().Add(backoffDuration(attempts)), errMsg)
}

func (d *ActivityDispatcher) Stats() ActivityDispatcherStats {
	return ActivityDispatcherStats{
		Dispatched: d.dispatchedTotal.Load(),
		Failed:     d.failedTotal.Load(),
		Dead:       d.deadTotal.Load(),
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
