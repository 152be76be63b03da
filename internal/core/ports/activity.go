package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

// ActivitySink records lifecycle activity. Callers ignore its errors.
type ActivitySink interface {
	Record(ctx context.Context, event domain.ActivityEvent) error
}

type ActivityOutbox interface {
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxActivity, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, errMsg string) error
	MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error
}

// ActivityPublisher delivers activity to the external log sink.
type ActivityPublisher interface {
	Publish(ctx context.Context, event domain.ActivityEvent) error
}
