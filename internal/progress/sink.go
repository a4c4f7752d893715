package progress

import (
	"context"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Publisher accepts job snapshots; Hub satisfies it so the orchestrator stays
// agnostic about who is listening.
type Publisher interface {
	Publish(job archive.Job)
}
