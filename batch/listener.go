package batch

import (
	"time"

	"github.com/google/uuid"
)

// Stats summarizes one processed batch.
type Stats struct {
	BatchID    uuid.UUID
	Size       int
	Successful int
	Failed     int
	Duration   time.Duration
	Timestamp  time.Time
}

// Listener observes pipeline events. Implementations must return quickly; the
// collector invokes them inline on its scheduling goroutine.
type Listener interface {
	ItemQueued(id uuid.UUID)
	BatchProcessed(stats Stats)
	BatchFailed(batchID uuid.UUID, err error)
}
