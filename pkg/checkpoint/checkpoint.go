// Package checkpoint keeps the durable record of completed work units so an
// interrupted collection run can resume without refetching. Two backends
// implement the same Store contract: a JSON state file rewritten atomically
// via temp-file-and-rename, and a Redis hash for deployments that already run
// one. A unit only becomes DONE after its payload has been durably persisted;
// a crash between the two writes leaves it PENDING, and the unit is simply
// processed again on the next run.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoRecord indicates the unit has no checkpoint record yet.
	ErrNoRecord = errors.New("no checkpoint record")

	// ErrCorrupt indicates the stored checkpoint state could not be decoded.
	ErrCorrupt = errors.New("corrupt checkpoint state")
)

// Status is the recorded completion state of a work unit.
type Status string

const (
	// StatusPending means the unit has not been fully processed. Units
	// without any record are also pending.
	StatusPending Status = "pending"

	// StatusDone means the unit's payload was persisted and the unit will be
	// skipped on resume.
	StatusDone Status = "done"
)

// Record is the checkpoint entry for one work unit.
type Record struct {
	Status     Status    `json:"status"`
	PayloadRef string    `json:"payload_ref,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the durable checkpoint backend. MarkDone must be atomic with
// respect to process crash: an interrupted mark leaves the unit pending,
// never falsely done. ListPending is the sole resume entry point and returns
// pending unit indices in ascending order.
type Store interface {
	IsDone(ctx context.Context, unit int) (bool, error)
	MarkDone(ctx context.Context, unit int, payloadRef string) error
	Get(ctx context.Context, unit int) (Record, error)
	ListPending(ctx context.Context, totalUnits int) ([]int, error)
	Reset(ctx context.Context) error
}
