package syncer

import (
	"context"
	"log/slog"

	"github.com/dutterbutter/zksync-era/internal/gchan"
)

// ActionQueue is the ordered, at-least-once channel of block-construction
// instructions feeding the execution pipeline.
// The pipeline owns the receiving side; the bridge only pushes.
type ActionQueue struct {
	ch chan SyncAction
}

// NewActionQueue returns a queue buffering up to size actions,
// and the sender handle the bridge pushes through.
func NewActionQueue(log *slog.Logger, size int) (*ActionQueue, *ActionQueueSender) {
	ch := make(chan SyncAction, size)
	return &ActionQueue{ch: ch}, &ActionQueueSender{log: log, ch: ch}
}

// Pop blocks until the next action is available.
// It reports ok=false if ctx is canceled first.
func (q *ActionQueue) Pop(ctx context.Context, log *slog.Logger) (action SyncAction, ok bool) {
	return gchan.RecvC(ctx, log, q.ch, "popping sync action")
}

// ActionQueueSender pushes construction actions toward the execution pipeline.
type ActionQueueSender struct {
	log *slog.Logger
	ch  chan<- SyncAction
}

// Push enqueues actions in order.
// If ctx is canceled mid-push, already enqueued actions stay enqueued
// (delivery is at-least-once, deduplicated by the cursor on replay)
// and Push returns ctx's cause.
func (s *ActionQueueSender) Push(ctx context.Context, actions []SyncAction) error {
	for _, a := range actions {
		if !gchan.SendC(ctx, s.log, s.ch, a, "pushing sync action") {
			return context.Cause(ctx)
		}
	}
	return nil
}
