package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/storage"
)

// progressTracker is the only writer of batch counters and batch state.
// All mutations run under the per-batch lock, item completions arriving
// concurrently therefore never lose updates, and the terminal transition
// fires exactly once.
type progressTracker struct {
	persistence storage.Storage
	locks       *batchLocks
}

// applyItemOutcome records the terminal state of one item and rolls it up
// into the batch counters. Re-delivering an outcome for an already
// terminal item is a no-op.
func (t *progressTracker) applyItemOutcome(ctx context.Context, batchOperationKey int64, itemKey int64, state runtime.BatchOperationItemState, errorMessage string) (runtime.BatchOperation, bool, error) {
	t.locks.lock(batchOperationKey)
	defer t.locks.unlock(batchOperationKey)

	operation, err := t.persistence.FindBatchOperationByKey(ctx, batchOperationKey)
	if err != nil {
		return operation, false, fmt.Errorf("failed to find batch operation %d: %w", batchOperationKey, err)
	}
	item, err := t.persistence.FindBatchOperationItem(ctx, batchOperationKey, itemKey)
	if err != nil {
		return operation, false, fmt.Errorf("failed to find item %d of batch operation %d: %w", itemKey, batchOperationKey, err)
	}
	if item.State.IsTerminal() {
		// duplicate completion signal
		return operation, false, nil
	}
	if !state.IsTerminal() {
		return operation, false, newEngineErrorf("item outcome must be a terminal state, got %s", state)
	}

	now := time.Now()
	item.State = state
	item.ProcessedDate = &now
	item.ErrorMessage = errorMessage

	switch state {
	case runtime.BatchOperationItemStateFailed:
		operation.OperationsFailedCount++
	default:
		// skipped items count as trivially completed so that
		// completed+failed always reaches the total
		operation.OperationsCompletedCount++
	}
	terminal := operation.OperationsCompletedCount+operation.OperationsFailedCount == operation.OperationsTotalCount
	if terminal {
		operation.State = runtime.BatchOperationStateCompleted
		operation.EndDate = &now
	}

	b := t.persistence.NewBatch()
	if err := b.SaveBatchOperationItem(ctx, item); err != nil {
		return operation, false, fmt.Errorf("failed to save item %d of batch operation %d: %w", itemKey, batchOperationKey, err)
	}
	if err := b.SaveBatchOperation(ctx, operation); err != nil {
		return operation, false, fmt.Errorf("failed to save batch operation %d: %w", batchOperationKey, err)
	}
	if err := b.Flush(ctx); err != nil {
		return operation, false, fmt.Errorf("failed to apply outcome of item %d in batch operation %d: %w", itemKey, batchOperationKey, err)
	}
	return operation, true, nil
}
