package batch

import (
	"context"
	"errors"
	"time"

	"github.com/pbinitiative/zenbatch/internal/log"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	otelPkg "github.com/pbinitiative/zenbatch/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// workItem is the unit handed to the dispatch workers. Only keys travel
// over the channel, workers re-read the records so that re-enqueued items
// observe the current state.
type workItem struct {
	batchOperationKey int64
	itemKey           int64
}

func (engine *Engine) worker() {
	defer engine.wg.Done()
	for {
		select {
		case <-engine.ctx.Done():
			return
		case wi, ok := <-engine.items:
			if !ok {
				return
			}
			engine.processItem(engine.ctx, wi)
		}
	}
}

// processItem executes one item against the process engine and records the
// outcome. A failing item never affects its siblings, every error path ends
// in a terminal item state instead of an aborted batch.
func (engine *Engine) processItem(ctx context.Context, wi workItem) {
	ctx, span := engine.tracer.Start(ctx, "process-batch-item", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeBatchOperationKey, wi.batchOperationKey),
		attribute.Int64(otelPkg.AttributeItemKey, wi.itemKey),
	))
	defer span.End()

	item, err := engine.persistence.FindBatchOperationItem(ctx, wi.batchOperationKey, wi.itemKey)
	if err != nil {
		log.Errorf(ctx, "Failed to load item %d of batch operation %d: %s", wi.itemKey, wi.batchOperationKey, err)
		return
	}
	if item.State.IsTerminal() {
		// re-delivered after a restart, outcome is already recorded
		return
	}
	operation, err := engine.persistence.FindBatchOperationByKey(ctx, wi.batchOperationKey)
	if err != nil {
		log.Errorf(ctx, "Failed to load batch operation %d: %s", wi.batchOperationKey, err)
		return
	}

	state := runtime.BatchOperationItemStateCompleted
	errorMessage := ""
	execErr := engine.executeItem(ctx, operation, wi.itemKey)
	switch {
	case execErr == nil:
	case errors.Is(execErr, ErrInstanceNotActive):
		state = runtime.BatchOperationItemStateSkipped
		errorMessage = execErr.Error()
	default:
		state = runtime.BatchOperationItemStateFailed
		errorMessage = execErr.Error()
	}
	span.SetAttributes(attribute.String(otelPkg.AttributeItemState, string(state)))
	engine.projectOutcome(ctx, operation, wi.itemKey, state)

	operation, applied, err := engine.tracker.applyItemOutcome(ctx, wi.batchOperationKey, wi.itemKey, state, errorMessage)
	if err != nil {
		log.Errorf(ctx, "Failed to record outcome of item %d in batch operation %d: %s", wi.itemKey, wi.batchOperationKey, err)
		return
	}
	if !applied {
		return
	}
	switch state {
	case runtime.BatchOperationItemStateCompleted:
		engine.metrics.ItemsCompleted.Add(ctx, 1)
	case runtime.BatchOperationItemStateFailed:
		engine.metrics.ItemsFailed.Add(ctx, 1)
	case runtime.BatchOperationItemStateSkipped:
		engine.metrics.ItemsSkipped.Add(ctx, 1)
	}
	if operation.State == runtime.BatchOperationStateCompleted {
		engine.metrics.BatchesCompleted.Add(ctx, 1)
		engine.metrics.BatchesRunning.Add(ctx, -1)
		log.Infof(ctx, "Batch operation %d completed: %d/%d items ok, %d failed",
			operation.Key, operation.OperationsCompletedCount, operation.OperationsTotalCount, operation.OperationsFailedCount)
	}
}

func (engine *Engine) executeItem(ctx context.Context, operation runtime.BatchOperation, processInstanceKey int64) error {
	switch operation.Type {
	case runtime.BatchOperationTypeCancelProcessInstance:
		return engine.executor.CancelProcessInstance(ctx, processInstanceKey)
	case runtime.BatchOperationTypeMigrateProcessInstance:
		plan, ok := operation.Payload.(runtime.MigrationPlan)
		if !ok {
			return newEngineErrorf("batch operation %d has no migration plan", operation.Key)
		}
		return engine.executor.MigrateProcessInstance(ctx, processInstanceKey, plan)
	case runtime.BatchOperationTypeModifyProcessInstance:
		plan, ok := operation.Payload.(runtime.ModificationPlan)
		if !ok {
			return newEngineErrorf("batch operation %d has no modification plan", operation.Key)
		}
		return engine.executor.ModifyProcessInstance(ctx, processInstanceKey, plan)
	}
	return newEngineErrorf("unknown batch operation type %s", operation.Type)
}

// projectOutcome reflects the item outcome in the process-instance read
// model: the instance gets tagged with the batch that touched it and, on a
// successful operation, its projected state is updated. The projection is
// best effort, the process engine remains the source of truth and a failed
// save only delays search visibility.
func (engine *Engine) projectOutcome(ctx context.Context, operation runtime.BatchOperation, processInstanceKey int64, state runtime.BatchOperationItemState) {
	pi, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		log.Warnf(ctx, "Failed to load process instance %d for projection update: %s", processInstanceKey, err)
		return
	}
	if !pi.HasBatchOperationKey(operation.Key) {
		pi.BatchOperationKeys = append(pi.BatchOperationKeys, operation.Key)
	}
	if state == runtime.BatchOperationItemStateCompleted {
		switch operation.Type {
		case runtime.BatchOperationTypeCancelProcessInstance:
			now := time.Now()
			pi.State = runtime.ProcessInstanceStateTerminated
			pi.EndDate = &now
		case runtime.BatchOperationTypeMigrateProcessInstance:
			plan := operation.Payload.(runtime.MigrationPlan)
			pi.ProcessDefinitionKey = plan.TargetProcessDefinitionKey
		}
	}
	if err := engine.persistence.SaveProcessInstance(ctx, pi); err != nil {
		log.Warnf(ctx, "Failed to save projection of process instance %d: %s", processInstanceKey, err)
	}
}
