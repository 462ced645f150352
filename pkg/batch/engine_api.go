package batch

import (
	"context"
	"errors"
	"time"

	"github.com/pbinitiative/zenbatch/internal/log"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	otelPkg "github.com/pbinitiative/zenbatch/pkg/otel"
	"github.com/pbinitiative/zenbatch/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CreateBatchOperationCommand carries everything needed to submit a batch.
type CreateBatchOperationCommand struct {
	Type      runtime.BatchOperationType
	Filter    runtime.InstanceFilter
	Payload   runtime.OperationPayload
	ActorId   string
	ActorType runtime.ActorType
}

// CreateBatchOperation resolves the target instances, persists the batch
// record together with one ACTIVE item per target and hands the items to the
// dispatch workers. The returned record reflects the state directly after
// submission, execution continues asynchronously.
//
// Might return ValidationError when the command is malformed.
func (engine *Engine) CreateBatchOperation(ctx context.Context, cmd CreateBatchOperationCommand) (runtime.BatchOperation, error) {
	ctx, span := engine.tracer.Start(ctx, "create-batch-operation", trace.WithAttributes(
		attribute.String(otelPkg.AttributeBatchOperationType, string(cmd.Type)),
	))
	defer span.End()

	var operation runtime.BatchOperation
	if err := validateCommand(cmd); err != nil {
		return operation, err
	}

	itemKeys, err := engine.resolver.resolve(ctx, cmd.Filter)
	if err != nil {
		return operation, err
	}

	now := time.Now()
	actorType := cmd.ActorType
	if actorType == "" {
		actorType = runtime.ActorTypeApplication
	}
	operation = runtime.BatchOperation{
		Key:                  engine.generateKey(),
		Type:                 cmd.Type,
		State:                runtime.BatchOperationStateActive,
		Filter:               cmd.Filter,
		Payload:              cmd.Payload,
		OperationsTotalCount: int64(len(itemKeys)),
		StartDate:            now,
		ActorId:              cmd.ActorId,
		ActorType:            actorType,
	}
	if len(itemKeys) == 0 {
		// nothing matched, the batch completes on the spot
		operation.State = runtime.BatchOperationStateCompleted
		operation.EndDate = &now
	}
	span.SetAttributes(attribute.Int64(otelPkg.AttributeBatchOperationKey, operation.Key))

	b := engine.persistence.NewBatch()
	if err := b.SaveBatchOperation(ctx, operation); err != nil {
		return operation, errors.Join(newEngineErrorf("failed to save batch operation %d", operation.Key), err)
	}
	for _, itemKey := range itemKeys {
		item := runtime.BatchOperationItem{
			BatchOperationKey: operation.Key,
			ItemKey:           itemKey,
			Type:              operation.Type,
			State:             runtime.BatchOperationItemStateActive,
		}
		if err := b.SaveBatchOperationItem(ctx, item); err != nil {
			return operation, errors.Join(newEngineErrorf("failed to save item %d of batch operation %d", itemKey, operation.Key), err)
		}
	}
	if err := b.Flush(ctx); err != nil {
		return operation, errors.Join(newEngineErrorf("failed to persist batch operation %d", operation.Key), err)
	}

	engine.metrics.BatchesStarted.Add(ctx, 1)
	log.Infof(ctx, "Created batch operation %d type %s with %d items", operation.Key, operation.Type, operation.OperationsTotalCount)
	if operation.State == runtime.BatchOperationStateCompleted {
		engine.metrics.BatchesCompleted.Add(ctx, 1)
		engine.opCache.Add(operation.Key, operation)
		return operation, nil
	}

	engine.metrics.BatchesRunning.Add(ctx, 1)
	engine.wg.Add(1)
	go func() {
		defer engine.wg.Done()
		for _, itemKey := range itemKeys {
			engine.enqueue(workItem{batchOperationKey: operation.Key, itemKey: itemKey})
		}
	}()
	return operation, nil
}

func validateCommand(cmd CreateBatchOperationCommand) error {
	switch cmd.Type {
	case runtime.BatchOperationTypeCancelProcessInstance:
		switch cmd.Payload.(type) {
		case nil, runtime.CancelPayload:
		default:
			return newValidationErrorf("cancellation takes no payload")
		}
	case runtime.BatchOperationTypeMigrateProcessInstance:
		plan, ok := cmd.Payload.(runtime.MigrationPlan)
		if !ok {
			return newValidationErrorf("migration requires a migration plan payload")
		}
		if plan.TargetProcessDefinitionKey == 0 {
			return newValidationErrorf("migration plan requires a target process definition key")
		}
		if len(plan.Instructions) == 0 {
			return newValidationErrorf("migration plan requires at least one instruction")
		}
	case runtime.BatchOperationTypeModifyProcessInstance:
		plan, ok := cmd.Payload.(runtime.ModificationPlan)
		if !ok {
			return newValidationErrorf("modification requires a modification plan payload")
		}
		if len(plan.Instructions) == 0 {
			return newValidationErrorf("modification plan requires at least one instruction")
		}
	default:
		return newValidationErrorf("unknown batch operation type %s", cmd.Type)
	}
	return nil
}

// GetBatchOperation returns the batch operation with the given key. Reads
// are strongly consistent, completed operations are immutable and served
// from a small cache.
func (engine *Engine) GetBatchOperation(ctx context.Context, key int64) (runtime.BatchOperation, error) {
	if operation, ok := engine.opCache.Get(key); ok {
		return operation, nil
	}
	operation, err := engine.persistence.FindBatchOperationByKey(ctx, key)
	if err != nil {
		return operation, err
	}
	if operation.State == runtime.BatchOperationStateCompleted {
		engine.opCache.Add(key, operation)
	}
	return operation, nil
}

// GetBatchOperationItems returns all items of a batch ordered by item key.
// Returns storage.ErrNotFound when the batch itself does not exist, an
// existing batch with zero items yields an empty slice.
func (engine *Engine) GetBatchOperationItems(ctx context.Context, batchOperationKey int64) ([]runtime.BatchOperationItem, error) {
	if _, err := engine.GetBatchOperation(ctx, batchOperationKey); err != nil {
		return nil, err
	}
	return engine.persistence.FindBatchOperationItems(ctx, batchOperationKey)
}

func (engine *Engine) SearchBatchOperations(ctx context.Context, query storage.SearchQuery[storage.BatchOperationFilter]) (storage.SearchResult[runtime.BatchOperation], error) {
	return engine.persistence.SearchBatchOperations(ctx, query)
}

func (engine *Engine) SearchBatchOperationItems(ctx context.Context, query storage.SearchQuery[storage.BatchOperationItemFilter]) (storage.SearchResult[runtime.BatchOperationItem], error) {
	return engine.persistence.SearchBatchOperationItems(ctx, query)
}

func (engine *Engine) SearchProcessInstances(ctx context.Context, query storage.SearchQuery[storage.ProcessInstanceFilter]) (storage.SearchResult[runtime.ProcessInstance], error) {
	return engine.persistence.SearchProcessInstances(ctx, query)
}
