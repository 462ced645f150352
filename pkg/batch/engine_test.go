package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/ptr"
	"github.com/pbinitiative/zenbatch/pkg/script/js"
	"github.com/pbinitiative/zenbatch/pkg/storage"
	"github.com/pbinitiative/zenbatch/pkg/storage/inmemory"
)

// fakeExecutor records the calls it receives and fails the instance keys it
// was told to fail.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    map[int64]int
	failWith map[int64]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		calls:    map[int64]int{},
		failWith: map[int64]error{},
	}
}

func (f *fakeExecutor) exec(processInstanceKey int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[processInstanceKey]++
	return f.failWith[processInstanceKey]
}

func (f *fakeExecutor) callCount(processInstanceKey int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[processInstanceKey]
}

func (f *fakeExecutor) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return f.exec(processInstanceKey)
}

func (f *fakeExecutor) MigrateProcessInstance(ctx context.Context, processInstanceKey int64, plan runtime.MigrationPlan) error {
	return f.exec(processInstanceKey)
}

func (f *fakeExecutor) ModifyProcessInstance(ctx context.Context, processInstanceKey int64, plan runtime.ModificationPlan) error {
	return f.exec(processInstanceKey)
}

var _ ItemExecutor = &fakeExecutor{}

func newTestEngine(t *testing.T, store storage.Storage, executor ItemExecutor, options ...EngineOption) *Engine {
	t.Helper()
	options = append([]EngineOption{
		EngineWithStorage(store),
		EngineWithExecutor(executor),
		EngineWithScriptRuntime(js.NewJsRuntime(t.Context(), 2, 1)),
	}, options...)
	engine := NewEngine(options...)
	err := engine.Start(t.Context())
	require.NoError(t, err)
	t.Cleanup(engine.Stop)
	return &engine
}

func seedInstances(t *testing.T, store storage.Storage, definitionId string, count int) []int64 {
	t.Helper()
	keys := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		key := int64(1000 + i)
		err := store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{
			Key:                  key,
			ProcessDefinitionId:  definitionId,
			ProcessDefinitionKey: 1,
			State:                runtime.ProcessInstanceStateActive,
			Variables:            map[string]any{"amount": float64(i * 100)},
			StartDate:            time.Now(),
		})
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return keys
}

func awaitCompletion(t *testing.T, engine *Engine, key int64) runtime.BatchOperation {
	t.Helper()
	var operation runtime.BatchOperation
	require.Eventually(t, func() bool {
		op, err := engine.GetBatchOperation(t.Context(), key)
		if err != nil {
			return false
		}
		operation = op
		return op.State == runtime.BatchOperationStateCompleted
	}, 5*time.Second, 10*time.Millisecond, "batch operation %d did not complete", key)
	return operation
}

func TestCancelBatchCompletesAllItems(t *testing.T) {
	store := inmemory.NewStorage()
	executor := newFakeExecutor()
	engine := newTestEngine(t, store, executor)
	keys := seedInstances(t, store, "order-process", 3)

	operation, err := engine.CreateBatchOperation(t.Context(), CreateBatchOperationCommand{
		Type:    runtime.BatchOperationTypeCancelProcessInstance,
		Filter:  runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
		ActorId: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchOperationStateActive, operation.State)
	assert.Equal(t, int64(3), operation.OperationsTotalCount)
	assert.Equal(t, runtime.ActorTypeApplication, operation.ActorType, "actor type defaults to application")

	operation = awaitCompletion(t, engine, operation.Key)
	assert.Equal(t, int64(3), operation.OperationsCompletedCount)
	assert.Equal(t, int64(0), operation.OperationsFailedCount)
	assert.NotNil(t, operation.EndDate)

	items, err := engine.GetBatchOperationItems(t.Context(), operation.Key)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, runtime.BatchOperationItemStateCompleted, item.State)
		assert.NotNil(t, item.ProcessedDate)
		assert.Empty(t, item.ErrorMessage)
	}

	for _, key := range keys {
		assert.Equal(t, 1, executor.callCount(key))
		pi, err := store.FindProcessInstanceByKey(t.Context(), key)
		require.NoError(t, err)
		assert.Equal(t, runtime.ProcessInstanceStateTerminated, pi.State, "read model reflects the cancellation")
		assert.NotNil(t, pi.EndDate)
		assert.True(t, pi.HasBatchOperationKey(operation.Key), "instance is tagged with the batch")
	}
}

func TestMigrateBatchIsolatesFailures(t *testing.T) {
	store := inmemory.NewStorage()
	executor := newFakeExecutor()
	engine := newTestEngine(t, store, executor)
	keys := seedInstances(t, store, "order-process", 5)

	executor.failWith[keys[1]] = errors.New("element mapping does not apply")
	executor.failWith[keys[3]] = errors.New("element mapping does not apply")

	operation, err := engine.CreateBatchOperation(t.Context(), CreateBatchOperationCommand{
		Type:   runtime.BatchOperationTypeMigrateProcessInstance,
		Filter: runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
		Payload: runtime.MigrationPlan{
			TargetProcessDefinitionKey: 77,
			Instructions: []runtime.MigrationInstruction{
				{SourceElementId: "taskA", TargetElementId: "taskB"},
			},
		},
	})
	require.NoError(t, err)

	operation = awaitCompletion(t, engine, operation.Key)
	assert.Equal(t, int64(3), operation.OperationsCompletedCount)
	assert.Equal(t, int64(2), operation.OperationsFailedCount)

	items, err := engine.GetBatchOperationItems(t.Context(), operation.Key)
	require.NoError(t, err)
	for _, item := range items {
		switch item.ItemKey {
		case keys[1], keys[3]:
			assert.Equal(t, runtime.BatchOperationItemStateFailed, item.State)
			assert.Contains(t, item.ErrorMessage, "element mapping does not apply")
		default:
			assert.Equal(t, runtime.BatchOperationItemStateCompleted, item.State)
		}
	}

	for _, key := range keys {
		pi, err := store.FindProcessInstanceByKey(t.Context(), key)
		require.NoError(t, err)
		assert.True(t, pi.HasBatchOperationKey(operation.Key), "every touched instance is tagged")
		if key == keys[1] || key == keys[3] {
			assert.Equal(t, int64(1), pi.ProcessDefinitionKey, "failed migration leaves the instance untouched")
		} else {
			assert.Equal(t, int64(77), pi.ProcessDefinitionKey)
		}
	}
}

func TestTerminalInstancesAreSkipped(t *testing.T) {
	store := inmemory.NewStorage()
	executor := newFakeExecutor()
	engine := newTestEngine(t, store, executor)
	keys := seedInstances(t, store, "order-process", 3)

	executor.failWith[keys[0]] = fmt.Errorf("409 conflict: %w", ErrInstanceNotActive)

	operation, err := engine.CreateBatchOperation(t.Context(), CreateBatchOperationCommand{
		Type:   runtime.BatchOperationTypeCancelProcessInstance,
		Filter: runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
	})
	require.NoError(t, err)

	operation = awaitCompletion(t, engine, operation.Key)
	// skipped items roll into the completed counter
	assert.Equal(t, int64(3), operation.OperationsCompletedCount)
	assert.Equal(t, int64(0), operation.OperationsFailedCount)

	item, err := store.FindBatchOperationItem(t.Context(), operation.Key, keys[0])
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchOperationItemStateSkipped, item.State)
	assert.Contains(t, item.ErrorMessage, "process instance is not active")

	pi, err := store.FindProcessInstanceByKey(t.Context(), keys[0])
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceStateActive, pi.State, "skipped instance state is not projected")
	assert.True(t, pi.HasBatchOperationKey(operation.Key))
}

func TestEmptyFilterResultCompletesImmediately(t *testing.T) {
	store := inmemory.NewStorage()
	engine := newTestEngine(t, store, newFakeExecutor())

	operation, err := engine.CreateBatchOperation(t.Context(), CreateBatchOperationCommand{
		Type:   runtime.BatchOperationTypeCancelProcessInstance,
		Filter: runtime.InstanceFilter{ProcessDefinitionId: "no-such-definition"},
	})
	require.NoError(t, err)
	assert.Equal(t, runtime.BatchOperationStateCompleted, operation.State)
	assert.Equal(t, int64(0), operation.OperationsTotalCount)
	assert.NotNil(t, operation.EndDate)

	items, err := engine.GetBatchOperationItems(t.Context(), operation.Key)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestConditionExpressionFiltersInstances(t *testing.T) {
	store := inmemory.NewStorage()
	executor := newFakeExecutor()
	engine := newTestEngine(t, store, executor)
	keys := seedInstances(t, store, "order-process", 3) // amounts 0, 100, 200

	operation, err := engine.CreateBatchOperation(t.Context(), CreateBatchOperationCommand{
		Type: runtime.BatchOperationTypeCancelProcessInstance,
		Filter: runtime.InstanceFilter{
			ProcessDefinitionId: "order-process",
			ConditionExpression: "amount > 100",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), operation.OperationsTotalCount)

	operation = awaitCompletion(t, engine, operation.Key)
	assert.Equal(t, 0, executor.callCount(keys[0]))
	assert.Equal(t, 0, executor.callCount(keys[1]))
	assert.Equal(t, 1, executor.callCount(keys[2]))
}

func TestResolveChunking(t *testing.T) {
	store := inmemory.NewStorage()
	executor := newFakeExecutor()
	engine := newTestEngine(t, store, executor, EngineWithResolveChunkSize(2))
	keys := seedInstances(t, store, "order-process", 5)

	operation, err := engine.CreateBatchOperation(t.Context(), CreateBatchOperationCommand{
		Type:   runtime.BatchOperationTypeCancelProcessInstance,
		Filter: runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(keys)), operation.OperationsTotalCount)

	awaitCompletion(t, engine, operation.Key)
}

func TestSnapshotDoesNotGrow(t *testing.T) {
	store := inmemory.NewStorage()
	executor := newFakeExecutor()
	engine := newTestEngine(t, store, executor)
	seedInstances(t, store, "order-process", 2)

	operation, err := engine.CreateBatchOperation(t.Context(), CreateBatchOperationCommand{
		Type:   runtime.BatchOperationTypeCancelProcessInstance,
		Filter: runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
	})
	require.NoError(t, err)

	// an instance appearing after submission is not part of the batch
	err = store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{
		Key:                 5000,
		ProcessDefinitionId: "order-process",
		State:               runtime.ProcessInstanceStateActive,
		StartDate:           time.Now(),
	})
	require.NoError(t, err)

	operation = awaitCompletion(t, engine, operation.Key)
	assert.Equal(t, int64(2), operation.OperationsTotalCount)
	assert.Equal(t, 0, executor.callCount(5000))
}

func TestCreateBatchOperationValidation(t *testing.T) {
	store := inmemory.NewStorage()
	engine := newTestEngine(t, store, newFakeExecutor())

	tests := map[string]CreateBatchOperationCommand{
		"empty filter": {
			Type: runtime.BatchOperationTypeCancelProcessInstance,
		},
		"unknown type": {
			Type:   "EXPLODE_PROCESS_INSTANCE",
			Filter: runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
		},
		"unknown state in filter": {
			Type:   runtime.BatchOperationTypeCancelProcessInstance,
			Filter: runtime.InstanceFilter{States: []runtime.ProcessInstanceState{"SLEEPING"}},
		},
		"cancel with foreign payload": {
			Type:    runtime.BatchOperationTypeCancelProcessInstance,
			Filter:  runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
			Payload: runtime.MigrationPlan{TargetProcessDefinitionKey: 1},
		},
		"migrate without plan": {
			Type:   runtime.BatchOperationTypeMigrateProcessInstance,
			Filter: runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
		},
		"migrate without target": {
			Type:   runtime.BatchOperationTypeMigrateProcessInstance,
			Filter: runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
			Payload: runtime.MigrationPlan{
				Instructions: []runtime.MigrationInstruction{{SourceElementId: "a", TargetElementId: "b"}},
			},
		},
		"migrate without instructions": {
			Type:    runtime.BatchOperationTypeMigrateProcessInstance,
			Filter:  runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
			Payload: runtime.MigrationPlan{TargetProcessDefinitionKey: 77},
		},
		"modify without instructions": {
			Type:    runtime.BatchOperationTypeModifyProcessInstance,
			Filter:  runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
			Payload: runtime.ModificationPlan{},
		},
		"broken condition expression": {
			Type: runtime.BatchOperationTypeCancelProcessInstance,
			Filter: runtime.InstanceFilter{
				ProcessDefinitionId: "order-process",
				ConditionExpression: "amount >",
			},
		},
	}

	for name, cmd := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := engine.CreateBatchOperation(t.Context(), cmd)
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestGetBatchOperationNotFound(t *testing.T) {
	store := inmemory.NewStorage()
	engine := newTestEngine(t, store, newFakeExecutor())

	_, err := engine.GetBatchOperation(t.Context(), 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = engine.GetBatchOperationItems(t.Context(), 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDuplicateOutcomeIsNotCountedTwice(t *testing.T) {
	store := inmemory.NewStorage()
	tracker := &progressTracker{persistence: store, locks: newBatchLocks()}

	err := store.SaveBatchOperation(t.Context(), runtime.BatchOperation{
		Key:                  1,
		Type:                 runtime.BatchOperationTypeCancelProcessInstance,
		State:                runtime.BatchOperationStateActive,
		Payload:              runtime.CancelPayload{},
		OperationsTotalCount: 2,
		StartDate:            time.Now(),
	})
	require.NoError(t, err)
	for _, itemKey := range []int64{10, 11} {
		err = store.SaveBatchOperationItem(t.Context(), runtime.BatchOperationItem{
			BatchOperationKey: 1,
			ItemKey:           itemKey,
			Type:              runtime.BatchOperationTypeCancelProcessInstance,
			State:             runtime.BatchOperationItemStateActive,
		})
		require.NoError(t, err)
	}

	operation, applied, err := tracker.applyItemOutcome(t.Context(), 1, 10, runtime.BatchOperationItemStateCompleted, "")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1), operation.OperationsCompletedCount)
	assert.Equal(t, runtime.BatchOperationStateActive, operation.State)

	// the same outcome delivered again must not move the counters
	operation, applied, err = tracker.applyItemOutcome(t.Context(), 1, 10, runtime.BatchOperationItemStateCompleted, "")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(1), operation.OperationsCompletedCount)

	operation, applied, err = tracker.applyItemOutcome(t.Context(), 1, 11, runtime.BatchOperationItemStateFailed, "boom")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, runtime.BatchOperationStateCompleted, operation.State)
	assert.Equal(t, int64(1), operation.OperationsCompletedCount)
	assert.Equal(t, int64(1), operation.OperationsFailedCount)
	assert.NotNil(t, operation.EndDate)
}

func TestNonTerminalOutcomeIsRejected(t *testing.T) {
	store := inmemory.NewStorage()
	tracker := &progressTracker{persistence: store, locks: newBatchLocks()}

	err := store.SaveBatchOperation(t.Context(), runtime.BatchOperation{
		Key:                  1,
		Type:                 runtime.BatchOperationTypeCancelProcessInstance,
		State:                runtime.BatchOperationStateActive,
		Payload:              runtime.CancelPayload{},
		OperationsTotalCount: 1,
		StartDate:            time.Now(),
	})
	require.NoError(t, err)
	err = store.SaveBatchOperationItem(t.Context(), runtime.BatchOperationItem{
		BatchOperationKey: 1,
		ItemKey:           10,
		Type:              runtime.BatchOperationTypeCancelProcessInstance,
		State:             runtime.BatchOperationItemStateActive,
	})
	require.NoError(t, err)

	_, applied, err := tracker.applyItemOutcome(t.Context(), 1, 10, runtime.BatchOperationItemStateActive, "")
	assert.Error(t, err)
	assert.False(t, applied)
}

func TestRestartResumesActiveItems(t *testing.T) {
	store := inmemory.NewStorage()

	// simulate state left behind by a crashed run: an active batch with one
	// recorded outcome and one item still pending
	err := store.SaveBatchOperation(t.Context(), runtime.BatchOperation{
		Key:                      1,
		Type:                     runtime.BatchOperationTypeCancelProcessInstance,
		State:                    runtime.BatchOperationStateActive,
		Payload:                  runtime.CancelPayload{},
		OperationsTotalCount:     2,
		OperationsCompletedCount: 1,
		StartDate:                time.Now(),
	})
	require.NoError(t, err)
	err = store.SaveBatchOperationItem(t.Context(), runtime.BatchOperationItem{
		BatchOperationKey: 1,
		ItemKey:           10,
		Type:              runtime.BatchOperationTypeCancelProcessInstance,
		State:             runtime.BatchOperationItemStateCompleted,
		ProcessedDate:     ptr.To(time.Now()),
	})
	require.NoError(t, err)
	err = store.SaveBatchOperationItem(t.Context(), runtime.BatchOperationItem{
		BatchOperationKey: 1,
		ItemKey:           11,
		Type:              runtime.BatchOperationTypeCancelProcessInstance,
		State:             runtime.BatchOperationItemStateActive,
	})
	require.NoError(t, err)
	err = store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{
		Key:                 11,
		ProcessDefinitionId: "order-process",
		State:               runtime.ProcessInstanceStateActive,
		StartDate:           time.Now(),
	})
	require.NoError(t, err)

	executor := newFakeExecutor()
	engine := newTestEngine(t, store, executor)

	operation := awaitCompletion(t, engine, 1)
	assert.Equal(t, int64(2), operation.OperationsCompletedCount)
	assert.Equal(t, 0, executor.callCount(10), "terminal item is not re-executed")
	assert.Equal(t, 1, executor.callCount(11))
}
