package inmemory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/storage"
	"github.com/pbinitiative/zenbatch/pkg/storage/inmemory"
	"github.com/pbinitiative/zenbatch/pkg/storage/storagetest"
)

func TestInMemoryStorage(t *testing.T) {
	var store storage.Storage = inmemory.NewStorage()

	tester := storagetest.StorageTester{}

	tests := tester.GetTests()
	tester.PrepareTestData(store, t)
	for name, testFunc := range tests {
		t.Run(name, testFunc(store, t))
	}
}

// Search reads lag behind writes when a visibility delay is configured,
// exact lookups do not.
func TestSearchVisibilityDelay(t *testing.T) {
	store := inmemory.NewStorage(inmemory.WithSearchVisibilityDelay(50 * time.Millisecond))

	op := runtime.BatchOperation{
		Key:       1,
		Type:      runtime.BatchOperationTypeCancelProcessInstance,
		State:     runtime.BatchOperationStateActive,
		Payload:   runtime.CancelPayload{},
		StartDate: time.Now(),
	}
	err := store.SaveBatchOperation(t.Context(), op)
	assert.NoError(t, err)

	stored, err := store.FindBatchOperationByKey(t.Context(), op.Key)
	assert.NoError(t, err)
	assert.Equal(t, op.Key, stored.Key)

	res, err := store.SearchBatchOperations(t.Context(), storage.SearchQuery[storage.BatchOperationFilter]{})
	assert.NoError(t, err)
	assert.Empty(t, res.Items, "fresh write is not searchable yet")

	assert.Eventually(t, func() bool {
		res, err := store.SearchBatchOperations(t.Context(), storage.SearchQuery[storage.BatchOperationFilter]{})
		return err == nil && len(res.Items) == 1
	}, time.Second, 10*time.Millisecond, "write becomes searchable after the delay")
}
