// Package storagetest holds a storage conformance suite shared by every
// driver. Driver packages run the suite against a fresh store in their own
// tests.
package storagetest

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/ptr"
	"github.com/pbinitiative/zenbatch/pkg/storage"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

type StorageTester struct {
	keyCounter atomic.Int64

	batchOperation  runtime.BatchOperation
	processInstance runtime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestBatchOperationStorageWriter,
		st.TestBatchOperationStorageReaderNotFound,
		st.TestBatchOperationPayloadRoundTrip,
		st.TestBatchOperationItemStorageWriter,
		st.TestBatchOperationItemStorageReader,
		st.TestActiveBatchOperationItems,
		st.TestProcessInstanceStorageWriter,
		st.TestProcessInstanceBatchOperationTags,
		st.TestBatchFlush,
		st.TestSearchBatchOperations,
		st.TestSearchBatchOperationItems,
		st.TestSearchProcessInstances,
		st.TestSearchCursorPaging,
		st.TestSearchItemCursorPagingAcrossBatches,
		st.TestSearchMalformedCursor,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

// generateKey produces store-unique monotonically increasing keys, some
// tests rely on later entities sorting after earlier ones by key.
func (st *StorageTester) generateKey() int64 {
	return 1_000_000 + st.keyCounter.Add(1)
}

func getBatchOperation(r int64) runtime.BatchOperation {
	return runtime.BatchOperation{
		Key:   r,
		Type:  runtime.BatchOperationTypeCancelProcessInstance,
		State: runtime.BatchOperationStateActive,
		Filter: runtime.InstanceFilter{
			ProcessDefinitionId: fmt.Sprintf("proc-%d", r),
		},
		Payload:              runtime.CancelPayload{},
		OperationsTotalCount: 3,
		StartDate:            time.Now().UTC().Truncate(time.Millisecond),
		ActorId:              fmt.Sprintf("actor-%d", r),
		ActorType:            runtime.ActorTypeUser,
	}
}

func getBatchOperationItem(batchKey int64, itemKey int64) runtime.BatchOperationItem {
	return runtime.BatchOperationItem{
		BatchOperationKey: batchKey,
		ItemKey:           itemKey,
		Type:              runtime.BatchOperationTypeCancelProcessInstance,
		State:             runtime.BatchOperationItemStateActive,
	}
}

func getProcessInstance(r int64) runtime.ProcessInstance {
	return runtime.ProcessInstance{
		Key:                  r,
		ProcessDefinitionId:  fmt.Sprintf("proc-%d", r),
		ProcessDefinitionKey: r + 1,
		State:                runtime.ProcessInstanceStateActive,
		Variables:            map[string]any{"amount": float64(42)},
		StartDate:            time.Now().UTC().Truncate(time.Millisecond),
	}
}

// PrepareTestData seeds common entities the individual tests build on.
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := st.generateKey()

	st.batchOperation = getBatchOperation(r)
	err := s.SaveBatchOperation(t.Context(), st.batchOperation)
	require.NoError(t, err)

	st.processInstance = getProcessInstance(r)
	err = s.SaveProcessInstance(t.Context(), st.processInstance)
	require.NoError(t, err)
}

func (st *StorageTester) TestBatchOperationStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := st.generateKey()
		op := getBatchOperation(r)

		err := s.SaveBatchOperation(t.Context(), op)
		assert.NoError(t, err)

		stored, err := s.FindBatchOperationByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, stored.Key)
		assert.Equal(t, op.Type, stored.Type)
		assert.Equal(t, op.State, stored.State)
		assert.Equal(t, op.Filter, stored.Filter)
		assert.Equal(t, op.OperationsTotalCount, stored.OperationsTotalCount)
		assert.Equal(t, op.ActorId, stored.ActorId)
		assert.Equal(t, op.ActorType, stored.ActorType)
		assert.True(t, op.StartDate.Equal(stored.StartDate))
		assert.Nil(t, stored.EndDate)

		// overwrite with updated counters
		op.OperationsCompletedCount = 2
		op.OperationsFailedCount = 1
		op.State = runtime.BatchOperationStateCompleted
		op.EndDate = ptr.To(op.StartDate.Add(time.Minute))
		err = s.SaveBatchOperation(t.Context(), op)
		assert.NoError(t, err)

		stored, err = s.FindBatchOperationByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), stored.OperationsCompletedCount)
		assert.Equal(t, int64(1), stored.OperationsFailedCount)
		assert.Equal(t, runtime.BatchOperationStateCompleted, stored.State)
		if assert.NotNil(t, stored.EndDate) {
			assert.True(t, op.EndDate.Equal(*stored.EndDate))
		}
	}
}

func (st *StorageTester) TestBatchOperationStorageReaderNotFound(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		_, err := s.FindBatchOperationByKey(t.Context(), st.generateKey())
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindBatchOperationItem(t.Context(), st.generateKey(), st.generateKey())
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindProcessInstanceByKey(t.Context(), st.generateKey())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestBatchOperationPayloadRoundTrip(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := st.generateKey()
		op := getBatchOperation(r)
		op.Type = runtime.BatchOperationTypeMigrateProcessInstance
		op.Payload = runtime.MigrationPlan{
			TargetProcessDefinitionKey: r + 7,
			Instructions: []runtime.MigrationInstruction{
				{SourceElementId: "taskA", TargetElementId: "taskB"},
			},
		}

		err := s.SaveBatchOperation(t.Context(), op)
		assert.NoError(t, err)

		stored, err := s.FindBatchOperationByKey(t.Context(), r)
		assert.NoError(t, err)
		plan, ok := stored.Payload.(runtime.MigrationPlan)
		if assert.True(t, ok, "expected a migration plan payload, got %T", stored.Payload) {
			assert.Equal(t, r+7, plan.TargetProcessDefinitionKey)
			assert.Equal(t, op.Payload, plan)
		}
	}
}

func (st *StorageTester) TestBatchOperationItemStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := st.generateKey()
		item := getBatchOperationItem(st.batchOperation.Key, r)

		err := s.SaveBatchOperationItem(t.Context(), item)
		assert.NoError(t, err)

		item.State = runtime.BatchOperationItemStateFailed
		item.ErrorMessage = "instance rejected the command"
		item.ProcessedDate = ptr.To(time.Now().UTC().Truncate(time.Millisecond))
		err = s.SaveBatchOperationItem(t.Context(), item)
		assert.NoError(t, err)

		stored, err := s.FindBatchOperationItem(t.Context(), st.batchOperation.Key, r)
		assert.NoError(t, err)
		assert.Equal(t, runtime.BatchOperationItemStateFailed, stored.State)
		assert.Equal(t, item.ErrorMessage, stored.ErrorMessage)
		if assert.NotNil(t, stored.ProcessedDate) {
			assert.True(t, item.ProcessedDate.Equal(*stored.ProcessedDate))
		}
	}
}

func (st *StorageTester) TestBatchOperationItemStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		batchKey := st.generateKey()
		op := getBatchOperation(batchKey)
		err := s.SaveBatchOperation(t.Context(), op)
		assert.NoError(t, err)

		keys := []int64{st.generateKey(), st.generateKey(), st.generateKey()}
		for _, k := range keys {
			err := s.SaveBatchOperationItem(t.Context(), getBatchOperationItem(batchKey, k))
			assert.NoError(t, err)
		}

		items, err := s.FindBatchOperationItems(t.Context(), batchKey)
		assert.NoError(t, err)
		assert.Len(t, items, 3)
		for i := 1; i < len(items); i++ {
			assert.Less(t, items[i-1].ItemKey, items[i].ItemKey, "items are ordered by item key")
		}
	}
}

func (st *StorageTester) TestActiveBatchOperationItems(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		batchKey := st.generateKey()
		err := s.SaveBatchOperation(t.Context(), getBatchOperation(batchKey))
		assert.NoError(t, err)

		active := getBatchOperationItem(batchKey, st.generateKey())
		err = s.SaveBatchOperationItem(t.Context(), active)
		assert.NoError(t, err)

		done := getBatchOperationItem(batchKey, st.generateKey())
		done.State = runtime.BatchOperationItemStateCompleted
		done.ProcessedDate = ptr.To(time.Now().UTC())
		err = s.SaveBatchOperationItem(t.Context(), done)
		assert.NoError(t, err)

		items, err := s.FindActiveBatchOperationItems(t.Context())
		assert.NoError(t, err)

		activeFound, doneFound := false, false
		for _, item := range items {
			if item.BatchOperationKey != batchKey {
				continue
			}
			switch item.ItemKey {
			case active.ItemKey:
				activeFound = true
			case done.ItemKey:
				doneFound = true
			}
		}
		assert.True(t, activeFound, "active item is reported")
		assert.False(t, doneFound, "terminal item is not reported")
	}
}

func (st *StorageTester) TestProcessInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := st.generateKey()
		pi := getProcessInstance(r)

		err := s.SaveProcessInstance(t.Context(), pi)
		assert.NoError(t, err)

		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, pi.Key, stored.Key)
		assert.Equal(t, pi.ProcessDefinitionId, stored.ProcessDefinitionId)
		assert.Equal(t, pi.ProcessDefinitionKey, stored.ProcessDefinitionKey)
		assert.Equal(t, pi.State, stored.State)
		assert.Equal(t, pi.Variables, stored.Variables)
		assert.True(t, pi.StartDate.Equal(stored.StartDate))

		pi.State = runtime.ProcessInstanceStateTerminated
		pi.EndDate = ptr.To(pi.StartDate.Add(time.Hour))
		err = s.SaveProcessInstance(t.Context(), pi)
		assert.NoError(t, err)

		stored, err = s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, runtime.ProcessInstanceStateTerminated, stored.State)
		if assert.NotNil(t, stored.EndDate) {
			assert.True(t, pi.EndDate.Equal(*stored.EndDate))
		}
	}
}

func (st *StorageTester) TestProcessInstanceBatchOperationTags(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := st.generateKey()
		batch1 := st.generateKey()
		batch2 := st.generateKey()

		pi := getProcessInstance(r)
		pi.BatchOperationKeys = []int64{batch1}
		err := s.SaveProcessInstance(t.Context(), pi)
		assert.NoError(t, err)

		pi.BatchOperationKeys = []int64{batch1, batch2}
		err = s.SaveProcessInstance(t.Context(), pi)
		assert.NoError(t, err)

		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.ElementsMatch(t, []int64{batch1, batch2}, stored.BatchOperationKeys)
	}
}

func (st *StorageTester) TestBatchFlush(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		batchKey := st.generateKey()
		itemKey := st.generateKey()

		b := s.NewBatch()
		err := b.SaveBatchOperation(t.Context(), getBatchOperation(batchKey))
		assert.NoError(t, err)
		err = b.SaveBatchOperationItem(t.Context(), getBatchOperationItem(batchKey, itemKey))
		assert.NoError(t, err)
		err = b.SaveProcessInstance(t.Context(), getProcessInstance(itemKey))
		assert.NoError(t, err)

		err = b.Flush(t.Context())
		assert.NoError(t, err)

		_, err = s.FindBatchOperationByKey(t.Context(), batchKey)
		assert.NoError(t, err)
		_, err = s.FindBatchOperationItem(t.Context(), batchKey, itemKey)
		assert.NoError(t, err)
		_, err = s.FindProcessInstanceByKey(t.Context(), itemKey)
		assert.NoError(t, err)

		// a flushed batch accepts new statements
		otherKey := st.generateKey()
		err = b.SaveBatchOperation(t.Context(), getBatchOperation(otherKey))
		assert.NoError(t, err)
		err = b.Flush(t.Context())
		assert.NoError(t, err)
		_, err = s.FindBatchOperationByKey(t.Context(), otherKey)
		assert.NoError(t, err)
	}
}

func (st *StorageTester) TestSearchBatchOperations(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		actor := fmt.Sprintf("search-actor-%d", st.generateKey())
		base := time.Now().UTC().Truncate(time.Millisecond)

		keys := make([]int64, 0, 3)
		for i := 0; i < 3; i++ {
			r := st.generateKey()
			op := getBatchOperation(r)
			op.ActorId = actor
			op.StartDate = base.Add(time.Duration(i) * time.Minute)
			if i == 2 {
				op.State = runtime.BatchOperationStateCompleted
				op.EndDate = ptr.To(op.StartDate.Add(time.Minute))
			}
			err := s.SaveBatchOperation(t.Context(), op)
			assert.NoError(t, err)
			keys = append(keys, r)
		}

		res, err := s.SearchBatchOperations(t.Context(), storage.SearchQuery[storage.BatchOperationFilter]{
			Filter: storage.BatchOperationFilter{
				ActorId: &storage.StringPredicate{Eq: &actor},
				State:   &storage.StringPredicate{Eq: ptr.To(string(runtime.BatchOperationStateActive))},
			},
			Sort: []storage.SortField{{Field: "startDate", Order: storage.SortOrderDesc}},
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(2), res.TotalCount)
		if assert.Len(t, res.Items, 2) {
			assert.Equal(t, keys[1], res.Items[0].Key, "newest active operation first")
			assert.Equal(t, keys[0], res.Items[1].Key)
		}

		res, err = s.SearchBatchOperations(t.Context(), storage.SearchQuery[storage.BatchOperationFilter]{
			Filter: storage.BatchOperationFilter{
				ActorId: &storage.StringPredicate{Eq: &actor},
				EndDate: &storage.TimePredicate{Exists: ptr.To(true)},
			},
		})
		assert.NoError(t, err)
		if assert.Len(t, res.Items, 1) {
			assert.Equal(t, keys[2], res.Items[0].Key)
		}
	}
}

func (st *StorageTester) TestSearchBatchOperationItems(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		batchKey := st.generateKey()
		err := s.SaveBatchOperation(t.Context(), getBatchOperation(batchKey))
		assert.NoError(t, err)

		states := []runtime.BatchOperationItemState{
			runtime.BatchOperationItemStateCompleted,
			runtime.BatchOperationItemStateFailed,
			runtime.BatchOperationItemStateSkipped,
		}
		for _, state := range states {
			item := getBatchOperationItem(batchKey, st.generateKey())
			item.State = state
			item.ProcessedDate = ptr.To(time.Now().UTC())
			err := s.SaveBatchOperationItem(t.Context(), item)
			assert.NoError(t, err)
		}

		res, err := s.SearchBatchOperationItems(t.Context(), storage.SearchQuery[storage.BatchOperationItemFilter]{
			Filter: storage.BatchOperationItemFilter{
				BatchOperationKey: &storage.Int64Predicate{Eq: &batchKey},
			},
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(3), res.TotalCount)

		res, err = s.SearchBatchOperationItems(t.Context(), storage.SearchQuery[storage.BatchOperationItemFilter]{
			Filter: storage.BatchOperationItemFilter{
				BatchOperationKey: &storage.Int64Predicate{Eq: &batchKey},
				State:             &storage.StringPredicate{Eq: ptr.To(string(runtime.BatchOperationItemStateFailed))},
			},
		})
		assert.NoError(t, err)
		if assert.Len(t, res.Items, 1) {
			assert.Equal(t, runtime.BatchOperationItemStateFailed, res.Items[0].State)
		}
	}
}

func (st *StorageTester) TestSearchProcessInstances(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		batchKey := st.generateKey()
		defId := fmt.Sprintf("order-fulfillment-%d", batchKey)

		tagged := getProcessInstance(st.generateKey())
		tagged.ProcessDefinitionId = defId
		tagged.BatchOperationKeys = []int64{batchKey}
		err := s.SaveProcessInstance(t.Context(), tagged)
		assert.NoError(t, err)

		untagged := getProcessInstance(st.generateKey())
		untagged.ProcessDefinitionId = defId
		err = s.SaveProcessInstance(t.Context(), untagged)
		assert.NoError(t, err)

		res, err := s.SearchProcessInstances(t.Context(), storage.SearchQuery[storage.ProcessInstanceFilter]{
			Filter: storage.ProcessInstanceFilter{
				ProcessDefinitionId: &storage.StringPredicate{Like: ptr.To(fmt.Sprintf("order-%%-%d", batchKey))},
			},
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(2), res.TotalCount)

		res, err = s.SearchProcessInstances(t.Context(), storage.SearchQuery[storage.ProcessInstanceFilter]{
			Filter: storage.ProcessInstanceFilter{
				BatchOperationKey: &storage.Int64Predicate{Eq: &batchKey},
			},
		})
		assert.NoError(t, err)
		if assert.Len(t, res.Items, 1) {
			assert.Equal(t, tagged.Key, res.Items[0].Key)
			assert.Equal(t, []int64{batchKey}, res.Items[0].BatchOperationKeys)
		}
	}
}

func (st *StorageTester) TestSearchCursorPaging(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		actor := fmt.Sprintf("paging-actor-%d", st.generateKey())
		keys := make([]int64, 0, 5)
		for i := 0; i < 5; i++ {
			r := st.generateKey()
			op := getBatchOperation(r)
			op.ActorId = actor
			err := s.SaveBatchOperation(t.Context(), op)
			assert.NoError(t, err)
			keys = append(keys, r)
		}

		query := storage.SearchQuery[storage.BatchOperationFilter]{
			Filter: storage.BatchOperationFilter{
				ActorId: &storage.StringPredicate{Eq: &actor},
			},
			Sort: []storage.SortField{{Field: "key", Order: storage.SortOrderAsc}},
			Page: storage.Page{Limit: 2},
		}

		// walk forward through all pages
		seen := make([]int64, 0, 5)
		for {
			res, err := s.SearchBatchOperations(t.Context(), query)
			require.NoError(t, err)
			assert.Equal(t, int64(5), res.TotalCount)
			if len(res.Items) == 0 {
				break
			}
			for _, op := range res.Items {
				seen = append(seen, op.Key)
			}
			query.Page.After = res.LastCursor
		}
		assert.Equal(t, keys, seen)

		// step back one page with the before cursor
		query.Page = storage.Page{Limit: 2}
		first, err := s.SearchBatchOperations(t.Context(), query)
		require.NoError(t, err)
		query.Page.After = first.LastCursor
		second, err := s.SearchBatchOperations(t.Context(), query)
		require.NoError(t, err)
		require.NotEmpty(t, second.Items)

		query.Page = storage.Page{Limit: 2, Before: second.FirstCursor}
		back, err := s.SearchBatchOperations(t.Context(), query)
		require.NoError(t, err)
		if assert.Len(t, back.Items, 2) {
			assert.Equal(t, first.Items[0].Key, back.Items[0].Key)
			assert.Equal(t, first.Items[1].Key, back.Items[1].Key)
		}

		// offset paging
		query.Page = storage.Page{From: 3, Limit: 10}
		res, err := s.SearchBatchOperations(t.Context(), query)
		require.NoError(t, err)
		if assert.Len(t, res.Items, 2) {
			assert.Equal(t, keys[3], res.Items[0].Key)
			assert.Equal(t, keys[4], res.Items[1].Key)
		}
	}
}

// An instance targeted by several batches yields items that agree on the
// item key and on every sortable field. Cursor paging must still visit each
// of them exactly once, the cursor carries the composite item identity.
func (st *StorageTester) TestSearchItemCursorPagingAcrossBatches(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		batch1 := st.generateKey()
		batch2 := st.generateKey()
		sharedItemKey := st.generateKey()
		for _, batchKey := range []int64{batch1, batch2} {
			err := s.SaveBatchOperation(t.Context(), getBatchOperation(batchKey))
			assert.NoError(t, err)
			err = s.SaveBatchOperationItem(t.Context(), getBatchOperationItem(batchKey, sharedItemKey))
			assert.NoError(t, err)
		}

		query := storage.SearchQuery[storage.BatchOperationItemFilter]{
			Filter: storage.BatchOperationItemFilter{
				ItemKey: &storage.Int64Predicate{Eq: &sharedItemKey},
			},
			// both items tie on the state sort, only the identity breaks it
			Sort: []storage.SortField{{Field: "state", Order: storage.SortOrderAsc}},
			Page: storage.Page{Limit: 1},
		}

		seen := make([]int64, 0, 2)
		for {
			res, err := s.SearchBatchOperationItems(t.Context(), query)
			require.NoError(t, err)
			assert.Equal(t, int64(2), res.TotalCount)
			if len(res.Items) == 0 {
				break
			}
			for _, item := range res.Items {
				assert.Equal(t, sharedItemKey, item.ItemKey)
				seen = append(seen, item.BatchOperationKey)
			}
			query.Page.After = res.LastCursor
		}
		assert.Equal(t, []int64{batch1, batch2}, seen, "every item visited exactly once")
	}
}

func (st *StorageTester) TestSearchMalformedCursor(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		_, err := s.SearchBatchOperations(t.Context(), storage.SearchQuery[storage.BatchOperationFilter]{
			Page: storage.Page{After: "not-a-cursor!"},
		})
		assert.ErrorIs(t, err, storage.ErrMalformedCursor)
	}
}
