package storage

import (
	"context"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
)

// Storage interface for reading and writing batch operation data into a
// (persistent) state. Interface is used by the batch engine to interact
// with its record store and with the process-instance read model.
//
// Methods that are expected to return exactly one match MUST return
// ErrNotFound when the result does not exist
type Storage interface {
	BatchOperationStorageReader
	BatchOperationStorageWriter
	BatchOperationItemStorageReader
	BatchOperationItemStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter

	NewBatch() Batch
}

// Batch collects writes and applies them on Flush. A flushed batch is
// ready for new statements.
type Batch interface {
	BatchOperationStorageWriter
	BatchOperationItemStorageWriter
	ProcessInstanceStorageWriter

	Flush(ctx context.Context) error
}

type BatchOperationStorageReader interface {
	FindBatchOperationByKey(ctx context.Context, key int64) (runtime.BatchOperation, error)

	// SearchBatchOperations serves the query facade. Search reads are
	// eventually consistent, a freshly written record may not be visible
	// yet even though FindBatchOperationByKey already returns it.
	SearchBatchOperations(ctx context.Context, query SearchQuery[BatchOperationFilter]) (SearchResult[runtime.BatchOperation], error)
}

type BatchOperationStorageWriter interface {
	// SaveBatchOperation persists the batch operation
	// and potentially overwrites prior data stored with given key
	SaveBatchOperation(ctx context.Context, operation runtime.BatchOperation) error
}

type BatchOperationItemStorageReader interface {
	FindBatchOperationItem(ctx context.Context, batchOperationKey int64, itemKey int64) (runtime.BatchOperationItem, error)

	// FindBatchOperationItems returns all items of a batch ordered by item key
	FindBatchOperationItems(ctx context.Context, batchOperationKey int64) ([]runtime.BatchOperationItem, error)

	// FindActiveBatchOperationItems returns items that have not reached a
	// terminal state yet, used to resume dispatch after a restart
	FindActiveBatchOperationItems(ctx context.Context) ([]runtime.BatchOperationItem, error)

	SearchBatchOperationItems(ctx context.Context, query SearchQuery[BatchOperationItemFilter]) (SearchResult[runtime.BatchOperationItem], error)
}

type BatchOperationItemStorageWriter interface {
	// SaveBatchOperationItem persists the item
	// and potentially overwrites prior data stored with given batch operation key and item key
	SaveBatchOperationItem(ctx context.Context, item runtime.BatchOperationItem) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	SearchProcessInstances(ctx context.Context, query SearchQuery[ProcessInstanceFilter]) (SearchResult[runtime.ProcessInstance], error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the read-model projection of the instance
	// and potentially overwrites prior data stored with given key
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}
