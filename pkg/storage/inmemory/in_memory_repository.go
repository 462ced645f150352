package inmemory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/storage"
)

// Storage keeps batch operation data in memory,
// please use NewStorage to create a new object of this type.
//
// Exact lookups are read-your-writes consistent. Search reads honor an
// optional visibility delay to mimic the lag of a secondary index, see
// WithSearchVisibilityDelay.
type Storage struct {
	mu                  sync.RWMutex
	BatchOperations     map[int64]runtime.BatchOperation
	BatchOperationItems map[int64]map[int64]runtime.BatchOperationItem
	ProcessInstances    map[int64]runtime.ProcessInstance

	visibilityDelay time.Duration
	visibleAt       map[visibilityKey]time.Time
}

type visibilityKey struct {
	entity string
	key    int64
	subKey int64
}

type StorageOption func(*Storage)

// WithSearchVisibilityDelay makes search reads ignore entities written less
// than d ago. Exact lookups are unaffected.
func WithSearchVisibilityDelay(d time.Duration) StorageOption {
	return func(s *Storage) {
		s.visibilityDelay = d
	}
}

func NewStorage(opts ...StorageOption) *Storage {
	s := &Storage{
		BatchOperations:     make(map[int64]runtime.BatchOperation),
		BatchOperationItems: make(map[int64]map[int64]runtime.BatchOperationItem),
		ProcessInstances:    make(map[int64]runtime.ProcessInstance),
		visibleAt:           make(map[visibilityKey]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

func (mem *Storage) markWritten(k visibilityKey) {
	if mem.visibilityDelay <= 0 {
		return
	}
	mem.visibleAt[k] = time.Now().Add(mem.visibilityDelay)
}

func (mem *Storage) isVisible(k visibilityKey) bool {
	if mem.visibilityDelay <= 0 {
		return true
	}
	at, ok := mem.visibleAt[k]
	if !ok {
		return true
	}
	return !time.Now().Before(at)
}

var _ storage.BatchOperationStorageReader = &Storage{}

func (mem *Storage) FindBatchOperationByKey(ctx context.Context, key int64) (runtime.BatchOperation, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.BatchOperations[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SearchBatchOperations(ctx context.Context, query storage.SearchQuery[storage.BatchOperationFilter]) (storage.SearchResult[runtime.BatchOperation], error) {
	mem.mu.RLock()
	matches := make([]runtime.BatchOperation, 0)
	for key, op := range mem.BatchOperations {
		if !mem.isVisible(visibilityKey{entity: "batchOperation", key: key}) {
			continue
		}
		if matchBatchOperation(query.Filter, op) {
			matches = append(matches, op)
		}
	}
	mem.mu.RUnlock()
	return storage.SearchPage(matches, query.Sort, query.Page, storage.BatchOperationSortTuple)
}

var _ storage.BatchOperationStorageWriter = &Storage{}

func (mem *Storage) SaveBatchOperation(ctx context.Context, operation runtime.BatchOperation) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if _, ok := mem.BatchOperations[operation.Key]; !ok {
		mem.markWritten(visibilityKey{entity: "batchOperation", key: operation.Key})
	}
	mem.BatchOperations[operation.Key] = operation
	return nil
}

var _ storage.BatchOperationItemStorageReader = &Storage{}

func (mem *Storage) FindBatchOperationItem(ctx context.Context, batchOperationKey int64, itemKey int64) (runtime.BatchOperationItem, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.BatchOperationItem
	items, ok := mem.BatchOperationItems[batchOperationKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	res, ok = items[itemKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindBatchOperationItems(ctx context.Context, batchOperationKey int64) ([]runtime.BatchOperationItem, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.BatchOperationItem, 0)
	for _, item := range mem.BatchOperationItems[batchOperationKey] {
		res = append(res, item)
	}
	slices.SortFunc(res, func(a, b runtime.BatchOperationItem) int {
		switch {
		case a.ItemKey < b.ItemKey:
			return -1
		case a.ItemKey > b.ItemKey:
			return 1
		}
		return 0
	})
	return res, nil
}

func (mem *Storage) FindActiveBatchOperationItems(ctx context.Context) ([]runtime.BatchOperationItem, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.BatchOperationItem, 0)
	for _, items := range mem.BatchOperationItems {
		for _, item := range items {
			if item.State != runtime.BatchOperationItemStateActive {
				continue
			}
			res = append(res, item)
		}
	}
	return res, nil
}

func (mem *Storage) SearchBatchOperationItems(ctx context.Context, query storage.SearchQuery[storage.BatchOperationItemFilter]) (storage.SearchResult[runtime.BatchOperationItem], error) {
	mem.mu.RLock()
	matches := make([]runtime.BatchOperationItem, 0)
	for batchKey, items := range mem.BatchOperationItems {
		for itemKey, item := range items {
			if !mem.isVisible(visibilityKey{entity: "batchOperationItem", key: batchKey, subKey: itemKey}) {
				continue
			}
			if matchBatchOperationItem(query.Filter, item) {
				matches = append(matches, item)
			}
		}
	}
	mem.mu.RUnlock()
	return storage.SearchPage(matches, query.Sort, query.Page, storage.BatchOperationItemSortTuple)
}

var _ storage.BatchOperationItemStorageWriter = &Storage{}

func (mem *Storage) SaveBatchOperationItem(ctx context.Context, item runtime.BatchOperationItem) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	items, ok := mem.BatchOperationItems[item.BatchOperationKey]
	if !ok {
		items = make(map[int64]runtime.BatchOperationItem)
		mem.BatchOperationItems[item.BatchOperationKey] = items
	}
	if _, ok := items[item.ItemKey]; !ok {
		mem.markWritten(visibilityKey{entity: "batchOperationItem", key: item.BatchOperationKey, subKey: item.ItemKey})
	}
	items[item.ItemKey] = item
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SearchProcessInstances(ctx context.Context, query storage.SearchQuery[storage.ProcessInstanceFilter]) (storage.SearchResult[runtime.ProcessInstance], error) {
	mem.mu.RLock()
	matches := make([]runtime.ProcessInstance, 0)
	for key, pi := range mem.ProcessInstances {
		if !mem.isVisible(visibilityKey{entity: "processInstance", key: key}) {
			continue
		}
		if matchProcessInstance(query.Filter, pi) {
			matches = append(matches, pi)
		}
	}
	mem.mu.RUnlock()
	return storage.SearchPage(matches, query.Sort, query.Page, storage.ProcessInstanceSortTuple)
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if _, ok := mem.ProcessInstances[processInstance.Key]; !ok {
		mem.markWritten(visibilityKey{entity: "processInstance", key: processInstance.Key})
	}
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	var joinErr error
	for _, stmt := range b.stmtToRun {
		err := stmt()
		if err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	if joinErr != nil {
		return joinErr
	}
	b.stmtToRun = make([]func() error, 0)
	return nil
}

var _ storage.BatchOperationStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveBatchOperation(ctx context.Context, operation runtime.BatchOperation) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveBatchOperation(ctx, operation)
	})
	return nil
}

var _ storage.BatchOperationItemStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveBatchOperationItem(ctx context.Context, item runtime.BatchOperationItem) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveBatchOperationItem(ctx, item)
	})
	return nil
}

var _ storage.ProcessInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveProcessInstance(ctx, processInstance)
	})
	return nil
}

func matchBatchOperation(f storage.BatchOperationFilter, op runtime.BatchOperation) bool {
	return f.Key.Matches(op.Key) &&
		f.Type.Matches(string(op.Type)) &&
		f.State.Matches(string(op.State)) &&
		f.ActorId.Matches(op.ActorId) &&
		f.StartDate.Matches(&op.StartDate) &&
		f.EndDate.Matches(op.EndDate)
}

func matchBatchOperationItem(f storage.BatchOperationItemFilter, item runtime.BatchOperationItem) bool {
	return f.BatchOperationKey.Matches(item.BatchOperationKey) &&
		f.ItemKey.Matches(item.ItemKey) &&
		f.Type.Matches(string(item.Type)) &&
		f.State.Matches(string(item.State)) &&
		f.ProcessedDate.Matches(item.ProcessedDate)
}

func matchProcessInstance(f storage.ProcessInstanceFilter, pi runtime.ProcessInstance) bool {
	if !(f.Key.Matches(pi.Key) &&
		f.ProcessDefinitionId.Matches(pi.ProcessDefinitionId) &&
		f.ProcessDefinitionKey.Matches(pi.ProcessDefinitionKey) &&
		f.State.Matches(string(pi.State)) &&
		f.StartDate.Matches(&pi.StartDate) &&
		f.EndDate.Matches(pi.EndDate)) {
		return false
	}
	if f.BatchOperationKey != nil {
		matched := false
		for _, key := range pi.BatchOperationKeys {
			if f.BatchOperationKey.Matches(key) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
