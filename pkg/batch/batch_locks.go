package batch

import (
	"sync"
)

type batchLock struct {
	mu   sync.Mutex
	refs int
}

// batchLocks serializes counter updates per batch operation. Items of
// different batches never contend with each other.
type batchLocks struct {
	mu    sync.Mutex
	locks map[int64]*batchLock
}

func newBatchLocks() *batchLocks {
	return &batchLocks{
		locks: map[int64]*batchLock{},
	}
}

func (c *batchLocks) lock(batchOperationKey int64) {
	c.mu.Lock()
	l, ok := c.locks[batchOperationKey]
	if !ok {
		l = &batchLock{}
		c.locks[batchOperationKey] = l
	}
	l.refs++
	c.mu.Unlock()
	l.mu.Lock()
}

func (c *batchLocks) unlock(batchOperationKey int64) {
	c.mu.Lock()
	l := c.locks[batchOperationKey]
	l.refs--
	if l.refs == 0 {
		delete(c.locks, batchOperationKey)
	}
	c.mu.Unlock()
	l.mu.Unlock()
}
