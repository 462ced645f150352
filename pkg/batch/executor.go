package batch

import (
	"context"
	"errors"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
)

// ErrInstanceNotActive is returned by an ItemExecutor when the target
// process instance already reached a terminal state. The dispatcher records
// such items as SKIPPED instead of FAILED.
var ErrInstanceNotActive = errors.New("process instance is not active")

// ItemExecutor performs the engine-specific operation for a single item.
// Implementations talk to the process engine that owns the instances, any
// returned error is recorded on the item and never aborts sibling items.
type ItemExecutor interface {
	CancelProcessInstance(ctx context.Context, processInstanceKey int64) error

	// MigrateProcessInstance applies the element mapping plan, it succeeds
	// only if every instruction applies cleanly to the current instance state
	MigrateProcessInstance(ctx context.Context, processInstanceKey int64, plan runtime.MigrationPlan) error

	// ModifyProcessInstance applies the move instructions atomically, either
	// all of them succeed or the call fails as a whole
	ModifyProcessInstance(ctx context.Context, processInstanceKey int64, plan runtime.ModificationPlan) error
}
