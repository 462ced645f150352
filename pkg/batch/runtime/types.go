package runtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// BatchOperationType identifies the per-item operation a batch applies to
// every targeted process instance.
type BatchOperationType string

const (
	BatchOperationTypeCancelProcessInstance  BatchOperationType = "CANCEL_PROCESS_INSTANCE"
	BatchOperationTypeMigrateProcessInstance BatchOperationType = "MIGRATE_PROCESS_INSTANCE"
	BatchOperationTypeModifyProcessInstance  BatchOperationType = "MODIFY_PROCESS_INSTANCE"
)

// BatchOperationState lifecycle of a batch operation:
//
//	ACTIVE --(all items terminal)--> COMPLETED
//
// ACTIVE covers both "not yet started" and "in progress". There is no
// batch-level failed state, per-item failures roll into COMPLETED with a
// non-zero OperationsFailedCount.
type BatchOperationState string

const (
	BatchOperationStateActive    BatchOperationState = "ACTIVE"
	BatchOperationStateCompleted BatchOperationState = "COMPLETED"
)

// BatchOperationItemState lifecycle of a single item. An item transitions
// exactly once from ACTIVE into one of the terminal states.
type BatchOperationItemState string

const (
	BatchOperationItemStateActive    BatchOperationItemState = "ACTIVE"
	BatchOperationItemStateCompleted BatchOperationItemState = "COMPLETED"
	BatchOperationItemStateFailed    BatchOperationItemState = "FAILED"
	BatchOperationItemStateSkipped   BatchOperationItemState = "SKIPPED"
)

func (s BatchOperationItemState) IsTerminal() bool {
	return s != BatchOperationItemStateActive
}

type ActorType string

const (
	ActorTypeUser        ActorType = "USER"
	ActorTypeApplication ActorType = "APPLICATION"
)

// ProcessInstanceState of the process-instance read model the engine keeps.
type ProcessInstanceState string

const (
	ProcessInstanceStateActive     ProcessInstanceState = "ACTIVE"
	ProcessInstanceStateCompleted  ProcessInstanceState = "COMPLETED"
	ProcessInstanceStateTerminated ProcessInstanceState = "TERMINATED"
)

func (s ProcessInstanceState) IsTerminal() bool {
	return s != ProcessInstanceStateActive
}

// InstanceFilter selects the process instances a batch operates on.
// The set of matched instances is resolved once at submission time,
// serialized into the batch record and never re-evaluated.
type InstanceFilter struct {
	ProcessDefinitionId  string                 `json:"processDefinitionId,omitempty"`
	ProcessDefinitionKey int64                  `json:"processDefinitionKey,omitempty"`
	States               []ProcessInstanceState `json:"states,omitempty"`
	Keys                 []int64                `json:"keys,omitempty"`
	// ConditionExpression is an optional script evaluated against the
	// instance variables, instances where it does not evaluate to true
	// are excluded from the snapshot.
	ConditionExpression string `json:"conditionExpression,omitempty"`
}

// Empty reports whether the filter carries no predicate at all.
func (f InstanceFilter) Empty() bool {
	return f.ProcessDefinitionId == "" &&
		f.ProcessDefinitionKey == 0 &&
		len(f.States) == 0 &&
		len(f.Keys) == 0 &&
		f.ConditionExpression == ""
}

// OperationPayload carries the type-specific parameters of a batch
// operation. Exactly one concrete payload exists per BatchOperationType.
type OperationPayload interface {
	operationPayload()
}

// CancelPayload - cancellation needs no parameters.
type CancelPayload struct{}

func (CancelPayload) operationPayload() {}

// MigrationPlan maps element ids of the source process definition onto the
// target definition the instances are migrated to.
type MigrationPlan struct {
	TargetProcessDefinitionKey int64                  `json:"targetProcessDefinitionKey"`
	Instructions               []MigrationInstruction `json:"instructions"`
}

func (MigrationPlan) operationPayload() {}

type MigrationInstruction struct {
	SourceElementId string `json:"sourceElementId"`
	TargetElementId string `json:"targetElementId"`
}

// ModificationPlan moves active execution tokens between elements of the
// same process definition. The instructions of one item apply atomically,
// either all of them succeed or the item is marked failed.
type ModificationPlan struct {
	Instructions []ModifyInstruction `json:"instructions"`
}

func (ModificationPlan) operationPayload() {}

type ModifyInstruction struct {
	SourceElementId string `json:"sourceElementId"`
	TargetElementId string `json:"targetElementId"`
}

// MarshalPayload serializes a payload for storage. The payload variant is
// recovered from the batch operation type on read, see UnmarshalPayload.
func MarshalPayload(payload OperationPayload) ([]byte, error) {
	if payload == nil {
		payload = CancelPayload{}
	}
	return json.Marshal(payload)
}

func UnmarshalPayload(operationType BatchOperationType, data []byte) (OperationPayload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch operationType {
	case BatchOperationTypeCancelProcessInstance:
		return CancelPayload{}, nil
	case BatchOperationTypeMigrateProcessInstance:
		var plan MigrationPlan
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to unmarshal migration plan: %w", err)
		}
		return plan, nil
	case BatchOperationTypeModifyProcessInstance:
		var plan ModificationPlan
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to unmarshal modification plan: %w", err)
		}
		return plan, nil
	}
	return nil, fmt.Errorf("unknown batch operation type %s", operationType)
}

// BatchOperation is the durable record of one bulk command. The counters
// are mutated only by item-completion events and are monotonically
// non-decreasing, OperationsCompletedCount+OperationsFailedCount never
// exceeds OperationsTotalCount and equality holds exactly in COMPLETED.
type BatchOperation struct {
	Key                      int64
	Type                     BatchOperationType
	State                    BatchOperationState
	Filter                   InstanceFilter
	Payload                  OperationPayload
	OperationsTotalCount     int64
	OperationsCompletedCount int64
	OperationsFailedCount    int64
	StartDate                time.Time
	EndDate                  *time.Time
	ActorId                  string
	ActorType                ActorType
}

func (b *BatchOperation) GetKey() int64 {
	return b.Key
}

// BatchOperationItem is one targeted entity within a batch. Items are
// created at batch-start time and are never added or removed afterwards.
type BatchOperationItem struct {
	BatchOperationKey int64
	ItemKey           int64
	Type              BatchOperationType
	State             BatchOperationItemState
	ProcessedDate     *time.Time
	ErrorMessage      string
}

// ProcessInstance is the read-model projection of a process instance the
// batch engine resolves targets from. BatchOperationKeys tags the instance
// with every batch operation that touched it (reverse index for search).
type ProcessInstance struct {
	Key                  int64
	ProcessDefinitionId  string
	ProcessDefinitionKey int64
	State                ProcessInstanceState
	Variables            map[string]any
	StartDate            time.Time
	EndDate              *time.Time
	BatchOperationKeys   []int64
}

func (pi *ProcessInstance) GetKey() int64 {
	return pi.Key
}

func (pi *ProcessInstance) HasBatchOperationKey(key int64) bool {
	for _, k := range pi.BatchOperationKeys {
		if k == key {
			return true
		}
	}
	return false
}
