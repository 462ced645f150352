package storage

import (
	"fmt"
	"time"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
)

// Sort-key tuple builders shared by the storage drivers. Every builder
// appends the full entity identity as the final ascending tie-breaker so
// the produced ordering is total and cursors stay unambiguous. For items
// the identity is the composite (batch operation key, item key), the same
// process instance can be targeted by several batches.

func BatchOperationSortTuple(op runtime.BatchOperation, sort []SortField) ([]SortValue, error) {
	tuple := make([]SortValue, 0, len(sort)+1)
	for _, s := range sort {
		switch s.Field {
		case "key":
			tuple = append(tuple, IntValue(op.Key))
		case "type":
			tuple = append(tuple, StringValue(string(op.Type)))
		case "state":
			tuple = append(tuple, StringValue(string(op.State)))
		case "actorId":
			tuple = append(tuple, StringValue(op.ActorId))
		case "startDate":
			tuple = append(tuple, TimeValue(op.StartDate))
		case "endDate":
			tuple = append(tuple, NullableTimeValue(op.EndDate))
		case "operationsTotalCount":
			tuple = append(tuple, IntValue(op.OperationsTotalCount))
		case "operationsCompletedCount":
			tuple = append(tuple, IntValue(op.OperationsCompletedCount))
		case "operationsFailedCount":
			tuple = append(tuple, IntValue(op.OperationsFailedCount))
		default:
			return nil, fmt.Errorf("unknown batch operation sort field %s", s.Field)
		}
	}
	return append(tuple, IntValue(op.Key)), nil
}

func BatchOperationItemSortTuple(item runtime.BatchOperationItem, sort []SortField) ([]SortValue, error) {
	tuple := make([]SortValue, 0, len(sort)+2)
	for _, s := range sort {
		switch s.Field {
		case "batchOperationKey":
			tuple = append(tuple, IntValue(item.BatchOperationKey))
		case "itemKey":
			tuple = append(tuple, IntValue(item.ItemKey))
		case "type":
			tuple = append(tuple, StringValue(string(item.Type)))
		case "state":
			tuple = append(tuple, StringValue(string(item.State)))
		case "processedDate":
			tuple = append(tuple, NullableTimeValue(item.ProcessedDate))
		default:
			return nil, fmt.Errorf("unknown batch operation item sort field %s", s.Field)
		}
	}
	return append(tuple, IntValue(item.BatchOperationKey), IntValue(item.ItemKey)), nil
}

func ProcessInstanceSortTuple(pi runtime.ProcessInstance, sort []SortField) ([]SortValue, error) {
	tuple := make([]SortValue, 0, len(sort)+1)
	for _, s := range sort {
		switch s.Field {
		case "key":
			tuple = append(tuple, IntValue(pi.Key))
		case "processDefinitionId":
			tuple = append(tuple, StringValue(pi.ProcessDefinitionId))
		case "processDefinitionKey":
			tuple = append(tuple, IntValue(pi.ProcessDefinitionKey))
		case "state":
			tuple = append(tuple, StringValue(string(pi.State)))
		case "startDate":
			tuple = append(tuple, TimeValue(pi.StartDate))
		case "endDate":
			tuple = append(tuple, NullableTimeValue(pi.EndDate))
		default:
			return nil, fmt.Errorf("unknown process instance sort field %s", s.Field)
		}
	}
	return append(tuple, IntValue(pi.Key)), nil
}

func NullableTimeValue(t *time.Time) SortValue {
	if t == nil {
		return NullValue()
	}
	return TimeValue(*t)
}
