package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/script"
	"github.com/pbinitiative/zenbatch/pkg/storage"
)

// itemResolver snapshots the set of process instances a batch operates on.
// Resolution runs once at submission time, before the batch record is
// created, the resolved set never grows or shrinks afterwards.
type itemResolver struct {
	persistence storage.ProcessInstanceStorageReader
	scripts     script.ScriptRuntime
	chunkSize   int
}

func (r *itemResolver) validateFilter(filter runtime.InstanceFilter) error {
	if filter.Empty() {
		return newValidationErrorf("filter must contain at least one predicate")
	}
	for _, state := range filter.States {
		switch state {
		case runtime.ProcessInstanceStateActive, runtime.ProcessInstanceStateCompleted, runtime.ProcessInstanceStateTerminated:
		default:
			return newValidationErrorf("unknown process instance state %s in filter", state)
		}
	}
	if filter.ConditionExpression != "" {
		if r.scripts == nil {
			return newValidationErrorf("condition expressions are not supported by this engine instance")
		}
		if err := r.scripts.Validate(filter.ConditionExpression); err != nil {
			return errors.Join(newValidationErrorf("invalid condition expression"), err)
		}
	}
	return nil
}

// resolve returns the keys of all matching instances, ordered ascending.
// The read-model is paged through in chunks keyed on the last seen
// instance key so an unbounded filter never loads the whole table at once.
func (r *itemResolver) resolve(ctx context.Context, filter runtime.InstanceFilter) ([]int64, error) {
	if err := r.validateFilter(filter); err != nil {
		return nil, err
	}

	searchFilter := storage.ProcessInstanceFilter{}
	if len(filter.Keys) > 0 {
		searchFilter.Key = &storage.Int64Predicate{In: filter.Keys}
	}
	if filter.ProcessDefinitionId != "" {
		searchFilter.ProcessDefinitionId = &storage.StringPredicate{Eq: &filter.ProcessDefinitionId}
	}
	if filter.ProcessDefinitionKey != 0 {
		searchFilter.ProcessDefinitionKey = &storage.Int64Predicate{Eq: &filter.ProcessDefinitionKey}
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		searchFilter.State = &storage.StringPredicate{In: states}
	}

	keys := make([]int64, 0)
	lastKey := int64(0)
	for {
		chunkFilter := searchFilter
		if lastKey > 0 {
			chunkFilter.Key = mergeGtPredicate(searchFilter.Key, lastKey)
		}
		page, err := r.persistence.SearchProcessInstances(ctx, storage.SearchQuery[storage.ProcessInstanceFilter]{
			Filter: chunkFilter,
			Sort:   []storage.SortField{{Field: "key", Order: storage.SortOrderAsc}},
			Page:   storage.Page{Limit: r.chunkSize},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve batch items: %w", err)
		}
		for _, pi := range page.Items {
			match, err := r.matchesCondition(filter, pi)
			if err != nil {
				return nil, err
			}
			if match {
				keys = append(keys, pi.Key)
			}
			lastKey = pi.Key
		}
		if len(page.Items) < r.chunkSize {
			break
		}
	}
	return keys, nil
}

func (r *itemResolver) matchesCondition(filter runtime.InstanceFilter, pi runtime.ProcessInstance) (bool, error) {
	if filter.ConditionExpression == "" {
		return true, nil
	}
	res, err := r.scripts.Evaluate(filter.ConditionExpression, pi.Variables)
	if err != nil {
		return false, errors.Join(newValidationErrorf("failed to evaluate condition expression for instance %d", pi.Key), err)
	}
	match, ok := res.(bool)
	if !ok {
		return false, newValidationErrorf("condition expression must evaluate to a boolean, got %T", res)
	}
	return match, nil
}

func mergeGtPredicate(p *storage.Int64Predicate, lastKey int64) *storage.Int64Predicate {
	merged := storage.Int64Predicate{Gt: &lastKey}
	if p != nil {
		merged.Eq = p.Eq
		merged.Neq = p.Neq
		merged.In = p.In
		merged.NotIn = p.NotIn
	}
	return &merged
}
