package rest

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/storage"
)

// Key is an int64 identifier rendered as a JSON string so that JavaScript
// clients do not lose precision on snowflake-sized values. Numeric input is
// accepted as well.
type Key int64

func (k Key) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(k), 10))), nil
}

func (k *Key) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid key %s", string(data))
	}
	*k = Key(v)
	return nil
}

func keysToInt64(keys []Key) []int64 {
	if len(keys) == 0 {
		return nil
	}
	res := make([]int64, len(keys))
	for i, k := range keys {
		res[i] = int64(k)
	}
	return res
}

func int64ToKeys(vs []int64) []Key {
	res := make([]Key, len(vs))
	for i, v := range vs {
		res[i] = Key(v)
	}
	return res
}

// Int64Filter is the wire form of a storage.Int64Predicate.
type Int64Filter struct {
	Eq    *Key  `json:"eq,omitempty"`
	Neq   *Key  `json:"neq,omitempty"`
	In    []Key `json:"in,omitempty"`
	NotIn []Key `json:"notIn,omitempty"`
	Gt    *Key  `json:"gt,omitempty"`
	Gte   *Key  `json:"gte,omitempty"`
	Lt    *Key  `json:"lt,omitempty"`
	Lte   *Key  `json:"lte,omitempty"`
}

func (f *Int64Filter) toPredicate() *storage.Int64Predicate {
	if f == nil {
		return nil
	}
	p := storage.Int64Predicate{
		In:    keysToInt64(f.In),
		NotIn: keysToInt64(f.NotIn),
	}
	if f.Eq != nil {
		p.Eq = (*int64)(f.Eq)
	}
	if f.Neq != nil {
		p.Neq = (*int64)(f.Neq)
	}
	if f.Gt != nil {
		p.Gt = (*int64)(f.Gt)
	}
	if f.Gte != nil {
		p.Gte = (*int64)(f.Gte)
	}
	if f.Lt != nil {
		p.Lt = (*int64)(f.Lt)
	}
	if f.Lte != nil {
		p.Lte = (*int64)(f.Lte)
	}
	return &p
}

// StringFilter is the wire form of a storage.StringPredicate.
type StringFilter struct {
	Eq     *string  `json:"eq,omitempty"`
	Neq    *string  `json:"neq,omitempty"`
	In     []string `json:"in,omitempty"`
	NotIn  []string `json:"notIn,omitempty"`
	Like   *string  `json:"like,omitempty"`
	Exists *bool    `json:"exists,omitempty"`
}

func (f *StringFilter) toPredicate() *storage.StringPredicate {
	if f == nil {
		return nil
	}
	return &storage.StringPredicate{
		Eq:     f.Eq,
		Neq:    f.Neq,
		In:     f.In,
		NotIn:  f.NotIn,
		Like:   f.Like,
		Exists: f.Exists,
	}
}

// DateFilter is the wire form of a storage.TimePredicate.
type DateFilter struct {
	Before *time.Time `json:"before,omitempty"`
	After  *time.Time `json:"after,omitempty"`
	Exists *bool      `json:"exists,omitempty"`
}

func (f *DateFilter) toPredicate() *storage.TimePredicate {
	if f == nil {
		return nil
	}
	return &storage.TimePredicate{
		Before: f.Before,
		After:  f.After,
		Exists: f.Exists,
	}
}

type SortField struct {
	Field string `json:"field"`
	Order string `json:"order,omitempty"`
}

// PageRequest selects the result window, either offset style via from/limit
// or cursor style via after/before. A cursor wins over from.
type PageRequest struct {
	From   int    `json:"from,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	After  string `json:"after,omitempty"`
	Before string `json:"before,omitempty"`
}

type PageMetadata struct {
	TotalCount  int64  `json:"totalCount"`
	FirstCursor string `json:"firstCursor,omitempty"`
	LastCursor  string `json:"lastCursor,omitempty"`
}

// InstanceFilter selects the process instances a batch operates on.
type InstanceFilter struct {
	ProcessDefinitionId  string   `json:"processDefinitionId,omitempty"`
	ProcessDefinitionKey Key      `json:"processDefinitionKey,omitempty"`
	States               []string `json:"states,omitempty"`
	Keys                 []Key    `json:"keys,omitempty"`
	ConditionExpression  string   `json:"conditionExpression,omitempty"`
}

func (f InstanceFilter) toRuntime() runtime.InstanceFilter {
	states := make([]runtime.ProcessInstanceState, len(f.States))
	for i, s := range f.States {
		states[i] = runtime.ProcessInstanceState(s)
	}
	return runtime.InstanceFilter{
		ProcessDefinitionId:  f.ProcessDefinitionId,
		ProcessDefinitionKey: int64(f.ProcessDefinitionKey),
		States:               states,
		Keys:                 keysToInt64(f.Keys),
		ConditionExpression:  f.ConditionExpression,
	}
}

func instanceFilterFromRuntime(f runtime.InstanceFilter) InstanceFilter {
	states := make([]string, len(f.States))
	for i, s := range f.States {
		states[i] = string(s)
	}
	return InstanceFilter{
		ProcessDefinitionId:  f.ProcessDefinitionId,
		ProcessDefinitionKey: Key(f.ProcessDefinitionKey),
		States:               states,
		Keys:                 int64ToKeys(f.Keys),
		ConditionExpression:  f.ConditionExpression,
	}
}

type MigrationInstruction struct {
	SourceElementId string `json:"sourceElementId"`
	TargetElementId string `json:"targetElementId"`
}

type MigrationPlan struct {
	TargetProcessDefinitionKey Key                    `json:"targetProcessDefinitionKey"`
	Instructions               []MigrationInstruction `json:"instructions"`
}

type ModifyInstruction struct {
	SourceElementId string `json:"sourceElementId"`
	TargetElementId string `json:"targetElementId"`
}

type ModificationPlan struct {
	Instructions []ModifyInstruction `json:"instructions"`
}

type CreateBatchOperationRequest struct {
	Type             string            `json:"type"`
	Filter           InstanceFilter    `json:"filter"`
	MigrationPlan    *MigrationPlan    `json:"migrationPlan,omitempty"`
	ModificationPlan *ModificationPlan `json:"modificationPlan,omitempty"`
	ActorId          string            `json:"actorId,omitempty"`
	ActorType        string            `json:"actorType,omitempty"`
}

func (r CreateBatchOperationRequest) payload() runtime.OperationPayload {
	if r.MigrationPlan != nil {
		instructions := make([]runtime.MigrationInstruction, len(r.MigrationPlan.Instructions))
		for i, in := range r.MigrationPlan.Instructions {
			instructions[i] = runtime.MigrationInstruction(in)
		}
		return runtime.MigrationPlan{
			TargetProcessDefinitionKey: int64(r.MigrationPlan.TargetProcessDefinitionKey),
			Instructions:               instructions,
		}
	}
	if r.ModificationPlan != nil {
		instructions := make([]runtime.ModifyInstruction, len(r.ModificationPlan.Instructions))
		for i, in := range r.ModificationPlan.Instructions {
			instructions[i] = runtime.ModifyInstruction(in)
		}
		return runtime.ModificationPlan{Instructions: instructions}
	}
	return nil
}

type BatchOperation struct {
	Key                      Key               `json:"key"`
	Type                     string            `json:"type"`
	State                    string            `json:"state"`
	Filter                   InstanceFilter    `json:"filter"`
	MigrationPlan            *MigrationPlan    `json:"migrationPlan,omitempty"`
	ModificationPlan         *ModificationPlan `json:"modificationPlan,omitempty"`
	OperationsTotalCount     int64             `json:"operationsTotalCount"`
	OperationsCompletedCount int64             `json:"operationsCompletedCount"`
	OperationsFailedCount    int64             `json:"operationsFailedCount"`
	StartDate                time.Time         `json:"startDate"`
	EndDate                  *time.Time        `json:"endDate,omitempty"`
	ActorId                  string            `json:"actorId,omitempty"`
	ActorType                string            `json:"actorType,omitempty"`
}

func batchOperationFromRuntime(op runtime.BatchOperation) BatchOperation {
	res := BatchOperation{
		Key:                      Key(op.Key),
		Type:                     string(op.Type),
		State:                    string(op.State),
		Filter:                   instanceFilterFromRuntime(op.Filter),
		OperationsTotalCount:     op.OperationsTotalCount,
		OperationsCompletedCount: op.OperationsCompletedCount,
		OperationsFailedCount:    op.OperationsFailedCount,
		StartDate:                op.StartDate,
		EndDate:                  op.EndDate,
		ActorId:                  op.ActorId,
		ActorType:                string(op.ActorType),
	}
	switch payload := op.Payload.(type) {
	case runtime.MigrationPlan:
		instructions := make([]MigrationInstruction, len(payload.Instructions))
		for i, in := range payload.Instructions {
			instructions[i] = MigrationInstruction(in)
		}
		res.MigrationPlan = &MigrationPlan{
			TargetProcessDefinitionKey: Key(payload.TargetProcessDefinitionKey),
			Instructions:               instructions,
		}
	case runtime.ModificationPlan:
		instructions := make([]ModifyInstruction, len(payload.Instructions))
		for i, in := range payload.Instructions {
			instructions[i] = ModifyInstruction(in)
		}
		res.ModificationPlan = &ModificationPlan{Instructions: instructions}
	}
	return res
}

type BatchOperationItem struct {
	BatchOperationKey Key        `json:"batchOperationKey"`
	ItemKey           Key        `json:"itemKey"`
	Type              string     `json:"type"`
	State             string     `json:"state"`
	ProcessedDate     *time.Time `json:"processedDate,omitempty"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
}

func batchOperationItemFromRuntime(item runtime.BatchOperationItem) BatchOperationItem {
	return BatchOperationItem{
		BatchOperationKey: Key(item.BatchOperationKey),
		ItemKey:           Key(item.ItemKey),
		Type:              string(item.Type),
		State:             string(item.State),
		ProcessedDate:     item.ProcessedDate,
		ErrorMessage:      item.ErrorMessage,
	}
}

type ProcessInstance struct {
	Key                  Key            `json:"key"`
	ProcessDefinitionId  string         `json:"processDefinitionId"`
	ProcessDefinitionKey Key            `json:"processDefinitionKey"`
	State                string         `json:"state"`
	Variables            map[string]any `json:"variables,omitempty"`
	StartDate            time.Time      `json:"startDate"`
	EndDate              *time.Time     `json:"endDate,omitempty"`
	BatchOperationKeys   []Key          `json:"batchOperationKeys,omitempty"`
}

func processInstanceFromRuntime(pi runtime.ProcessInstance) ProcessInstance {
	return ProcessInstance{
		Key:                  Key(pi.Key),
		ProcessDefinitionId:  pi.ProcessDefinitionId,
		ProcessDefinitionKey: Key(pi.ProcessDefinitionKey),
		State:                string(pi.State),
		Variables:            pi.Variables,
		StartDate:            pi.StartDate,
		EndDate:              pi.EndDate,
		BatchOperationKeys:   int64ToKeys(pi.BatchOperationKeys),
	}
}

type BatchOperationFilter struct {
	Key       *Int64Filter  `json:"key,omitempty"`
	Type      *StringFilter `json:"type,omitempty"`
	State     *StringFilter `json:"state,omitempty"`
	ActorId   *StringFilter `json:"actorId,omitempty"`
	StartDate *DateFilter   `json:"startDate,omitempty"`
	EndDate   *DateFilter   `json:"endDate,omitempty"`
}

func (f BatchOperationFilter) toStorage() storage.BatchOperationFilter {
	return storage.BatchOperationFilter{
		Key:       f.Key.toPredicate(),
		Type:      f.Type.toPredicate(),
		State:     f.State.toPredicate(),
		ActorId:   f.ActorId.toPredicate(),
		StartDate: f.StartDate.toPredicate(),
		EndDate:   f.EndDate.toPredicate(),
	}
}

type BatchOperationItemFilter struct {
	BatchOperationKey *Int64Filter  `json:"batchOperationKey,omitempty"`
	ItemKey           *Int64Filter  `json:"itemKey,omitempty"`
	Type              *StringFilter `json:"type,omitempty"`
	State             *StringFilter `json:"state,omitempty"`
	ProcessedDate     *DateFilter   `json:"processedDate,omitempty"`
}

func (f BatchOperationItemFilter) toStorage() storage.BatchOperationItemFilter {
	return storage.BatchOperationItemFilter{
		BatchOperationKey: f.BatchOperationKey.toPredicate(),
		ItemKey:           f.ItemKey.toPredicate(),
		Type:              f.Type.toPredicate(),
		State:             f.State.toPredicate(),
		ProcessedDate:     f.ProcessedDate.toPredicate(),
	}
}

type ProcessInstanceFilter struct {
	Key                  *Int64Filter  `json:"key,omitempty"`
	ProcessDefinitionId  *StringFilter `json:"processDefinitionId,omitempty"`
	ProcessDefinitionKey *Int64Filter  `json:"processDefinitionKey,omitempty"`
	State                *StringFilter `json:"state,omitempty"`
	BatchOperationKey    *Int64Filter  `json:"batchOperationKey,omitempty"`
	StartDate            *DateFilter   `json:"startDate,omitempty"`
	EndDate              *DateFilter   `json:"endDate,omitempty"`
}

func (f ProcessInstanceFilter) toStorage() storage.ProcessInstanceFilter {
	return storage.ProcessInstanceFilter{
		Key:                  f.Key.toPredicate(),
		ProcessDefinitionId:  f.ProcessDefinitionId.toPredicate(),
		ProcessDefinitionKey: f.ProcessDefinitionKey.toPredicate(),
		State:                f.State.toPredicate(),
		BatchOperationKey:    f.BatchOperationKey.toPredicate(),
		StartDate:            f.StartDate.toPredicate(),
		EndDate:              f.EndDate.toPredicate(),
	}
}

type SearchBatchOperationsRequest struct {
	Filter BatchOperationFilter `json:"filter,omitempty"`
	Sort   []SortField          `json:"sort,omitempty"`
	Page   PageRequest          `json:"page,omitempty"`
}

type SearchBatchOperationItemsRequest struct {
	Filter BatchOperationItemFilter `json:"filter,omitempty"`
	Sort   []SortField              `json:"sort,omitempty"`
	Page   PageRequest              `json:"page,omitempty"`
}

type SearchProcessInstancesRequest struct {
	Filter ProcessInstanceFilter `json:"filter,omitempty"`
	Sort   []SortField           `json:"sort,omitempty"`
	Page   PageRequest           `json:"page,omitempty"`
}

type BatchOperationsPage struct {
	Items        []BatchOperation `json:"items"`
	PageMetadata PageMetadata     `json:"page"`
}

type BatchOperationItemsPage struct {
	Items        []BatchOperationItem `json:"items"`
	PageMetadata PageMetadata         `json:"page"`
}

type ProcessInstancesPage struct {
	Items        []ProcessInstance `json:"items"`
	PageMetadata PageMetadata      `json:"page"`
}
