package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zenbatch/internal/rest"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/ptr"
)

func seedInstances(t *testing.T, definitionId string, keys ...int64) {
	t.Helper()
	for i, key := range keys {
		err := app.store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{
			Key:                  key,
			ProcessDefinitionId:  definitionId,
			ProcessDefinitionKey: 1,
			State:                runtime.ProcessInstanceStateActive,
			Variables:            map[string]any{"amount": float64((i + 1) * 100)},
			StartDate:            time.Now(),
		})
		require.NoError(t, err)
	}
}

func createBatchOperation(t *testing.T, req rest.CreateBatchOperationRequest) rest.BatchOperation {
	t.Helper()
	body, err := app.NewRequest(t).
		WithMethod(http.MethodPost).
		WithPath("/v1/batch-operations").
		WithBody(req).
		DoOk()
	require.NoError(t, err)
	var op rest.BatchOperation
	require.NoError(t, json.Unmarshal(body, &op))
	require.NotZero(t, op.Key)
	return op
}

func awaitCompletion(t *testing.T, key rest.Key) rest.BatchOperation {
	t.Helper()
	var op rest.BatchOperation
	require.Eventually(t, func() bool {
		body, err := app.NewRequest(t).
			WithPath(fmt.Sprintf("/v1/batch-operations/%d", int64(key))).
			DoOk()
		if err != nil {
			return false
		}
		if err := json.Unmarshal(body, &op); err != nil {
			return false
		}
		return op.State == string(runtime.BatchOperationStateCompleted)
	}, 15*time.Second, 50*time.Millisecond, "batch operation %d did not complete", int64(key))
	return op
}

func getItems(t *testing.T, key rest.Key) []rest.BatchOperationItem {
	t.Helper()
	body, err := app.NewRequest(t).
		WithPath(fmt.Sprintf("/v1/batch-operations/%d/items", int64(key))).
		DoOk()
	require.NoError(t, err)
	var res struct {
		Items []rest.BatchOperationItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	return res.Items
}

func searchInstancesByBatch(t *testing.T, key rest.Key) rest.ProcessInstancesPage {
	t.Helper()
	body, err := app.NewRequest(t).
		WithMethod(http.MethodPost).
		WithPath("/v1/process-instances/search").
		WithBody(rest.SearchProcessInstancesRequest{
			Filter: rest.ProcessInstanceFilter{
				BatchOperationKey: &rest.Int64Filter{Eq: ptr.To(key)},
			},
		}).
		DoOk()
	require.NoError(t, err)
	var page rest.ProcessInstancesPage
	require.NoError(t, json.Unmarshal(body, &page))
	return page
}

func TestCancelBatchOperation(t *testing.T) {
	seedInstances(t, "e2e-cancel", 9001, 9002, 9003)

	op := createBatchOperation(t, rest.CreateBatchOperationRequest{
		Type:    string(runtime.BatchOperationTypeCancelProcessInstance),
		Filter:  rest.InstanceFilter{ProcessDefinitionId: "e2e-cancel"},
		ActorId: "e2e",
	})
	assert.Equal(t, int64(3), op.OperationsTotalCount)

	done := awaitCompletion(t, op.Key)
	assert.Equal(t, int64(3), done.OperationsCompletedCount)
	assert.Equal(t, int64(0), done.OperationsFailedCount)
	assert.NotNil(t, done.EndDate)

	assert.ElementsMatch(t, []int64{9001, 9002, 9003}, app.engine.Calls("cancel"))

	items := getItems(t, op.Key)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, string(runtime.BatchOperationItemStateCompleted), item.State)
		assert.NotNil(t, item.ProcessedDate)
	}

	// the read model reflects the cancellation
	require.Eventually(t, func() bool {
		page := searchInstancesByBatch(t, op.Key)
		return len(page.Items) == 3
	}, 15*time.Second, 50*time.Millisecond)
	for _, pi := range searchInstancesByBatch(t, op.Key).Items {
		assert.Equal(t, string(runtime.ProcessInstanceStateTerminated), pi.State)
		assert.Contains(t, pi.BatchOperationKeys, op.Key)
	}
}

func TestMigrateBatchOperationIsolatesFailure(t *testing.T) {
	seedInstances(t, "e2e-migrate", 9101, 9102)
	app.engine.MarkFailing(9102)

	op := createBatchOperation(t, rest.CreateBatchOperationRequest{
		Type:   string(runtime.BatchOperationTypeMigrateProcessInstance),
		Filter: rest.InstanceFilter{ProcessDefinitionId: "e2e-migrate"},
		MigrationPlan: &rest.MigrationPlan{
			TargetProcessDefinitionKey: 77,
			Instructions: []rest.MigrationInstruction{
				{SourceElementId: "taskA", TargetElementId: "taskB"},
			},
		},
	})

	done := awaitCompletion(t, op.Key)
	assert.Equal(t, int64(2), done.OperationsTotalCount)
	assert.Equal(t, int64(1), done.OperationsCompletedCount)
	assert.Equal(t, int64(1), done.OperationsFailedCount)

	items := getItems(t, op.Key)
	require.Len(t, items, 2)
	states := map[string]string{}
	for _, item := range items {
		states[item.State] = item.ErrorMessage
	}
	assert.Contains(t, states, string(runtime.BatchOperationItemStateCompleted))
	assert.Contains(t, states, string(runtime.BatchOperationItemStateFailed))
	assert.NotEmpty(t, states[string(runtime.BatchOperationItemStateFailed)], "failed items carry the executor error")
}

func TestModifyBatchOperationSkipsTerminalInstances(t *testing.T) {
	seedInstances(t, "e2e-modify", 9201, 9202)
	// the engine reports this one as already finished
	app.engine.MarkConflicting(9202)

	op := createBatchOperation(t, rest.CreateBatchOperationRequest{
		Type:   string(runtime.BatchOperationTypeModifyProcessInstance),
		Filter: rest.InstanceFilter{ProcessDefinitionId: "e2e-modify"},
		ModificationPlan: &rest.ModificationPlan{
			Instructions: []rest.ModifyInstruction{
				{SourceElementId: "taskA", TargetElementId: "taskB"},
			},
		},
	})

	done := awaitCompletion(t, op.Key)
	assert.Equal(t, int64(2), done.OperationsTotalCount)
	assert.Equal(t, int64(2), done.OperationsCompletedCount, "skipped items count as completed work")
	assert.Equal(t, int64(0), done.OperationsFailedCount)

	items := getItems(t, op.Key)
	require.Len(t, items, 2)
	states := make([]string, 0, 2)
	for _, item := range items {
		states = append(states, item.State)
	}
	assert.ElementsMatch(t, []string{
		string(runtime.BatchOperationItemStateCompleted),
		string(runtime.BatchOperationItemStateSkipped),
	}, states)
}

func TestConditionExpressionSelectsInstances(t *testing.T) {
	// amounts are 100 and 200, only the second one matches
	seedInstances(t, "e2e-condition", 9301, 9302)

	op := createBatchOperation(t, rest.CreateBatchOperationRequest{
		Type: string(runtime.BatchOperationTypeCancelProcessInstance),
		Filter: rest.InstanceFilter{
			ProcessDefinitionId: "e2e-condition",
			ConditionExpression: "amount > 100",
		},
	})
	assert.Equal(t, int64(1), op.OperationsTotalCount)

	done := awaitCompletion(t, op.Key)
	assert.Equal(t, int64(1), done.OperationsCompletedCount)

	items := getItems(t, op.Key)
	require.Len(t, items, 1)
}
