package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zenbatch/internal/config"
	apierror "github.com/pbinitiative/zenbatch/internal/rest/error"
	"github.com/pbinitiative/zenbatch/pkg/batch"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/ptr"
	"github.com/pbinitiative/zenbatch/pkg/script/js"
	"github.com/pbinitiative/zenbatch/pkg/storage"
	"github.com/pbinitiative/zenbatch/pkg/storage/inmemory"
)

type noopExecutor struct{}

func (noopExecutor) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return nil
}

func (noopExecutor) MigrateProcessInstance(ctx context.Context, processInstanceKey int64, plan runtime.MigrationPlan) error {
	return nil
}

func (noopExecutor) ModifyProcessInstance(ctx context.Context, processInstanceKey int64, plan runtime.ModificationPlan) error {
	return nil
}

func setupServer(t *testing.T) (string, storage.Storage, *batch.Engine) {
	t.Helper()
	store := inmemory.NewStorage()
	engine := batch.NewEngine(
		batch.EngineWithStorage(store),
		batch.EngineWithExecutor(noopExecutor{}),
		batch.EngineWithScriptRuntime(js.NewJsRuntime(t.Context(), 2, 1)),
	)
	require.NoError(t, engine.Start(t.Context()))
	t.Cleanup(engine.Stop)

	conf := config.Config{}
	conf.HttpServer.Addr = "127.0.0.1:0"
	srv := NewServer(&engine, conf)
	listener, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	return fmt.Sprintf("http://%s", listener.Addr().String()), store, &engine
}

func doJSON(t *testing.T, method, url string, body any, out any) (int, apierror.ApiError) {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var apiErr apierror.ApiError
	if resp.StatusCode >= 400 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
		return resp.StatusCode, apiErr
	}
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode, apiErr
}

func seedRestInstances(t *testing.T, store storage.Storage, definitionId string, count int) []int64 {
	t.Helper()
	keys := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		key := int64(2000 + i)
		err := store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{
			Key:                  key,
			ProcessDefinitionId:  definitionId,
			ProcessDefinitionKey: 1,
			State:                runtime.ProcessInstanceStateActive,
			StartDate:            time.Now(),
		})
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return keys
}

func TestKeyJSON(t *testing.T) {
	data, err := json.Marshal(Key(7203972319752882176))
	require.NoError(t, err)
	assert.Equal(t, `"7203972319752882176"`, string(data), "keys are rendered as strings")

	var k Key
	require.NoError(t, json.Unmarshal([]byte(`"42"`), &k))
	assert.Equal(t, Key(42), k)

	require.NoError(t, json.Unmarshal([]byte(`42`), &k), "numeric input is accepted")
	assert.Equal(t, Key(42), k)

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &k))
}

func TestCreateAndGetBatchOperation(t *testing.T) {
	baseURL, store, _ := setupServer(t)
	seedRestInstances(t, store, "order-process", 2)

	var created BatchOperation
	status, _ := doJSON(t, http.MethodPost, baseURL+"/v1/batch-operations", CreateBatchOperationRequest{
		Type:      string(runtime.BatchOperationTypeCancelProcessInstance),
		Filter:    InstanceFilter{ProcessDefinitionId: "order-process"},
		ActorId:   "tester",
		ActorType: string(runtime.ActorTypeUser),
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.NotZero(t, created.Key)
	assert.Equal(t, int64(2), created.OperationsTotalCount)
	assert.Equal(t, "tester", created.ActorId)
	assert.Equal(t, string(runtime.ActorTypeUser), created.ActorType)

	var fetched BatchOperation
	require.Eventually(t, func() bool {
		status, _ := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/batch-operations/%d", baseURL, int64(created.Key)), nil, &fetched)
		return status == http.StatusOK && fetched.State == string(runtime.BatchOperationStateCompleted)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(2), fetched.OperationsCompletedCount)
	assert.NotNil(t, fetched.EndDate)

	var items struct {
		Items []BatchOperationItem `json:"items"`
	}
	status, _ = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/batch-operations/%d/items", baseURL, int64(created.Key)), nil, &items)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, items.Items, 2)
	for _, item := range items.Items {
		assert.Equal(t, created.Key, item.BatchOperationKey)
		assert.Equal(t, string(runtime.BatchOperationItemStateCompleted), item.State)
	}
}

func TestGetBatchOperationNotFound(t *testing.T) {
	baseURL, _, _ := setupServer(t)

	status, apiErr := doJSON(t, http.MethodGet, baseURL+"/v1/batch-operations/42", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", apiErr.Type)
	assert.Equal(t, "batch operation with key 42 was not found", apiErr.Message)

	status, apiErr = doJSON(t, http.MethodGet, baseURL+"/v1/batch-operations/42/items", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", apiErr.Type)
}

func TestCreateBatchOperationValidation(t *testing.T) {
	baseURL, _, _ := setupServer(t)

	status, apiErr := doJSON(t, http.MethodPost, baseURL+"/v1/batch-operations", CreateBatchOperationRequest{
		Type:   string(runtime.BatchOperationTypeMigrateProcessInstance),
		Filter: InstanceFilter{ProcessDefinitionId: "order-process"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_ARGUMENT", apiErr.Type)
	assert.Contains(t, apiErr.Message, "migration plan")
}

func TestCreateBatchOperationBadJson(t *testing.T) {
	baseURL, _, _ := setupServer(t)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, baseURL+"/v1/batch-operations", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchBatchOperations(t *testing.T) {
	baseURL, store, engine := setupServer(t)
	seedRestInstances(t, store, "order-process", 1)

	var keys []Key
	for i := 0; i < 3; i++ {
		op, err := engine.CreateBatchOperation(t.Context(), batch.CreateBatchOperationCommand{
			Type:    runtime.BatchOperationTypeCancelProcessInstance,
			Filter:  runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
			ActorId: "search-tester",
		})
		require.NoError(t, err)
		keys = append(keys, Key(op.Key))
	}

	var page BatchOperationsPage
	status, _ := doJSON(t, http.MethodPost, baseURL+"/v1/batch-operations/search", SearchBatchOperationsRequest{
		Filter: BatchOperationFilter{
			ActorId: &StringFilter{Eq: ptr.To("search-tester")},
		},
		Sort: []SortField{{Field: "key", Order: "DESC"}},
		Page: PageRequest{Limit: 2},
	}, &page)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(3), page.PageMetadata.TotalCount)
	require.Len(t, page.Items, 2)
	assert.Equal(t, keys[2], page.Items[0].Key, "descending key order")
	assert.Equal(t, keys[1], page.Items[1].Key)
	assert.NotEmpty(t, page.PageMetadata.LastCursor)

	// follow the cursor to the second page
	var next BatchOperationsPage
	status, _ = doJSON(t, http.MethodPost, baseURL+"/v1/batch-operations/search", SearchBatchOperationsRequest{
		Filter: BatchOperationFilter{
			ActorId: &StringFilter{Eq: ptr.To("search-tester")},
		},
		Sort: []SortField{{Field: "key", Order: "DESC"}},
		Page: PageRequest{Limit: 2, After: page.PageMetadata.LastCursor},
	}, &next)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, next.Items, 1)
	assert.Equal(t, keys[0], next.Items[0].Key)
}

func TestSearchRejectsUnknownSortField(t *testing.T) {
	baseURL, _, _ := setupServer(t)

	status, apiErr := doJSON(t, http.MethodPost, baseURL+"/v1/batch-operations/search", SearchBatchOperationsRequest{
		Sort: []SortField{{Field: "secretColumn"}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_ARGUMENT", apiErr.Type)
	assert.Contains(t, apiErr.Message, "unknown sort field")
}

func TestSearchRejectsMalformedCursor(t *testing.T) {
	baseURL, _, _ := setupServer(t)

	status, apiErr := doJSON(t, http.MethodPost, baseURL+"/v1/batch-operations/search", SearchBatchOperationsRequest{
		Page: PageRequest{After: "%%%broken"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_ARGUMENT", apiErr.Type)
}

func TestSearchProcessInstancesByBatchOperation(t *testing.T) {
	baseURL, store, engine := setupServer(t)
	seedRestInstances(t, store, "order-process", 3)

	op, err := engine.CreateBatchOperation(t.Context(), batch.CreateBatchOperationCommand{
		Type:   runtime.BatchOperationTypeCancelProcessInstance,
		Filter: runtime.InstanceFilter{ProcessDefinitionId: "order-process"},
	})
	require.NoError(t, err)

	var page ProcessInstancesPage
	require.Eventually(t, func() bool {
		status, _ := doJSON(t, http.MethodPost, baseURL+"/v1/process-instances/search", SearchProcessInstancesRequest{
			Filter: ProcessInstanceFilter{
				BatchOperationKey: &Int64Filter{Eq: ptr.To(Key(op.Key))},
			},
		}, &page)
		return status == http.StatusOK && len(page.Items) == 3
	}, 5*time.Second, 20*time.Millisecond, "all touched instances are tagged")
	for _, pi := range page.Items {
		assert.Contains(t, pi.BatchOperationKeys, Key(op.Key))
		assert.Equal(t, string(runtime.ProcessInstanceStateTerminated), pi.State)
	}
}

func TestStartFailsWhenAddressIsBusy(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	engine := batch.NewEngine(
		batch.EngineWithStorage(inmemory.NewStorage()),
		batch.EngineWithExecutor(noopExecutor{}),
	)
	conf := config.Config{}
	conf.HttpServer.Addr = occupied.Addr().String()
	srv := NewServer(&engine, conf)

	listener, err := srv.Start()
	assert.Error(t, err)
	assert.Nil(t, listener)
}

func TestSystemStatus(t *testing.T) {
	baseURL, _, _ := setupServer(t)

	var status map[string]string
	code, _ := doJSON(t, http.MethodGet, baseURL+"/system/status", nil, &status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "UP", status["status"])
	assert.NotEmpty(t, status["name"])
}
