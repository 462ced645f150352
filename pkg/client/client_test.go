package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zenbatch/pkg/batch"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
)

func TestCancelProcessInstance(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewProcessEngineClient(srv.URL)
	err := c.CancelProcessInstance(t.Context(), 42)
	assert.NoError(t, err)
	assert.Equal(t, "/v1/process-instances/42/cancel", gotPath)
}

func TestMigrateProcessInstanceSendsPlan(t *testing.T) {
	var gotPlan runtime.MigrationPlan
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/process-instances/7/migration", r.URL.Path)
		err := json.NewDecoder(r.Body).Decode(&gotPlan)
		assert.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	plan := runtime.MigrationPlan{
		TargetProcessDefinitionKey: 77,
		Instructions: []runtime.MigrationInstruction{
			{SourceElementId: "taskA", TargetElementId: "taskB"},
		},
	}
	c := NewProcessEngineClient(srv.URL)
	err := c.MigrateProcessInstance(t.Context(), 7, plan)
	require.NoError(t, err)
	assert.Equal(t, plan, gotPlan)
}

// A conflict means the instance already reached a terminal state, the
// dispatcher skips such items instead of failing them.
func TestConflictMapsToInstanceNotActive(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewProcessEngineClient(srv.URL)
	err := c.CancelProcessInstance(t.Context(), 42)
	assert.ErrorIs(t, err, batch.ErrInstanceNotActive)
	assert.Equal(t, int32(1), calls.Load(), "conflicts are not retried")
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewProcessEngineClient(srv.URL)
	err := c.CancelProcessInstance(t.Context(), 42)
	assert.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"INVALID_ARGUMENT","message":"unknown element taskZ"}`))
	}))
	defer srv.Close()

	c := NewProcessEngineClient(srv.URL)
	err := c.ModifyProcessInstance(t.Context(), 42, runtime.ModificationPlan{
		Instructions: []runtime.ModifyInstruction{{SourceElementId: "taskA", TargetElementId: "taskZ"}},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, batch.ErrInstanceNotActive)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "unknown element taskZ")
}
