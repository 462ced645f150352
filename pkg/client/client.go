// Package client talks to the process engine that owns the instances a
// batch operates on.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pbinitiative/zenbatch/pkg/batch"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
)

// ProcessEngineClient executes single-instance operations against the
// process engine REST API. It is the production batch.ItemExecutor.
type ProcessEngineClient struct {
	baseURL string
	http    *resty.Client
}

var _ batch.ItemExecutor = &ProcessEngineClient{}

type ClientOption = func(*ProcessEngineClient)

func NewProcessEngineClient(baseURL string, options ...ClientOption) *ProcessEngineClient {
	client := &ProcessEngineClient{
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	client.http = resty.New().
		SetBaseURL(client.baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// conflicts are a business outcome, never retry them
			return err != nil || r.StatusCode() >= 500
		})

	for _, option := range options {
		option(client)
	}
	return client
}

func ClientWithTimeout(timeout time.Duration) ClientOption {
	return func(client *ProcessEngineClient) {
		client.http.SetTimeout(timeout)
	}
}

func ClientWithHttpClient(hc *http.Client) ClientOption {
	return func(client *ProcessEngineClient) {
		client.http = resty.NewWithClient(hc).
			SetBaseURL(client.baseURL).
			SetHeader("Content-Type", "application/json")
	}
}

func (c *ProcessEngineClient) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/v1/process-instances/%d/cancel", processInstanceKey))
	if err != nil {
		return fmt.Errorf("failed to cancel process instance %d: %w", processInstanceKey, err)
	}
	return c.checkResponse(resp, processInstanceKey)
}

func (c *ProcessEngineClient) MigrateProcessInstance(ctx context.Context, processInstanceKey int64, plan runtime.MigrationPlan) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(plan).
		Post(fmt.Sprintf("/v1/process-instances/%d/migration", processInstanceKey))
	if err != nil {
		return fmt.Errorf("failed to migrate process instance %d: %w", processInstanceKey, err)
	}
	return c.checkResponse(resp, processInstanceKey)
}

func (c *ProcessEngineClient) ModifyProcessInstance(ctx context.Context, processInstanceKey int64, plan runtime.ModificationPlan) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(plan).
		Post(fmt.Sprintf("/v1/process-instances/%d/modification", processInstanceKey))
	if err != nil {
		return fmt.Errorf("failed to modify process instance %d: %w", processInstanceKey, err)
	}
	return c.checkResponse(resp, processInstanceKey)
}

// checkResponse maps the engine status codes onto executor semantics. The
// engine answers 409 when the instance already reached a terminal state.
func (c *ProcessEngineClient) checkResponse(resp *resty.Response, processInstanceKey int64) error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusConflict:
		return batch.ErrInstanceNotActive
	default:
		return fmt.Errorf("process engine rejected operation on instance %d: status %d: %s",
			processInstanceKey, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
}
