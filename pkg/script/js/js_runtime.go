package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zenbatch/pkg/script"
)

type JsRunnerFactory struct {
}

func (JsRunnerFactory) NewRunner() script.Runner {
	return newJsRunner()
}

type JsRuntime struct {
	pool *script.RunnerPool
}

var _ script.ScriptRuntime = &JsRuntime{}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, JsRunnerFactory{}, maxVmPoolSize, minVmPoolSize),
	}
}

func (r *JsRuntime) Evaluate(expression string, variableContext map[string]any) (any, error) {
	var runner = r.pool.GetRunnerFromPool()
	defer r.pool.ReturnRunnerToPool(runner)

	return runner.(*JsRunner).evaluate(expression, variableContext)
}

func (r *JsRuntime) Validate(expression string) error {
	_, err := goja.Compile("expression", expression, true)
	if err != nil {
		return fmt.Errorf("failed to compile expression %q: %w", expression, err)
	}
	return nil
}

type JsRunner struct {
	vm *goja.Runtime
}

func (r *JsRunner) Runner() {}

func newJsRunner() *JsRunner {
	r := JsRunner{vm: goja.New()}
	return &r
}

func (r *JsRunner) evaluate(expression string, variableContext map[string]any) (any, error) {
	for k, v := range variableContext {
		if err := r.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("failed to set variable %q: %w", k, err)
		}
	}
	defer func() {
		// runners are reused, variables must not leak into the next evaluation
		for k := range variableContext {
			_ = r.vm.Set(k, goja.Undefined())
		}
	}()
	resp, err := r.vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("error running expression \"%s\" : %v", expression, err)
	}
	return resp.Export(), nil
}
