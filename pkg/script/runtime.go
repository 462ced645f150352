package script

// ScriptRuntime evaluates filter condition expressions against a variable
// context. Implementations are safe for concurrent use.
type ScriptRuntime interface {
	// Evaluate runs the expression with the given variables in scope and
	// returns the produced value.
	Evaluate(expression string, variableContext map[string]any) (any, error)

	// Validate checks that the expression parses without running it.
	Validate(expression string) error
}
