package batch

import "fmt"

type BatchEngineError struct {
	Msg string
}

func (e *BatchEngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &BatchEngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// ValidationError rejects a batch submission synchronously. The batch is
// never created and no partial state is left behind.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func newValidationErrorf(format string, a ...interface{}) error {
	return &ValidationError{
		Msg: fmt.Sprintf(format, a...),
	}
}
