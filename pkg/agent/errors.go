package agent

import (
	"errors"
	"fmt"
)

// Failure codes carried in terminal task results and synthesized tool errors.
const (
	CodeTransportFailed       = "TRANSPORT_FAILED"
	CodeLLMFailed             = "LLM_FAILED"
	CodeTimeout               = "TIMEOUT"
	CodePermissionDenied      = "PERMISSION_DENIED"
	CodeCanceled              = "CANCELED"
	CodeCheckpointUnavailable = "CHECKPOINT_UNAVAILABLE"
)

// TaskError is a classified failure that terminates a task.
type TaskError struct {
	Code string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// errorCode extracts the failure code from a classified error, falling back
// when the error carries no classification.
func errorCode(err error, fallback string) string {
	var terr *TaskError
	if errors.As(err, &terr) {
		return terr.Code
	}
	return fallback
}
