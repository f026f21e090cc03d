package proto

// ResultStatus is the collaborator-reported outcome of one invocation.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// TaskRequest is the request half of the collaborator contract: the task
// name plus its optimized context payload. The collaborator must be
// invokable independently per task and must not assume shared state.
type TaskRequest struct {
	SessionID    string            `json:"session_id"`
	TaskName     string            `json:"task_name"`
	Context      map[string]string `json:"context"`
	SizeEstimate int               `json:"size_estimate"`
}

// TaskResult is the response half of the collaborator contract.
// ErrorKind and ErrorMessage are set only on failure; Artifact is set
// only on success (a success without an artifact is classified as an
// output_missing failure by the coordinator).
type TaskResult struct {
	Status       ResultStatus `json:"status"`
	Artifact     *Artifact    `json:"artifact,omitempty"`
	ErrorKind    FailureKind  `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Failed reports whether the collaborator signalled a failure.
func (r *TaskResult) Failed() bool {
	return r == nil || r.Status != ResultSuccess
}
