package common

import (
	"github.com/google/uuid"
)

// NewTaskID generates a unique queued-task ID with the "task_" prefix
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewConnectionID generates a unique pooled-connection ID with the "conn_" prefix
func NewConnectionID() string {
	return "conn_" + uuid.New().String()
}

// NewOperationID generates a unique measured-operation ID with the "op_" prefix
func NewOperationID() string {
	return "op_" + uuid.New().String()
}

// NewErrorID generates a unique error-record ID with the "err_" prefix
func NewErrorID() string {
	return "err_" + uuid.New().String()
}
