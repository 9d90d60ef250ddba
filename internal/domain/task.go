package domain

// TaskDescriptor is the generation job payload in the engine's own contract. The gateway only
// checks its shape.
type TaskDescriptor map[string]interface{}

// TaskReceipt is what the engine hands back once it queued a task.
type TaskReceipt struct {
	TaskID     string                 `json:"taskId"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"nodeErrors,omitempty"`
}
