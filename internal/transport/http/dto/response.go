package dto

import "encoding/json"

type ErrorResponse struct {
	Error     string          `json:"error"`
	Code      string          `json:"code,omitempty"`
	Details   []string        `json:"details,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// RawDetail embeds an upstream body as-is when it is JSON, and as a JSON string otherwise.
func RawDetail(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return quoted
}

type TaskResponse struct {
	TaskID     string                 `json:"taskId"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"nodeErrors,omitempty"`
}

type JobAcceptedResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Created bool   `json:"created"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Relay  string `json:"relay"`
}
