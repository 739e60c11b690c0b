package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage is the envelope clients send (ping/pong)
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is pushed on every progress update
type WSProgressMessage struct {
	Type        string    `json:"type"`
	JobID       string    `json:"jobId"`
	Progress    int       `json:"progress"`
	Status      JobStatus `json:"status"`
	CurrentStep string    `json:"currentStep,omitempty"`
}

// WSCompleteMessage is pushed when a job reaches a terminal success state
type WSCompleteMessage struct {
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Result any    `json:"result,omitempty"`
}

// WSError carries the failure detail
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSErrorMessage is pushed when a job fails
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}
