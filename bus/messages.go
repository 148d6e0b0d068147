package bus

import "time"

// SpawnRequest asks the harness to start a child task.
type SpawnRequest struct {
	Type             string  `json:"type"`
	ReqID            string  `json:"req_id"`
	ParentTaskID     string  `json:"parent_task_id"`
	ContractRelpath  string  `json:"contract_relpath"`
	EnginePreference string  `json:"engine_preference"`
	Timestamp        float64 `json:"timestamp"`
}

// SpawnRequestType is the Type of every SpawnRequest.
const SpawnRequestType = "spawn"

// Spawn response statuses.
const (
	SpawnDone     = "DONE"
	SpawnFailed   = "FAILED"
	SpawnRejected = "REJECTED"
)

// SpawnResponse reports how a spawn request ended.
type SpawnResponse struct {
	ReqID       string  `json:"req_id"`
	TaskID      string  `json:"task_id,omitempty"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	SummaryPath string  `json:"summary_path,omitempty"`
	Timestamp   float64 `json:"timestamp"`
}

// Question is a supervisor query.
type Question struct {
	ID        string   `json:"id"`
	TaskID    string   `json:"task_id,omitempty"`
	Text      string   `json:"text"`
	Choices   []string `json:"choices,omitempty"`
	PlanPath  string   `json:"plan_path,omitempty"`
	Timestamp float64  `json:"timestamp"`
}

// Answer replies to the Question with the same ID.
type Answer struct {
	ID        string  `json:"id"`
	Answer    string  `json:"answer"`
	Timestamp float64 `json:"timestamp"`
}

// Timestamp converts t to fractional unix seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
