package pipeline

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	TaskTranscribe = "pipeline:transcribe"
	TaskAnalyze    = "pipeline:analyze"
)

// StagePayload identifies the call a stage job works on.
type StagePayload struct {
	CallSID string `json:"call_sid"`
}

// TaskID derives the queue-level id for a stage job. The queue refuses a
// second job with the same id while the first is still held.
func TaskID(taskType, callSID string) string {
	stage := strings.TrimPrefix(taskType, "pipeline:")
	return stage + ":" + callSID
}

func NewStageTask(taskType, callSID string) (*asynq.Task, error) {
	if callSID == "" {
		return nil, errors.New("pipeline: call sid is required")
	}
	data, err := json.Marshal(StagePayload{CallSID: callSID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

func ParseStagePayload(task *asynq.Task) (StagePayload, error) {
	var payload StagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return StagePayload{}, err
	}
	if payload.CallSID == "" {
		return StagePayload{}, errors.New("pipeline: payload has no call sid")
	}
	return payload, nil
}
