package calls

import (
	"strings"
	"time"
)

// CallRecord is the ledger row for one provider call, keyed by the provider
// call SID. Rows are never deleted; every change goes through Repository.Mutate.
type CallRecord struct {
	CallSID   string    `json:"call_sid"`
	Direction Direction `json:"direction"`
	From      string    `json:"from"`
	To        string    `json:"to"`

	Status          CallStatus `json:"status"`
	DurationSeconds int        `json:"duration_seconds"`

	RecordingState RecordingState `json:"recording_state"`
	RecordingURL   string         `json:"-"`
	RecordingSID   string         `json:"recording_sid,omitempty"`

	TranscriptionState StageState `json:"transcription_state"`
	Transcript         string     `json:"transcript,omitempty"`
	TranscriptionError string     `json:"transcription_error,omitempty"`

	AnalysisState StageState `json:"analysis_state"`
	Analysis      *Analysis  `json:"analysis,omitempty"`
	AnalysisError string     `json:"analysis_error,omitempty"`

	OwnerUserID string `json:"owner_user_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	ContactKey  string `json:"contact_key,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	TranscribedAt *time.Time `json:"transcribed_at,omitempty"`
	AnalyzedAt    *time.Time `json:"analyzed_at,omitempty"`

	// Version increments on every persisted change.
	Version int64 `json:"version"`
}

// Analysis is the structured output of the language model stage.
type Analysis struct {
	SentimentScore float64  `json:"sentiment_score"`
	SentimentLabel string   `json:"sentiment_label"`
	Topics         []string `json:"topics"`
	ActionItems    []string `json:"action_items"`
	Summary        string   `json:"summary"`
}

// Clone returns a deep copy so mutations never alias the stored snapshot.
func (r CallRecord) Clone() CallRecord {
	out := r
	out.EndedAt = cloneTime(r.EndedAt)
	out.TranscribedAt = cloneTime(r.TranscribedAt)
	out.AnalyzedAt = cloneTime(r.AnalyzedAt)
	if r.Analysis != nil {
		a := *r.Analysis
		a.Topics = append([]string(nil), r.Analysis.Topics...)
		a.ActionItems = append([]string(nil), r.Analysis.ActionItems...)
		out.Analysis = &a
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallStatus follows the provider's call progress values.
type CallStatus string

const (
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
)

// Rank orders statuses for monotonic advance. All terminal states share the
// top rank so one terminal can never replace another.
func (s CallStatus) Rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return 3
	default:
		return -1
	}
}

func (s CallStatus) Terminal() bool { return s.Rank() == 3 }

// ParseProviderStatus maps a provider CallStatus value. "queued" is the
// provider's pre-dial state and is folded into initiated.
func ParseProviderStatus(raw string) (CallStatus, bool) {
	switch s := CallStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case "queued":
		return StatusInitiated, true
	case StatusInitiated, StatusRinging, StatusInProgress,
		StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return s, true
	default:
		return "", false
	}
}

type RecordingState string

const (
	RecordingNone      RecordingState = "none"
	RecordingAvailable RecordingState = "available"
)

// StageState is the sub-state of the transcription and analysis stages.
type StageState string

const (
	StageNone       StageState = "none"
	StagePending    StageState = "pending"
	StageProcessing StageState = "processing"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

func (s StageState) Done() bool { return s == StageCompleted || s == StageFailed }
