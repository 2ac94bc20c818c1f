package calls

import (
	"strings"
	"time"
)

// The functions in this file are pure: they take the current snapshot and an
// event and return the next snapshot plus whether anything changed. The
// repository applies them inside a single row-locked write.

// Mutation is a pure transition over one record.
type Mutation func(cur CallRecord) (next CallRecord, changed bool)

// StatusEvent is a call progress update keyed by CallSID.
type StatusEvent struct {
	CallSID         string
	Status          CallStatus
	Direction       Direction
	From            string
	To              string
	DurationSeconds int
	RecordingURL    string
	RecordingSID    string
	ContactKey      string
	OccurredAt      time.Time
}

// RecordingEvent reports a finished (or failed) recording for a call.
type RecordingEvent struct {
	CallSID         string
	RecordingSID    string
	RecordingURL    string
	DurationSeconds int
	Available       bool
}

// Policy carries the owner's settings that influence transitions.
type Policy struct {
	AutoTranscribe bool
}

// NewRecord seeds a record for a SID seen for the first time.
func NewRecord(sid string, now time.Time) CallRecord {
	return CallRecord{
		CallSID:            sid,
		Status:             StatusInitiated,
		RecordingState:     RecordingNone,
		TranscriptionState: StageNone,
		AnalysisState:      StageNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ApplyStatus advances the call status monotonically. Redelivered or older
// statuses are no-ops, a terminal status is final, and a recording carried on
// the event is attached once.
func ApplyStatus(cur CallRecord, ev StatusEvent, p Policy, now time.Time) (CallRecord, bool) {
	next := cur.Clone()
	changed := fillIdentity(&next, ev.Direction, ev.From, ev.To, ev.ContactKey)

	if !next.Status.Terminal() && ev.Status.Rank() > next.Status.Rank() {
		next.Status = ev.Status
		changed = true
		if ev.Status.Terminal() {
			ended := now
			if !ev.OccurredAt.IsZero() {
				ended = ev.OccurredAt
			}
			next.EndedAt = &ended
		}
	}

	if ev.Status == next.Status && ev.Status.Terminal() && ev.DurationSeconds > 0 && next.DurationSeconds == 0 {
		next.DurationSeconds = ev.DurationSeconds
		changed = true
	}

	if ev.RecordingURL != "" && attachRecording(&next, ev.RecordingSID, ev.RecordingURL) {
		changed = true
	}
	if requestTranscription(&next, p) {
		changed = true
	}

	if changed {
		next.UpdatedAt = now
	}
	return next, changed
}

// ApplyRecording stores the fetchable recording reference. Only the first
// available recording is kept; the audio itself is never downloaded here.
func ApplyRecording(cur CallRecord, ev RecordingEvent, p Policy, now time.Time) (CallRecord, bool) {
	if !ev.Available || ev.RecordingURL == "" {
		return cur, false
	}
	next := cur.Clone()
	changed := attachRecording(&next, ev.RecordingSID, ev.RecordingURL)
	if requestTranscription(&next, p) {
		changed = true
	}
	if changed {
		next.UpdatedAt = now
	}
	return next, changed
}

// Adopt fills ownership fields from a seed without overwriting known values.
// A softphone leg address is replaced by the dialed party.
func Adopt(cur CallRecord, seed CallRecord, now time.Time) (CallRecord, bool) {
	next := cur.Clone()
	changed := false
	set := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	set(&next.OwnerUserID, seed.OwnerUserID)
	set(&next.WorkspaceID, seed.WorkspaceID)
	set(&next.ContactKey, seed.ContactKey)
	set(&next.From, seed.From)
	set(&next.To, seed.To)
	if next.Direction == "" && seed.Direction != "" {
		next.Direction = seed.Direction
		changed = true
	}
	if seed.To != "" && next.To != seed.To && strings.HasPrefix(next.To, "client:") {
		next.To = seed.To
		changed = true
	}
	if changed {
		next.UpdatedAt = now
	}
	return next, changed
}

// BeginTranscription claims the transcription stage. Only one caller can move
// it to processing.
func BeginTranscription(cur CallRecord, now time.Time) (CallRecord, bool) {
	if cur.RecordingState != RecordingAvailable {
		return cur, false
	}
	if cur.TranscriptionState != StageNone && cur.TranscriptionState != StagePending {
		return cur, false
	}
	next := cur.Clone()
	next.TranscriptionState = StageProcessing
	next.TranscriptionError = ""
	next.UpdatedAt = now
	return next, true
}

// CompleteTranscription stores the transcript and requests analysis when
// there is text to analyze.
func CompleteTranscription(cur CallRecord, text string, now time.Time) (CallRecord, bool) {
	if cur.TranscriptionState != StageProcessing {
		return cur, false
	}
	next := cur.Clone()
	next.Transcript = text
	next.TranscriptionState = StageCompleted
	next.TranscriptionError = ""
	next.TranscribedAt = &now
	if strings.TrimSpace(text) != "" && next.AnalysisState == StageNone {
		next.AnalysisState = StagePending
	}
	next.UpdatedAt = now
	return next, true
}

// FailTranscription is terminal for the stage; nothing retries it.
func FailTranscription(cur CallRecord, reason string, now time.Time) (CallRecord, bool) {
	if cur.TranscriptionState != StagePending && cur.TranscriptionState != StageProcessing {
		return cur, false
	}
	next := cur.Clone()
	next.TranscriptionState = StageFailed
	next.TranscriptionError = reason
	next.UpdatedAt = now
	return next, true
}

func BeginAnalysis(cur CallRecord, now time.Time) (CallRecord, bool) {
	if cur.TranscriptionState != StageCompleted || strings.TrimSpace(cur.Transcript) == "" {
		return cur, false
	}
	if cur.AnalysisState != StageNone && cur.AnalysisState != StagePending {
		return cur, false
	}
	next := cur.Clone()
	next.AnalysisState = StageProcessing
	next.AnalysisError = ""
	next.UpdatedAt = now
	return next, true
}

func CompleteAnalysis(cur CallRecord, a Analysis, now time.Time) (CallRecord, bool) {
	if cur.AnalysisState != StageProcessing {
		return cur, false
	}
	next := cur.Clone()
	a.Topics = append([]string(nil), a.Topics...)
	a.ActionItems = append([]string(nil), a.ActionItems...)
	next.Analysis = &a
	next.AnalysisState = StageCompleted
	next.AnalysisError = ""
	next.AnalyzedAt = &now
	next.UpdatedAt = now
	return next, true
}

func FailAnalysis(cur CallRecord, reason string, now time.Time) (CallRecord, bool) {
	if cur.AnalysisState != StagePending && cur.AnalysisState != StageProcessing {
		return cur, false
	}
	next := cur.Clone()
	next.AnalysisState = StageFailed
	next.AnalysisError = reason
	next.UpdatedAt = now
	return next, true
}

func fillIdentity(r *CallRecord, dir Direction, from, to, contactKey string) bool {
	changed := false
	if r.Direction == "" && dir != "" {
		r.Direction = dir
		changed = true
	}
	if r.From == "" && from != "" {
		r.From = from
		changed = true
	}
	if r.To == "" && to != "" {
		r.To = to
		changed = true
	}
	if r.ContactKey == "" && contactKey != "" {
		r.ContactKey = contactKey
		changed = true
	}
	return changed
}

func attachRecording(r *CallRecord, sid, url string) bool {
	if r.RecordingState == RecordingAvailable {
		return false
	}
	r.RecordingState = RecordingAvailable
	r.RecordingURL = url
	r.RecordingSID = sid
	return true
}

// requestTranscription moves transcription none -> pending once the call is
// over and a recording exists. Callers enqueue the job when they observe this
// edge in a persisted transition.
func requestTranscription(r *CallRecord, p Policy) bool {
	if !p.AutoTranscribe {
		return false
	}
	if !r.Status.Terminal() || r.RecordingState != RecordingAvailable || r.TranscriptionState != StageNone {
		return false
	}
	r.TranscriptionState = StagePending
	return true
}
