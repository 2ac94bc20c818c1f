package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/telephony"
)

// Transcriber is the speech-to-text oracle.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Analyzer is the language oracle. It returns the raw reply; ParseAnalysis
// decides whether it is usable.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (string, error)
}

type Journal interface {
	Record(ctx context.Context, t audit.EventType, subject, source, message string, details map[string]any)
}

type RunnerOptions struct {
	Repo        calls.Repository
	Fetcher     telephony.RecordingFetcher
	Transcriber Transcriber
	Analyzer    Analyzer
	// Next receives the analysis job once a transcript is stored.
	Next    Queue
	Journal Journal

	StageTimeout  time.Duration
	MaxAudioBytes int64
	// SettleBackoff is the first pause before retrying a failed outcome
	// write. It doubles per attempt.
	SettleBackoff time.Duration

	Log *slog.Logger
	Now func() time.Time
}

// Runner executes the transcription and analysis stages. Each stage claims
// its sub-state with a compare-and-swap first, so a redelivered job finds
// nothing to do.
type Runner struct {
	repo        calls.Repository
	fetcher     telephony.RecordingFetcher
	transcriber Transcriber
	analyzer    Analyzer
	next        Queue
	journal     Journal

	stageTimeout  time.Duration
	maxAudioBytes int64
	settleBackoff time.Duration

	log *slog.Logger
	now func() time.Time
}

func NewRunner(o RunnerOptions) *Runner {
	if o.StageTimeout <= 0 {
		o.StageTimeout = 2 * time.Minute
	}
	if o.MaxAudioBytes <= 0 {
		o.MaxAudioBytes = 20 << 20
	}
	if o.SettleBackoff <= 0 {
		o.SettleBackoff = 250 * time.Millisecond
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Runner{
		repo:          o.Repo,
		fetcher:       o.Fetcher,
		transcriber:   o.Transcriber,
		analyzer:      o.Analyzer,
		next:          o.Next,
		journal:       o.Journal,
		stageTimeout:  o.StageTimeout,
		maxAudioBytes: o.MaxAudioBytes,
		settleBackoff: o.SettleBackoff,
		log:           o.Log,
		now:           o.Now,
	}
}

// Transcribe runs stage 2 for one call. It returns an error only when the
// ledger itself could not be read or written; oracle and provider failures
// end up on the record.
func (r *Runner) Transcribe(ctx context.Context, callSID string) error {
	log := r.log.With(slog.String("call_sid", callSID), slog.String("stage", "transcription"))

	claim, err := r.repo.Mutate(ctx, callSID, func(cur calls.CallRecord) (calls.CallRecord, bool) {
		return calls.BeginTranscription(cur, r.now().UTC())
	})
	if errors.Is(err, calls.ErrNotFound) {
		log.WarnContext(ctx, "stage job for unknown call dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if !claim.Changed {
		log.InfoContext(ctx, "transcription not claimable, skipping", slog.String("state", string(claim.After.TranscriptionState)))
		return nil
	}

	text, stageErr := r.transcribe(ctx, claim.After)

	wctx := context.WithoutCancel(ctx)
	if stageErr != nil {
		reason := r.failureReason("transcription", stageErr)
		if _, err := r.settle(wctx, callSID, log, func(cur calls.CallRecord) (calls.CallRecord, bool) {
			return calls.FailTranscription(cur, reason, r.now().UTC())
		}); err != nil {
			return fmt.Errorf("pipeline: record transcription failure: %w", err)
		}
		log.WarnContext(ctx, "transcription failed", slog.String("reason", reason))
		r.record(wctx, callSID, "transcription", calls.StageFailed, reason)
		return nil
	}

	done, err := r.settle(wctx, callSID, log, func(cur calls.CallRecord) (calls.CallRecord, bool) {
		return calls.CompleteTranscription(cur, text, r.now().UTC())
	})
	if err != nil {
		return fmt.Errorf("pipeline: store transcript: %w", err)
	}
	log.InfoContext(ctx, "transcription completed", slog.Int("chars", len(text)))
	r.record(wctx, callSID, "transcription", calls.StageCompleted, "")

	if done.Changed && done.Before.AnalysisState != calls.StagePending && done.After.AnalysisState == calls.StagePending {
		r.enqueueAnalysis(wctx, callSID, log)
	}
	return nil
}

func (r *Runner) transcribe(ctx context.Context, rec calls.CallRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.stageTimeout)
	defer cancel()

	if rec.RecordingURL == "" {
		return "", errors.New("no recording url on record")
	}
	audio, err := r.fetcher.FetchRecording(ctx, rec.RecordingURL)
	if err != nil {
		return "", fmt.Errorf("fetch recording: %w", err)
	}
	defer audio.Body.Close()

	data, err := io.ReadAll(io.LimitReader(audio.Body, r.maxAudioBytes+1))
	if err != nil {
		return "", fmt.Errorf("read recording: %w", err)
	}
	if int64(len(data)) > r.maxAudioBytes {
		return "", fmt.Errorf("recording exceeds %d bytes", r.maxAudioBytes)
	}
	if len(data) == 0 {
		return "", errors.New("recording is empty")
	}

	mimeType := audio.ContentType
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	text, err := r.transcriber.Transcribe(ctx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return text, nil
}

func (r *Runner) enqueueAnalysis(ctx context.Context, callSID string, log *slog.Logger) {
	err := r.next.EnqueueAnalysis(ctx, callSID)
	if err == nil {
		log.InfoContext(ctx, "analysis enqueued")
		return
	}
	reason := "enqueue failed: " + err.Error()
	log.ErrorContext(ctx, "analysis enqueue failed", slog.Any("err", err))
	if _, ferr := r.settle(ctx, callSID, log, func(cur calls.CallRecord) (calls.CallRecord, bool) {
		return calls.FailAnalysis(cur, reason, r.now().UTC())
	}); ferr != nil {
		log.ErrorContext(ctx, "mark analysis failed", slog.Any("err", ferr))
	}
}

// Analyze runs stage 3 for one call.
func (r *Runner) Analyze(ctx context.Context, callSID string) error {
	log := r.log.With(slog.String("call_sid", callSID), slog.String("stage", "analysis"))

	claim, err := r.repo.Mutate(ctx, callSID, func(cur calls.CallRecord) (calls.CallRecord, bool) {
		return calls.BeginAnalysis(cur, r.now().UTC())
	})
	if errors.Is(err, calls.ErrNotFound) {
		log.WarnContext(ctx, "stage job for unknown call dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if !claim.Changed {
		log.InfoContext(ctx, "analysis not claimable, skipping", slog.String("state", string(claim.After.AnalysisState)))
		return nil
	}

	result, stageErr := r.analyze(ctx, claim.After.Transcript)

	wctx := context.WithoutCancel(ctx)
	if stageErr != nil {
		reason := r.failureReason("analysis", stageErr)
		if _, err := r.settle(wctx, callSID, log, func(cur calls.CallRecord) (calls.CallRecord, bool) {
			return calls.FailAnalysis(cur, reason, r.now().UTC())
		}); err != nil {
			return fmt.Errorf("pipeline: record analysis failure: %w", err)
		}
		log.WarnContext(ctx, "analysis failed", slog.String("reason", reason))
		r.record(wctx, callSID, "analysis", calls.StageFailed, reason)
		return nil
	}

	if _, err := r.settle(wctx, callSID, log, func(cur calls.CallRecord) (calls.CallRecord, bool) {
		return calls.CompleteAnalysis(cur, result, r.now().UTC())
	}); err != nil {
		return fmt.Errorf("pipeline: store analysis: %w", err)
	}
	log.InfoContext(ctx, "analysis completed", slog.String("sentiment", result.SentimentLabel))
	r.record(wctx, callSID, "analysis", calls.StageCompleted, "")
	return nil
}

func (r *Runner) analyze(ctx context.Context, transcript string) (calls.Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, r.stageTimeout)
	defer cancel()

	raw, err := r.analyzer.Analyze(ctx, transcript)
	if err != nil {
		return calls.Analysis{}, fmt.Errorf("analyze: %w", err)
	}
	return ParseAnalysis(raw)
}

// settleAttempts bounds outcome writes. The stage is already claimed, so an
// outcome that is never written leaves it processing for good.
const settleAttempts = 4

// settle writes a stage outcome, retrying ledger errors with backoff.
func (r *Runner) settle(ctx context.Context, callSID string, log *slog.Logger, fn calls.Mutation) (calls.Transition, error) {
	wait := r.settleBackoff
	for attempt := 1; ; attempt++ {
		tr, err := r.repo.Mutate(ctx, callSID, fn)
		if err == nil || errors.Is(err, calls.ErrNotFound) || attempt == settleAttempts {
			return tr, err
		}
		log.WarnContext(ctx, "stage outcome write failed, retrying", slog.Int("attempt", attempt), slog.Any("err", err))
		time.Sleep(wait)
		wait *= 2
	}
}

func (r *Runner) failureReason(stage string, err error) string {
	if telephony.IsTimeout(err) {
		return fmt.Sprintf("%s timed out after %s: %v", stage, r.stageTimeout, err)
	}
	return err.Error()
}

func (r *Runner) record(ctx context.Context, callSID, stage string, state calls.StageState, reason string) {
	if r.journal == nil {
		return
	}
	details := map[string]any{"stage": stage, "state": state}
	if reason != "" {
		details["reason"] = reason
	}
	r.journal.Record(ctx, audit.EventStageOutcome, callSID, "pipeline", stage+" "+string(state), details)
}
