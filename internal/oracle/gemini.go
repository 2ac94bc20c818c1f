package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"comms-pipeline/internal/config"
	"comms-pipeline/internal/pipeline"

	"google.golang.org/genai"
)

var ErrEmptyReply = errors.New("oracle: empty reply")

const transcribePrompt = `Transcribe this phone call recording verbatim.
Label speakers as "Agent:" and "Caller:" when they can be told apart.
Return only the transcript text. If nobody speaks, return an empty reply.`

const analyzeInstruction = `You analyse sales phone call transcripts.
Reply with a single JSON object and nothing else.
sentiment_score is a number from -1 (hostile) to 1 (delighted).
sentiment_label is one of positive, neutral, negative, mixed.
topics lists at most 5 short topics. action_items lists concrete follow-ups, possibly none.
summary is two or three sentences.`

// Gemini implements pipeline.Transcriber and pipeline.Analyzer on the
// Gemini API.
type Gemini struct {
	client             *genai.Client
	transcriptionModel string
	analysisModel      string
	log                *slog.Logger
}

type Options struct {
	// BaseURL overrides the API endpoint. Empty means the public Gemini API.
	BaseURL string
	Log     *slog.Logger
}

func NewGemini(ctx context.Context, cfg config.GeminiConfig, opt Options) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("oracle: GEMINI_API_KEY is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opt.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opt.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("oracle: new genai client: %w", err)
	}
	if opt.Log == nil {
		opt.Log = slog.Default()
	}
	return &Gemini{
		client:             client,
		transcriptionModel: cfg.TranscriptionModel,
		analysisModel:      cfg.AnalysisModel,
		log:                opt.Log.With(slog.String("component", "oracle")),
	}, nil
}

func (g *Gemini) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("oracle: no audio")
	}
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(audio, mimeType),
		genai.NewPartFromText(transcribePrompt),
	}
	temp := float32(0)
	resp, err := g.client.Models.GenerateContent(ctx, g.transcriptionModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{Temperature: &temp},
	)
	if err != nil {
		return "", fmt.Errorf("oracle: transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	g.log.DebugContext(ctx, "transcription reply",
		slog.Int("audio_bytes", len(audio)),
		slog.Int("chars", len(text)),
	)
	return text, nil
}

// Analyze returns the model's raw JSON reply. Validation is left to
// pipeline.ParseAnalysis so a schema-ignoring reply still fails the stage.
func (g *Gemini) Analyze(ctx context.Context, transcript string) (string, error) {
	temp := float32(0.2)
	resp, err := g.client.Models.GenerateContent(ctx, g.analysisModel,
		[]*genai.Content{genai.NewContentFromText(transcript, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction:  genai.NewContentFromText(analyzeInstruction, genai.RoleUser),
			Temperature:        &temp,
			ResponseMIMEType:   "application/json",
			ResponseJsonSchema: pipeline.AnalysisSchema(),
		},
	)
	if err != nil {
		return "", fmt.Errorf("oracle: analyze: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("oracle: no model configured")

// Unconfigured stands in when no API key is set. Every stage it sees fails
// with ErrNotConfigured, which is recorded on the call.
type Unconfigured struct{}

func (Unconfigured) Transcribe(context.Context, []byte, string) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) Analyze(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}
