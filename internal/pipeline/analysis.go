package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"comms-pipeline/internal/calls"
)

const maxTopics = 5

var sentimentLabels = map[string]bool{
	"positive": true,
	"neutral":  true,
	"negative": true,
	"mixed":    true,
}

// ErrInvalidAnalysis wraps every reason an oracle reply is refused.
var ErrInvalidAnalysis = errors.New("invalid analysis output")

type analysisReply struct {
	SentimentScore *float64  `json:"sentiment_score"`
	SentimentLabel *string   `json:"sentiment_label"`
	Topics         *[]string `json:"topics"`
	ActionItems    *[]string `json:"action_items"`
	Summary        *string   `json:"summary"`
}

// ParseAnalysis accepts exactly one JSON object with every field present and
// in range. Anything else, including prose around the object, is refused.
func ParseAnalysis(raw string) (calls.Analysis, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()

	var r analysisReply
	if err := dec.Decode(&r); err != nil {
		return calls.Analysis{}, fmt.Errorf("%w: %v", ErrInvalidAnalysis, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return calls.Analysis{}, fmt.Errorf("%w: trailing data after object", ErrInvalidAnalysis)
	}

	switch {
	case r.SentimentScore == nil:
		return calls.Analysis{}, fmt.Errorf("%w: sentiment_score missing", ErrInvalidAnalysis)
	case math.IsNaN(*r.SentimentScore) || *r.SentimentScore < -1 || *r.SentimentScore > 1:
		return calls.Analysis{}, fmt.Errorf("%w: sentiment_score %v out of range", ErrInvalidAnalysis, *r.SentimentScore)
	case r.SentimentLabel == nil || !sentimentLabels[strings.ToLower(*r.SentimentLabel)]:
		return calls.Analysis{}, fmt.Errorf("%w: sentiment_label not one of positive|neutral|negative|mixed", ErrInvalidAnalysis)
	case r.Topics == nil:
		return calls.Analysis{}, fmt.Errorf("%w: topics missing", ErrInvalidAnalysis)
	case len(*r.Topics) > maxTopics:
		return calls.Analysis{}, fmt.Errorf("%w: %d topics, at most %d allowed", ErrInvalidAnalysis, len(*r.Topics), maxTopics)
	case r.ActionItems == nil:
		return calls.Analysis{}, fmt.Errorf("%w: action_items missing", ErrInvalidAnalysis)
	case r.Summary == nil || strings.TrimSpace(*r.Summary) == "":
		return calls.Analysis{}, fmt.Errorf("%w: summary missing", ErrInvalidAnalysis)
	}

	topics, err := nonEmpty("topics", *r.Topics)
	if err != nil {
		return calls.Analysis{}, err
	}
	items, err := nonEmpty("action_items", *r.ActionItems)
	if err != nil {
		return calls.Analysis{}, err
	}
	return calls.Analysis{
		SentimentScore: *r.SentimentScore,
		SentimentLabel: strings.ToLower(*r.SentimentLabel),
		Topics:         topics,
		ActionItems:    items,
		Summary:        strings.TrimSpace(*r.Summary),
	}, nil
}

func nonEmpty(field string, in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("%w: empty entry in %s", ErrInvalidAnalysis, field)
		}
		out = append(out, s)
	}
	return out, nil
}

// analysisSchema is sent to the oracle as the required response shape.
var analysisSchema = []byte(`{
  "type": "object",
  "properties": {
    "sentiment_score": {"type": "number", "minimum": -1, "maximum": 1},
    "sentiment_label": {"type": "string", "enum": ["positive", "neutral", "negative", "mixed"]},
    "topics": {"type": "array", "items": {"type": "string"}, "maxItems": 5},
    "action_items": {"type": "array", "items": {"type": "string"}},
    "summary": {"type": "string"}
  },
  "required": ["sentiment_score", "sentiment_label", "topics", "action_items", "summary"]
}`)

// AnalysisSchema returns the JSON schema of a valid reply.
func AnalysisSchema() map[string]any {
	var out map[string]any
	_ = json.Unmarshal(analysisSchema, &out)
	return out
}
