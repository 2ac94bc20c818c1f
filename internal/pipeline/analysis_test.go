package pipeline

import (
	"errors"
	"testing"
)

func TestParseAnalysisAcceptsStrictObject(t *testing.T) {
	raw := `{"sentiment_score": 0.6, "sentiment_label": "Positive", "topics": ["pricing", " onboarding "],
	"action_items": ["send proposal"], "summary": " Lead wants a quote. "}`
	a, err := ParseAnalysis(raw)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	if a.SentimentScore != 0.6 || a.SentimentLabel != "positive" || a.Summary != "Lead wants a quote." {
		t.Fatalf("unexpected %+v", a)
	}
	if len(a.Topics) != 2 || a.Topics[1] != "onboarding" || len(a.ActionItems) != 1 {
		t.Fatalf("unexpected lists %+v", a)
	}
}

func TestParseAnalysisRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `The caller sounded happy.`,
		"fenced":          "```json\n{\"sentiment_score\":0,\"sentiment_label\":\"neutral\",\"topics\":[],\"action_items\":[],\"summary\":\"x\"}\n```",
		"trailing prose":  `{"sentiment_score":0,"sentiment_label":"neutral","topics":[],"action_items":[],"summary":"x"} done`,
		"score too high":  `{"sentiment_score":1.5,"sentiment_label":"positive","topics":[],"action_items":[],"summary":"x"}`,
		"bad label":       `{"sentiment_score":0.1,"sentiment_label":"happy","topics":[],"action_items":[],"summary":"x"}`,
		"too many topics": `{"sentiment_score":0,"sentiment_label":"neutral","topics":["a","b","c","d","e","f"],"action_items":[],"summary":"x"}`,
		"missing items":   `{"sentiment_score":0,"sentiment_label":"neutral","topics":[],"summary":"x"}`,
		"missing score":   `{"sentiment_label":"neutral","topics":[],"action_items":[],"summary":"x"}`,
		"empty summary":   `{"sentiment_score":0,"sentiment_label":"neutral","topics":[],"action_items":[],"summary":"  "}`,
		"unknown field":   `{"sentiment_score":0,"sentiment_label":"neutral","topics":[],"action_items":[],"summary":"x","mood":"ok"}`,
		"empty topic":     `{"sentiment_score":0,"sentiment_label":"neutral","topics":[""],"action_items":[],"summary":"x"}`,
	}
	for name, raw := range cases {
		if _, err := ParseAnalysis(raw); !errors.Is(err, ErrInvalidAnalysis) {
			t.Fatalf("%s: expected ErrInvalidAnalysis, got %v", name, err)
		}
	}
}

func TestAnalysisSchemaDecodes(t *testing.T) {
	s := AnalysisSchema()
	if s["type"] != "object" {
		t.Fatalf("unexpected schema %v", s)
	}
}
