package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeGenerator struct {
	reply      string
	err        error
	userPrompt string
}

func (f *fakeGenerator) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error {
	f.userPrompt = userPrompt
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.reply), out)
}

func TestGenAIAnalyzer_Analyze(t *testing.T) {
	gen := &fakeGenerator{reply: `{"score":58,"improvedCopy":"Better copy","keyImprovements":["shorter headline"]}`}
	res, err := NewGenAIAnalyzer(gen).Analyze(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.Score != 58 || res.ImprovedCopy != "Better copy" {
		t.Errorf("unexpected result: %+v", res)
	}
	if !strings.HasPrefix(res.AnalysisID, "an_") {
		t.Errorf("expected generated analysis ID, got %q", res.AnalysisID)
	}
	if res.ImprovementCount != 0 || len(res.KeyImprovements) != 0 || len(res.Suggestions) != 1 {
		t.Errorf("unexpected refinement fields: %+v", res)
	}
	for _, want := range []string{"Platform: instagram", "Target audience: remote workers", validRequest.AdCopyText} {
		if !strings.Contains(gen.userPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gen.userPrompt)
		}
	}
}

func TestGenAIAnalyzer_Failures(t *testing.T) {
	_, err := NewGenAIAnalyzer(&fakeGenerator{err: errors.New("rate limited")}).Analyze(context.Background(), validRequest)
	if FailureReason(err) != "analysis model unavailable" {
		t.Errorf("unexpected failure: %v", err)
	}

	_, err = NewGenAIAnalyzer(&fakeGenerator{reply: `{"score":101}`}).Analyze(context.Background(), validRequest)
	var afe *AnalysisFailedError
	if !errors.As(err, &afe) {
		t.Errorf("expected AnalysisFailedError for out-of-range score, got %v", err)
	}
}
