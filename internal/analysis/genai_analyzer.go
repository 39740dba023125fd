package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/util"
)

// jsonGenerator is the part of genai.Client used here.
type jsonGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error
}

// Compile-time check that GenAIAnalyzer implements Analyzer.
var _ Analyzer = (*GenAIAnalyzer)(nil)

// GenAIAnalyzer scores ad copy with an LLM instead of the analysis service.
type GenAIAnalyzer struct {
	gen jsonGenerator
}

// NewGenAIAnalyzer creates an analyzer backed by gen.
func NewGenAIAnalyzer(gen jsonGenerator) *GenAIAnalyzer {
	return &GenAIAnalyzer{gen: gen}
}

const analyzerSystemPrompt = `You are an advertising copy reviewer.
Score the ad copy from 0 to 100 for the given platform and audience, rewrite it to perform better,
and list up to five concrete suggestions.
Reply with a single JSON object: {"score": int, "improvedCopy": string, "keyImprovements": [string]}.`

// Analyze asks the model for a score, a rewrite and suggestions.
func (a *GenAIAnalyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	var ar analyzeResponse
	if err := a.gen.GenerateJSON(ctx, analyzerSystemPrompt, analyzerUserPrompt(req), &ar); err != nil {
		slog.Error("GenAIAnalyzer.Analyze: generation failed", "platform", req.Platform, "error", err)
		if ctx.Err() != nil {
			return models.AnalysisResult{}, Failed("analysis timed out", err)
		}
		return models.AnalysisResult{}, Failed("analysis model unavailable", err)
	}
	if ar.AnalysisID == "" {
		ar.AnalysisID = util.GenerateAnalysisID()
	}
	raw, _ := json.Marshal(ar)
	return resultFromResponse(ar, raw)
}

func analyzerUserPrompt(req models.AnalysisRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\n", req.Platform)
	if req.TargetAudience != "" {
		fmt.Fprintf(&b, "Target audience: %s\n", req.TargetAudience)
	}
	if req.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", req.Industry)
	}
	if req.BrandVoice != "" {
		fmt.Fprintf(&b, "Brand voice: %s\n", req.BrandVoice)
	}
	fmt.Fprintf(&b, "Ad copy:\n%s\n", req.AdCopyText)
	return b.String()
}
