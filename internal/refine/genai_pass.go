package refine

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// jsonGenerator is the part of genai.Client used here.
type jsonGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error
}

// GenAIPass asks an LLM for the next rewrite.
type GenAIPass struct {
	gen jsonGenerator
}

// Compile-time check that GenAIPass implements Pass.
var _ Pass = (*GenAIPass)(nil)

// NewGenAIPass creates a pass backed by gen.
func NewGenAIPass(gen jsonGenerator) *GenAIPass {
	return &GenAIPass{gen: gen}
}

const refineSystemPrompt = `You improve advertising copy one step at a time.
Make exactly one focused change that is not already listed among previous improvements.
Reply with a single JSON object: {"improvedCopy": string, "improvement": string, "scoreIncrease": int}.
scoreIncrease is your estimate of the score gain, between 1 and 10.`

type refineReply struct {
	ImprovedCopy  string `json:"improvedCopy"`
	Improvement   string `json:"improvement"`
	ScoreIncrease int    `json:"scoreIncrease"`
}

// Improve asks the model for one more improvement of current.
func (p *GenAIPass) Improve(ctx context.Context, current models.AnalysisResult) (Step, error) {
	var reply refineReply
	if err := p.gen.GenerateJSON(ctx, refineSystemPrompt, refineUserPrompt(current), &reply); err != nil {
		return Step{}, err
	}
	if strings.TrimSpace(reply.ImprovedCopy) == "" {
		return Step{}, fmt.Errorf("model returned an empty rewrite")
	}
	if reply.ScoreIncrease > 10 {
		reply.ScoreIncrease = 10
	}
	return Step{ImprovedCopy: reply.ImprovedCopy, Note: reply.Improvement, ScoreIncrease: reply.ScoreIncrease}, nil
}

func refineUserPrompt(current models.AnalysisResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current score: %d\n", current.Score)
	fmt.Fprintf(&b, "Current copy:\n%s\n", current.ImprovedCopy)
	if len(current.KeyImprovements) > 0 {
		b.WriteString("Previous improvements:\n")
		for _, k := range current.KeyImprovements {
			fmt.Fprintf(&b, "- %s\n", k)
		}
	}
	return b.String()
}
