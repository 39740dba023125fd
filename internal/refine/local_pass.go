package refine

import (
	"context"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// localIncrements are the score gains of successive local passes.
var localIncrements = []int{8, 5, 3, 2}

var localNotes = []string{
	"Sharpened the opening hook to earn attention in the first line",
	"Tightened wording and removed filler phrases",
	"Made the call to action specific and time-bound",
	"Aligned tone and length with platform conventions",
}

// LocalPass is a deterministic pass with diminishing score gains. It keeps
// the current rewrite and records a canned note per iteration.
type LocalPass struct{}

// Compile-time check that LocalPass implements Pass.
var _ Pass = LocalPass{}

// Improve proposes the next local step for current.
func (LocalPass) Improve(ctx context.Context, current models.AnalysisResult) (Step, error) {
	i := current.ImprovementCount
	if i >= len(localIncrements) {
		i = len(localIncrements) - 1
	}
	return Step{Note: localNotes[i], ScoreIncrease: localIncrements[i]}, nil
}
