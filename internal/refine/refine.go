// Package refine applies a bounded sequence of improvement passes to an
// analysis result.
//
// The Iterator owns the rules every pass is held to: at most
// models.MaxImprovements passes, each pass strictly raises the score without
// exceeding models.MaxRefinedScore, and each pass appends exactly one entry
// to KeyImprovements.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

var (
	// ErrMaxIterationsReached is returned when no further pass is allowed.
	ErrMaxIterationsReached = errors.New("maximum refinement iterations reached")
	// ErrRefinementFailed wraps failures of the underlying pass.
	ErrRefinementFailed = errors.New("refinement pass failed")
	// ErrInconsistentResult is returned for results whose improvement list and
	// counter disagree.
	ErrInconsistentResult = errors.New("improvement count does not match key improvements")
)

// Step is what one pass proposes.
type Step struct {
	// ImprovedCopy replaces the current rewrite when non-empty.
	ImprovedCopy string
	// Note describes what changed.
	Note string
	// ScoreIncrease is the proposed gain; values below 1 count as 1.
	ScoreIncrease int
}

// Pass computes one improvement of current.
type Pass interface {
	Improve(ctx context.Context, current models.AnalysisResult) (Step, error)
}

// Opts holds configuration for the Iterator.
type Opts struct {
	MaxIterations int
	MaxScore      int
}

// Option defines a configuration option for the Iterator.
type Option func(*Opts)

// WithMaxIterations lowers the number of allowed passes. Values outside
// 1..models.MaxImprovements are ignored.
func WithMaxIterations(n int) Option {
	return func(o *Opts) {
		if n >= 1 && n <= models.MaxImprovements {
			o.MaxIterations = n
		}
	}
}

// Iterator enforces the refinement rules around a Pass.
type Iterator struct {
	pass          Pass
	maxIterations int
	maxScore      int
}

// NewIterator creates an Iterator that delegates to pass.
func NewIterator(pass Pass, opts ...Option) *Iterator {
	cfg := Opts{MaxIterations: models.MaxImprovements, MaxScore: models.MaxRefinedScore}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Iterator{pass: pass, maxIterations: cfg.MaxIterations, maxScore: cfg.MaxScore}
}

// CanRefine reports whether another pass is allowed on res. A score already
// at the ceiling leaves no strictly higher score, so it ends refinement too.
func (it *Iterator) CanRefine(res models.AnalysisResult) bool {
	return res.ImprovementCount < it.maxIterations && res.Score < it.maxScore
}

// RequestImprovement returns a new result one pass further than current.
// current itself is never modified.
func (it *Iterator) RequestImprovement(ctx context.Context, current models.AnalysisResult) (models.AnalysisResult, error) {
	if len(current.KeyImprovements) != current.ImprovementCount {
		return current, fmt.Errorf("%w: count %d, entries %d", ErrInconsistentResult, current.ImprovementCount, len(current.KeyImprovements))
	}
	if !it.CanRefine(current) {
		slog.Debug("Iterator.RequestImprovement: refinement exhausted", "analysisID", current.AnalysisID, "count", current.ImprovementCount, "score", current.Score)
		return current, ErrMaxIterationsReached
	}

	step, err := it.pass.Improve(ctx, current.Clone())
	if err != nil {
		slog.Warn("Iterator.RequestImprovement: pass failed", "analysisID", current.AnalysisID, "error", err)
		return current, fmt.Errorf("%w: %w", ErrRefinementFailed, err)
	}

	next := current.Clone()
	next.ImprovementCount++
	next.Score = nextScore(current.Score, step.ScoreIncrease, it.maxScore)
	if copyText := strings.TrimSpace(step.ImprovedCopy); copyText != "" {
		next.ImprovedCopy = copyText
	}
	note := strings.TrimSpace(step.Note)
	if note == "" {
		note = fmt.Sprintf("Refinement pass %d", next.ImprovementCount)
	}
	next.KeyImprovements = append(next.KeyImprovements, note)

	slog.Info("Iterator.RequestImprovement: pass applied", "analysisID", next.AnalysisID, "count", next.ImprovementCount, "from", current.Score, "to", next.Score)
	return next, nil
}

// nextScore returns min(ceiling, prev+increase) with increase at least 1.
// Callers guarantee prev < ceiling, so the result is strictly greater than prev.
func nextScore(prev, increase, ceiling int) int {
	if increase < 1 {
		increase = 1
	}
	if prev+increase > ceiling {
		return ceiling
	}
	return prev + increase
}
