package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// ErrUnsupportedFormat is returned for an export format with no strategy.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ExportStrategy renders a result for download.
type ExportStrategy interface {
	ContentType() string
	Render(req models.AnalysisRequest, res models.AnalysisResult) ([]byte, error)
}

// StrategyFor selects the strategy for format. There is no fallback.
func StrategyFor(format string) (ExportStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return jsonExport{}, nil
	case FormatText:
		return textExport{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

type jsonExport struct{}

type exportDocument struct {
	Request models.AnalysisRequest `json:"request"`
	Result  models.AnalysisResult  `json:"result"`
}

func (jsonExport) ContentType() string { return "application/json" }

func (jsonExport) Render(req models.AnalysisRequest, res models.AnalysisResult) ([]byte, error) {
	res.RawPayload = nil
	return json.MarshalIndent(exportDocument{Request: req, Result: res}, "", "  ")
}

type textExport struct{}

func (textExport) ContentType() string { return "text/plain; charset=utf-8" }

func (textExport) Render(req models.AnalysisRequest, res models.AnalysisResult) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Ad copy analysis %s\n", res.AnalysisID)
	fmt.Fprintf(&b, "Platform: %s\n", req.Platform)
	fmt.Fprintf(&b, "Score: %d/100\n", res.Score)
	fmt.Fprintf(&b, "Refinement passes: %d\n\n", res.ImprovementCount)
	fmt.Fprintf(&b, "Original copy:\n%s\n\n", req.AdCopyText)
	fmt.Fprintf(&b, "Improved copy:\n%s\n", res.ImprovedCopy)
	if len(res.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range res.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(res.KeyImprovements) > 0 {
		b.WriteString("\nApplied improvements:\n")
		for i, s := range res.KeyImprovements {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	return []byte(b.String()), nil
}
