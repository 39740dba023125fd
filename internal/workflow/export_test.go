package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		format      string
		contentType string
		wantErr     bool
	}{
		{"json", "application/json", false},
		{" JSON ", "application/json", false},
		{"text", "text/plain; charset=utf-8", false},
		{"pdf", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			s, err := StrategyFor(tt.format)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("expected ErrUnsupportedFormat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.ContentType() != tt.contentType {
				t.Errorf("content type = %q, want %q", s.ContentType(), tt.contentType)
			}
		})
	}
}

func TestExportRendersCurrentResult(t *testing.T) {
	f := newFixture(t, 5)
	o := f.mount(t)
	if _, _, err := o.Export(FormatJSON); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("export without result: expected ErrInvalidAction, got %v", err)
	}

	mustSetInput(t, o, validInput())
	if _, err := o.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := o.Refine(context.Background()); err != nil {
		t.Fatalf("Refine failed: %v", err)
	}

	data, contentType, err := o.Export(FormatJSON)
	if err != nil {
		t.Fatalf("json export failed: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("unexpected content type %q", contentType)
	}
	var doc struct {
		Request models.AnalysisRequest `json:"request"`
		Result  models.AnalysisResult  `json:"result"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if doc.Result.Score != 80 || doc.Result.ImprovementCount != 1 || doc.Request.Platform != models.PlatformFacebook {
		t.Errorf("unexpected exported document: %+v", doc)
	}

	data, _, err = o.Export(FormatText)
	if err != nil {
		t.Fatalf("text export failed: %v", err)
	}
	text := string(data)
	for _, want := range []string{"Score: 80/100", "Platform: facebook", "Better copy", "- Lead with the benefit", "1. Sharpened the opening hook"} {
		if !strings.Contains(text, want) {
			t.Errorf("text export missing %q:\n%s", want, text)
		}
	}
}
