package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp openai.ChatCompletion
	err  error
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	return m.resp, m.err
}

func TestGeneratePrompt_Success(t *testing.T) {
	// Prepare a mock response with one choice
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "Hello World"}},
		},
	}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	out, err := client.GeneratePrompt("system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt("sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	// Empty choices slice
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GeneratePrompt("sys", "usr")
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	key := "test-key"
	cli, err := NewClient(WithAPIKey(key))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.Model() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, cli.Model())
	}
}

func TestNewClient_Options(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTemperature(0.2), WithMaxTokens(256))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cli.Model() != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", cli.Model())
	}
	if cli.temperature != 0.2 || cli.maxTokens != 256 {
		t.Errorf("expected temperature 0.2 and maxTokens 256, got %v and %d", cli.temperature, cli.maxTokens)
	}
}

// recordingChatService captures the params of the last call.
type recordingChatService struct {
	content string
	params  openai.ChatCompletionNewParams
}

func (r *recordingChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	r.params = params
	return openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: r.content}}}}, nil
}

func TestGenerateJSON_Success(t *testing.T) {
	rec := &recordingChatService{content: "```json\n{\"score\": 72, \"note\": \"tighter hook\"}\n```"}
	client := &Client{chat: rec, model: "test-model", temperature: 0.2, maxTokens: 50}

	var out struct {
		Score int    `json:"score"`
		Note  string `json:"note"`
	}
	if err := client.GenerateJSON(context.Background(), "sys", "usr", &out); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}
	if out.Score != 72 || out.Note != "tighter hook" {
		t.Errorf("unexpected decode: %+v", out)
	}
	if string(rec.params.Model) != "test-model" {
		t.Errorf("expected model test-model in params, got %s", rec.params.Model)
	}
	if len(rec.params.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(rec.params.Messages))
	}
}

func TestGenerateJSON_Invalid(t *testing.T) {
	client := &Client{chat: &recordingChatService{content: "I cannot help with that"}, model: "m"}
	var out map[string]interface{}
	err := client.GenerateJSON(context.Background(), "sys", "usr", &out)
	if !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`Here you go: {"a":{"b":2}} hope it helps`, `{"a":{"b":2}}`},
		{`plain text`, `plain text`},
	}
	for _, tt := range tests {
		if got := ExtractJSON(tt.in); got != tt.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
