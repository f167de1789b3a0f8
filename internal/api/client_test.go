package api

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewClient_WithAPIKey(t *testing.T) {
	client, err := NewClient(ClientConfig{
		APIKey: "test-key-123",
		Model:  anthropic.ModelClaudeSonnet4_20250514,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Model = %q, want %q", client.Model(), anthropic.ModelClaudeSonnet4_20250514)
	}
	if client.Bedrock() {
		t.Error("Bedrock should be false")
	}
	if client.Tracker() == nil {
		t.Error("Tracker should not be nil")
	}
}

func TestNewClient_WithEnvVar(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-test-key")

	client, err := NewClient(ClientConfig{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != DefaultModel {
		t.Errorf("Model = %q, want %q", client.Model(), DefaultModel)
	}
}

func TestNewClient_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	os.Unsetenv("ANTHROPIC_API_KEY")

	_, err := NewClient(ClientConfig{})
	if err == nil {
		t.Fatal("NewClient should fail without API key")
	}
	expected := "ANTHROPIC_API_KEY environment variable is not set"
	if err.Error() != expected {
		t.Errorf("Error = %q, want %q", err.Error(), expected)
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in   anthropic.Model
		want anthropic.Model
	}{
		{anthropic.ModelClaudeSonnet4_20250514, "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{anthropic.ModelClaudeHaiku4_5_20251001, "us.anthropic.claude-haiku-4-5-20251001-v1:0"},
		{"us.anthropic.custom-v1:0", "us.anthropic.custom-v1:0"},
		{"my-custom-profile", "my-custom-profile"},
	}
	for _, tt := range tests {
		if got := translateModelForBedrock(tt.in); got != tt.want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClient_TranslateModelDirectAPI(t *testing.T) {
	client, err := NewClient(ClientConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if got := client.TranslateModel(anthropic.ModelClaudeSonnet4_20250514); got != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("TranslateModel = %q, want unchanged", got)
	}
}

func TestNewClient_Bedrock(t *testing.T) {
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		t.Skip("AWS_REGION not set, skipping Bedrock test")
	}

	client, err := NewClient(ClientConfig{
		UseAWSBedrock: true,
		AWSRegion:     "us-west-2",
		Model:         anthropic.ModelClaudeSonnet4_20250514,
	})
	if err != nil {
		t.Fatalf("NewClient with Bedrock failed: %v", err)
	}
	if !client.Bedrock() {
		t.Error("Bedrock should be true")
	}
	want := anthropic.Model("us.anthropic.claude-sonnet-4-20250514-v1:0")
	if client.Model() != want {
		t.Errorf("Model = %q, want %q", client.Model(), want)
	}
}

func TestParams(t *testing.T) {
	client, err := NewClient(ClientConfig{APIKey: "k", Model: anthropic.ModelClaudeHaiku4_5_20251001})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	p := client.params(CompletionRequest{Prompt: "hi"})
	if p.Model != anthropic.ModelClaudeHaiku4_5_20251001 {
		t.Errorf("Model = %q", p.Model)
	}
	if p.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", p.MaxTokens, DefaultMaxTokens)
	}
	if len(p.System) != 0 {
		t.Errorf("System should be empty, got %d blocks", len(p.System))
	}
	if len(p.Messages) != 1 {
		t.Fatalf("Messages = %d, want 1", len(p.Messages))
	}

	p = client.params(CompletionRequest{Prompt: "hi", System: "be brief", Model: "claude-x", MaxTokens: 10})
	if p.Model != "claude-x" {
		t.Errorf("Model = %q, want claude-x", p.Model)
	}
	if p.MaxTokens != 10 {
		t.Errorf("MaxTokens = %d, want 10", p.MaxTokens)
	}
	if len(p.System) != 1 || p.System[0].Text != "be brief" {
		t.Errorf("System = %+v", p.System)
	}
}

func TestComplete_EmptyPrompt(t *testing.T) {
	client, err := NewClient(ClientConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = client.Complete(context.Background(), CompletionRequest{Prompt: "  "})
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("err = %v, want ErrEmptyPrompt", err)
	}
	if client.Tracker().Calls() != 0 {
		t.Error("no call should be tracked")
	}
}

func TestTokenTracker_Add(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Add(100, 50)
	tracker.Add(200, 100)
	input, output := tracker.Total()

	if input != 300 {
		t.Errorf("Input tokens = %d, want 300", input)
	}
	if output != 150 {
		t.Errorf("Output tokens = %d, want 150", output)
	}
	if tracker.Calls() != 2 {
		t.Errorf("Calls = %d, want 2", tracker.Calls())
	}
}

func TestTokenTracker_Reset(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Add(100, 50)
	tracker.Reset()

	input, output := tracker.Total()
	if input != 0 || output != 0 {
		t.Errorf("After reset: input=%d, output=%d; want 0, 0", input, output)
	}
	if tracker.Calls() != 0 {
		t.Errorf("Calls after reset = %d, want 0", tracker.Calls())
	}
}
