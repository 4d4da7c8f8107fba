package aiclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestEstimateCostUsesModelRates(t *testing.T) {
	cost := EstimateCost("gpt-4o", Usage{Input: 1000, Output: 2000})
	if math.Abs(cost.Input-0.005) > 1e-9 {
		t.Fatalf("Input = %v, want 0.005", cost.Input)
	}
	if math.Abs(cost.Output-0.03) > 1e-9 {
		t.Fatalf("Output = %v, want 0.03", cost.Output)
	}
	if math.Abs(cost.Total-0.035) > 1e-9 {
		t.Fatalf("Total = %v, want 0.035", cost.Total)
	}
}

func TestEstimateCostFallsBackForUnknownModel(t *testing.T) {
	cost := EstimateCost("never-heard-of-it", Usage{Input: 1000, Output: 1000})
	if cost.Total == 0 {
		t.Fatal("unknown models must not price to zero")
	}
	if math.Abs(cost.Total-0.003) > 1e-9 {
		t.Fatalf("Total = %v, want default-rate 0.003", cost.Total)
	}
}

func TestEstimateInputTokens(t *testing.T) {
	if got := EstimateInputTokens(""); got != 0 {
		t.Fatalf("empty prompt = %d tokens, want 0", got)
	}

	got := EstimateInputTokens("The quick brown fox jumps over the lazy dog")
	if got <= 0 {
		t.Fatalf("token estimate = %d, want > 0", got)
	}
	// Both the tiktoken path and the ceil(len/4) heuristic stay well under
	// one token per character for English text.
	if got >= len("The quick brown fox jumps over the lazy dog") {
		t.Fatalf("token estimate = %d is implausibly high", got)
	}
}

func TestEstimateUsageMarksEstimated(t *testing.T) {
	usage := EstimateUsage("four word test prompt", 7)
	if !usage.Estimated {
		t.Fatal("estimated usage must be flagged")
	}
	if usage.Output != 7 {
		t.Fatalf("Output = %d, want streamed token count", usage.Output)
	}
	if usage.Total != usage.Input+usage.Output {
		t.Fatalf("Total = %d, want Input+Output = %d", usage.Total, usage.Input+usage.Output)
	}
}

func TestSimulatedClientValidation(t *testing.T) {
	client := &SimulatedClient{}

	cases := []struct {
		name string
		req  Request
	}{
		{"missing model", Request{Prompt: "hi"}},
		{"unknown model", Request{Model: "gpt-4o", Prompt: "hi"}},
		{"blank prompt", Request{Model: "simulated", Prompt: "   "}},
		{"temperature out of range", Request{Model: "simulated", Prompt: "hi", Parameters: map[string]any{"temperature": 2.5}}},
		{"negative max_tokens", Request{Model: "simulated", Prompt: "Say hello", Parameters: map[string]any{"max_tokens": -1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := client.Validate(tc.req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidationError(err) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
		})
	}

	if err := client.Validate(Request{Model: "simulated", Prompt: "hi", Parameters: map[string]any{"temperature": 0.7}}); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestSimulatedClientGeneratesDeterministicText(t *testing.T) {
	client := &SimulatedClient{}

	generation, err := client.Generate(context.Background(), Request{Model: "simulated", Prompt: "tell me about turtles"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if generation.Stream != nil {
		t.Fatal("simulated provider must not expose a native stream")
	}
	if !strings.Contains(generation.Text, "tell me about turtles") {
		t.Fatalf("Text = %q, want it to echo the prompt", generation.Text)
	}

	fixed := &SimulatedClient{Response: "fixed output"}
	generation, err = fixed.Generate(context.Background(), Request{Model: "simulated", Prompt: "anything"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if generation.Text != "fixed output" {
		t.Fatalf("Text = %q, want configured response", generation.Text)
	}
}

func TestSimulatedClientPropagatesConfiguredError(t *testing.T) {
	wantErr := errors.New("provider down")
	client := &SimulatedClient{Err: wantErr}

	_, err := client.Generate(context.Background(), Request{Model: "simulated", Prompt: "hi"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want configured error", err)
	}
}

func TestSimulatedClientHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&SimulatedClient{}).Generate(ctx, Request{Model: "simulated", Prompt: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRegistryResolvesByNameAndModel(t *testing.T) {
	simulated := &SimulatedClient{}
	registry := NewRegistry(simulated)

	if client, ok := registry.Get("simulated"); !ok || client != Client(simulated) {
		t.Fatal("Get(simulated) did not resolve")
	}
	if _, ok := registry.Get("openai"); ok {
		t.Fatal("Get(openai) resolved without registration")
	}
	if client, ok := registry.ForModel("simulated"); !ok || client.Name() != "simulated" {
		t.Fatal("ForModel(simulated) did not resolve")
	}
	if _, ok := registry.ForModel("gpt-4o"); ok {
		t.Fatal("ForModel(gpt-4o) resolved without registration")
	}
	if names := registry.Names(); len(names) != 1 || names[0] != "simulated" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "prompt", Reason: "prompt is required"}
	if err.Error() != "prompt: prompt is required" {
		t.Fatalf("Error() = %q", err.Error())
	}
	bare := &ValidationError{Reason: "bad request"}
	if bare.Error() != "bad request" {
		t.Fatalf("Error() = %q", bare.Error())
	}
	wrapped := fmt.Errorf("generate: %w", err)
	if !IsValidationError(wrapped) {
		t.Fatal("wrapped validation error not detected")
	}
}
