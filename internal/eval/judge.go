package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// JudgeCaller makes one judge-model call and returns the raw completion text.
type JudgeCaller interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// OpenAIJudge calls the OpenAI chat API as the judge model.
type OpenAIJudge struct {
	client *openai.Client
	model  string
}

func NewOpenAIJudge(apiKey, baseURL, model string) *OpenAIJudge {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIJudge{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (j *OpenAIJudge) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := j.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: j.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("judge completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("judge completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

const judgeSystemPrompt = `You are an impartial evaluator. Score the response on the given dimension. Reply with a JSON object only: {"score": <number 0.0-1.0>, "reasoning": "<one sentence>"}.`

// judgeRubrics holds the fixed rubric per LLM-scored dimension.
var judgeRubrics = map[string]string{
	"relevance":   "How directly and completely does the response address the prompt? Ignore style; judge topical fit and coverage only.",
	"coherence":   "How logically structured and internally consistent is the response? Judge flow, ordering, and absence of contradictions.",
	"helpfulness": "How useful is the response to someone who asked the prompt? Judge actionability, completeness, and clarity.",
}

// LLMEvaluator delegates scoring to a judge model with a fixed rubric. A
// response that fails to parse as JSON scores 0.5 with an explanatory
// reasoning; a failed call scores 0.
type LLMEvaluator struct {
	id     string
	rubric string
	judge  JudgeCaller
}

func NewLLMEvaluator(id string, judge JudgeCaller) (*LLMEvaluator, error) {
	rubric, ok := judgeRubrics[id]
	if !ok {
		return nil, fmt.Errorf("no rubric for evaluator %q", id)
	}
	return &LLMEvaluator{id: id, rubric: rubric, judge: judge}, nil
}

func (e *LLMEvaluator) ID() string {
	return e.id
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, req Request) (*Result, error) {
	prompt := fmt.Sprintf("Dimension: %s\nRubric: %s\n\nPrompt:\n%s\n\nResponse:\n%s",
		e.id, e.rubric, req.Prompt, req.Response)
	if req.Context != "" {
		prompt += "\n\nContext:\n" + req.Context
	}
	if req.ExpectedOutput != "" {
		prompt += "\n\nExpected output:\n" + req.ExpectedOutput
	}

	now := time.Now().UTC()
	raw, err := e.judge.Complete(ctx, judgeSystemPrompt, prompt)
	if err != nil {
		return &Result{
			Score:     0,
			Reasoning: fmt.Sprintf("judge call failed: %v", err),
			Metadata:  map[string]any{"evaluator": e.id, "call_failed": true},
			Timestamp: now,
		}, nil
	}

	score, reasoning, ok := parseJudgeJSON(raw)
	if !ok {
		return &Result{
			Score:     0.5,
			Reasoning: fmt.Sprintf("judge output was not valid JSON, defaulting to 0.5: %s", truncate(raw, 200)),
			Metadata:  map[string]any{"evaluator": e.id, "parse_failed": true},
			Timestamp: now,
		}, nil
	}

	return &Result{
		Score:     clampScore(score),
		Reasoning: reasoning,
		Metadata:  map[string]any{"evaluator": e.id},
		Timestamp: now,
	}, nil
}

func parseJudgeJSON(raw string) (float64, string, bool) {
	text := strings.TrimSpace(raw)
	// Tolerate judges that wrap the JSON in a code fence.
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var payload struct {
		Score     float64 `json:"score"`
		Reasoning string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return 0, "", false
	}
	return payload.Score, payload.Reasoning, true
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
