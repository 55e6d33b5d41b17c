package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

const reviewPrompt = `You are a senior code reviewer. Review the following %s and report concrete issues.

Respond with JSON only, no prose, in exactly this shape:
{"summary": "<one sentence>", "findings": [{"file": "<path>", "line": <number>, "description": "<issue>", "severity": "high|medium|low"}]}

If there is nothing actionable, return an empty findings array.

%s`

// LLMAnalyzer reviews the payload with a language model and parses the
// structured findings out of its answer.
type LLMAnalyzer struct {
	name  string
	model llms.Model
}

func NewLLMAnalyzer(name string, model llms.Model) *LLMAnalyzer {
	return &LLMAnalyzer{name: name, model: model}
}

// NewGoogleAIAnalyzer wires an LLM analyzer backed by a Gemini model.
func NewGoogleAIAnalyzer(ctx context.Context, name, apiKey, model string) (*LLMAnalyzer, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	}
	llm, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	return NewLLMAnalyzer(name, llm), nil
}

func (a *LLMAnalyzer) Name() string { return a.name }

func (a *LLMAnalyzer) Analyze(ctx context.Context, p Payload) (*Result, error) {
	kind := "unified diff"
	if p.Kind == PayloadSource {
		kind = "source code"
	}
	prompt := fmt.Sprintf(reviewPrompt, kind, p.Text)

	response, err := llms.GenerateFromSinglePrompt(ctx, a.model, prompt,
		llms.WithTemperature(0.2))
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}

	res, err := parseModelResponse(response)
	if err != nil {
		return nil, fmt.Errorf("parse model response: %w", err)
	}
	return res, nil
}

// parseModelResponse extracts the JSON object from the model output,
// repairing it when the model produced almost-JSON.
func parseModelResponse(response string) (*Result, error) {
	raw := extractJSON(response)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err == nil {
		return &res, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair model JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &res); err != nil {
		return nil, fmt.Errorf("decode repaired model JSON: %w", err)
	}
	return &res, nil
}

// extractJSON strips markdown fences and surrounding prose, returning the
// outermost {...} block.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
