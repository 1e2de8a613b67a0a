package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const classifyPrompt = `Classify the caller utterance into exactly one branch.
Branches:
- sales_pitch: buying intent, pricing, upgrades, product interest
- support_faq: problems, troubleshooting, account or billing help

Respond with JSON only: {"branch":"sales_pitch"} or {"branch":"support_faq"}.`

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMConfig configures the LLM classification stage.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// LLMConfigFromEnv resolves classifier config from environment.
func LLMConfigFromEnv() LLMConfig {
	return LLMConfig{
		APIKey:  os.Getenv("CALLFLOW_ROUTER_API_KEY"),
		BaseURL: os.Getenv("CALLFLOW_ROUTER_BASE_URL"),
		Model:   os.Getenv("CALLFLOW_ROUTER_MODEL"),
	}
}

// LLMClassifier asks a lightweight chat model for the branch when keyword
// rules were inconclusive.
type LLMClassifier struct {
	client  chatClient
	model   string
	timeout time.Duration
}

// NewLLMClassifier builds the classifier with defaults.
func NewLLMClassifier(cfg LLMConfig) *LLMClassifier {
	return NewLLMClassifierWithClient(cfg, nil)
}

// NewLLMClassifierWithClient accepts an injected chat client for tests.
func NewLLMClassifierWithClient(cfg LLMConfig, client chatClient) *LLMClassifier {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if client == nil {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		client = openai.NewClientWithConfig(clientConfig)
	}
	return &LLMClassifier{client: client, model: cfg.Model, timeout: cfg.Timeout}
}

// Route implements Classifier.
func (c *LLMClassifier) Route(ctx context.Context, text string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   32,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("classify utterance: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("classify utterance: empty completion")
	}
	return parseBranchJSON(resp.Choices[0].Message.Content)
}

func parseBranchJSON(content string) (Result, error) {
	content = strings.TrimSpace(content)
	// Models occasionally wrap JSON in a code fence.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var payload struct {
		Branch Branch `json:"branch"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err != nil {
		return Result{}, fmt.Errorf("decode classification %q: %w", content, err)
	}
	if !payload.Branch.Valid() {
		return Result{}, fmt.Errorf("classification returned unknown branch %q", payload.Branch)
	}
	return Result{Branch: payload.Branch, Method: "llm"}, nil
}
