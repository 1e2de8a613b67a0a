// Package reply produces grounded agent text for one turn. The generator is
// a black box to the orchestrator: utterance, branch, and retrieved chunks
// in, agent text out.
package reply

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tiger/callflow/internal/kb"
	"github.com/tiger/callflow/internal/router"
)

// Request carries everything a generator may use for one turn.
type Request struct {
	Utterance string
	Branch    router.Branch
	Chunks    []kb.Chunk
}

// Generator produces agent text for a turn.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config controls the OpenAI-backed generator.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// ConfigFromEnv resolves generator config from environment.
func ConfigFromEnv() Config {
	return Config{
		APIKey:  os.Getenv("CALLFLOW_REPLY_API_KEY"),
		BaseURL: os.Getenv("CALLFLOW_REPLY_BASE_URL"),
		Model:   os.Getenv("CALLFLOW_REPLY_MODEL"),
	}
}

// OpenAIGenerator renders replies through a chat completion model, grounded
// on the retrieved chunks.
type OpenAIGenerator struct {
	client    chatClient
	model     string
	maxTokens int
	timeout   time.Duration
}

// NewOpenAIGenerator builds a generator with defaults.
func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	return NewOpenAIGeneratorWithClient(cfg, nil)
}

// NewOpenAIGeneratorWithClient accepts an injected chat client for tests.
func NewOpenAIGeneratorWithClient(cfg Config, client chatClient) *OpenAIGenerator {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if client == nil {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		client = openai.NewClientWithConfig(clientConfig)
	}
	return &OpenAIGenerator{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Utterance) == "" {
		return "", fmt.Errorf("utterance is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.Utterance},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generate reply: empty completion")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("generate reply: blank completion")
	}
	return text, nil
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a live phone agent. Answer in one or two short spoken sentences. ")
	b.WriteString("No markdown, no lists. Expand numbers and abbreviations for speech.\n")
	switch req.Branch {
	case router.BranchSupportFAQ:
		b.WriteString("Mode: support. Resolve the caller's problem using only the context below.\n")
	default:
		b.WriteString("Mode: sales. Address the caller's interest using only the context below.\n")
	}
	if len(req.Chunks) == 0 {
		b.WriteString("Context: none. Say you will check and offer to follow up.\n")
		return b.String()
	}
	b.WriteString("Context:\n")
	for _, chunk := range req.Chunks {
		fmt.Fprintf(&b, "- %s\n", chunk.Text)
	}
	return b.String()
}
