package router

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestRouteByKeywordRules(t *testing.T) {
	t.Parallel()

	r, err := New(Config{})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	cases := []struct {
		text string
		want Branch
	}{
		{text: "My device is broken and I need help", want: BranchSupportFAQ},
		{text: "What is the pricing for the premium plan?", want: BranchSalesPitch},
		{text: "HOW DO I reset my password", want: BranchSupportFAQ},
		{text: "I'm interested in an upgrade", want: BranchSalesPitch},
	}
	for _, tc := range cases {
		res, err := r.Route(context.Background(), tc.text)
		if err != nil {
			t.Fatalf("route %q: %v", tc.text, err)
		}
		if res.Branch != tc.want || res.Method != "rule" {
			t.Fatalf("route %q = %+v, want branch %s via rule", tc.text, res, tc.want)
		}
	}
}

func TestRouteFallbackIsDeterministic(t *testing.T) {
	t.Parallel()

	r, err := New(Config{FallbackBranch: BranchSupportFAQ})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	for i := 0; i < 3; i++ {
		res, err := r.Route(context.Background(), "mmm okay sure")
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if res.Branch != BranchSupportFAQ || res.Method != "fallback" {
			t.Fatalf("unexpected fallback result: %+v", res)
		}
	}
}

type stubClassifier struct {
	res Result
	err error
}

func (s stubClassifier) Route(context.Context, string) (Result, error) {
	return s.res, s.err
}

func TestRouteLLMStageDecidesUnmatchedInput(t *testing.T) {
	t.Parallel()

	r, err := New(Config{LLM: stubClassifier{res: Result{Branch: BranchSupportFAQ}}})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	res, err := r.Route(context.Background(), "the thing from yesterday again")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Branch != BranchSupportFAQ || res.Method != "llm" {
		t.Fatalf("expected llm decision, got %+v", res)
	}
}

func TestRouteLLMFailureDegradesToFallback(t *testing.T) {
	t.Parallel()

	r, err := New(Config{LLM: stubClassifier{err: errors.New("model offline")}})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	res, err := r.Route(context.Background(), "the thing from yesterday again")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Branch != BranchSalesPitch || res.Method != "fallback" {
		t.Fatalf("expected fallback after llm failure, got %+v", res)
	}
}

func TestNewRejectsUnknownBranches(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{FallbackBranch: "billing"}); err == nil {
		t.Fatalf("expected unknown fallback branch to fail")
	}
	if _, err := New(Config{Rules: []Rule{{Branch: "billing", Markers: []string{"invoice"}}}}); err == nil {
		t.Fatalf("expected unknown rule branch to fail")
	}
}

type fakeChatClient struct {
	content string
	err     error
}

func (f fakeChatClient) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func TestLLMClassifierParsesBranchJSON(t *testing.T) {
	t.Parallel()

	c := NewLLMClassifierWithClient(LLMConfig{}, fakeChatClient{content: "```json\n{\"branch\":\"support_faq\"}\n```"})
	res, err := c.Route(context.Background(), "something odd")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Branch != BranchSupportFAQ {
		t.Fatalf("unexpected branch %s", res.Branch)
	}
}

func TestLLMClassifierRejectsUnknownBranch(t *testing.T) {
	t.Parallel()

	c := NewLLMClassifierWithClient(LLMConfig{}, fakeChatClient{content: `{"branch":"weather"}`})
	if _, err := c.Route(context.Background(), "something odd"); err == nil {
		t.Fatalf("expected unknown branch to fail")
	}
}
