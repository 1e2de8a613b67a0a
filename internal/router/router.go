// Package router classifies user utterances into conversation branches.
// Classification is hybrid: deterministic keyword rules first, then an
// optional LLM classifier for inputs no rule matches, then the configured
// fallback branch.
package router

import (
	"context"
	"fmt"
	"strings"
)

// Branch is the closed set of conversation branches.
type Branch string

const (
	BranchSalesPitch Branch = "sales_pitch"
	BranchSupportFAQ Branch = "support_faq"
)

// Valid reports whether b is a member of the closed branch set.
func (b Branch) Valid() bool {
	return b == BranchSalesPitch || b == BranchSupportFAQ
}

// Result reports the chosen branch and which stage decided it.
type Result struct {
	Branch Branch
	// Method is "rule", "llm", or "fallback".
	Method string
}

// Classifier routes one utterance. Implementations must be side-effect-free
// and safe for concurrent use.
type Classifier interface {
	Route(ctx context.Context, text string) (Result, error)
}

// Rule maps keyword markers to a branch. The first rule with a matching
// marker wins.
type Rule struct {
	Branch  Branch
	Markers []string
}

// Config controls the keyword router.
type Config struct {
	Rules []Rule
	// FallbackBranch is used when no rule matches and no LLM stage decides.
	// The default branch is an explicit policy choice, not an accident.
	FallbackBranch Branch
	// LLM optionally classifies inputs no rule matched.
	LLM Classifier
}

// DefaultRules cover the telesales/support split.
func DefaultRules() []Rule {
	return []Rule{
		{Branch: BranchSupportFAQ, Markers: []string{
			"help", "problem", "issue", "broken", "error", "refund", "cancel",
			"how do i", "not working", "support",
		}},
		{Branch: BranchSalesPitch, Markers: []string{
			"price", "pricing", "buy", "purchase", "discount", "offer",
			"interested", "upgrade", "plan", "trial",
		}},
	}
}

// KeywordRouter is the deterministic rule stage with optional LLM escalation.
type KeywordRouter struct {
	cfg Config
}

// New builds a router, defaulting rules and the fallback branch.
func New(cfg Config) (*KeywordRouter, error) {
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	if cfg.FallbackBranch == "" {
		cfg.FallbackBranch = BranchSalesPitch
	}
	if !cfg.FallbackBranch.Valid() {
		return nil, fmt.Errorf("invalid fallback branch %q", cfg.FallbackBranch)
	}
	for _, rule := range cfg.Rules {
		if !rule.Branch.Valid() {
			return nil, fmt.Errorf("invalid rule branch %q", rule.Branch)
		}
	}
	return &KeywordRouter{cfg: cfg}, nil
}

// Route classifies text. Rule matching is case-insensitive substring match
// against whole input; LLM failures degrade to the fallback branch rather
// than failing the turn.
func (r *KeywordRouter) Route(ctx context.Context, text string) (Result, error) {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered != "" {
		for _, rule := range r.cfg.Rules {
			for _, marker := range rule.Markers {
				if marker != "" && strings.Contains(lowered, marker) {
					return Result{Branch: rule.Branch, Method: "rule"}, nil
				}
			}
		}
		if r.cfg.LLM != nil {
			if res, err := r.cfg.LLM.Route(ctx, text); err == nil && res.Branch.Valid() {
				res.Method = "llm"
				return res, nil
			}
		}
	}
	return Result{Branch: r.cfg.FallbackBranch, Method: "fallback"}, nil
}
