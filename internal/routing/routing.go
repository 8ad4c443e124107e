// Package routing decides which drivers should handle a task. The core
// treats the plan as advisory: requires_multiple and the recommended agents
// are defaults an explicit mode may override.
package routing

import (
	"context"
	"strings"
)

// Plan is the advisory record returned by a routing provider.
type Plan struct {
	Task              string   `json:"task"`
	Intent            string   `json:"intent"`
	Complexity        float64  `json:"complexity"` // 0-1
	RequiresMultiple  bool     `json:"requires_multiple"`
	RecommendedAgents []string `json:"recommended_agents"`
	Parallel          bool     `json:"parallel"`
	EstimatedTokens   int      `json:"estimated_tokens"`
}

// Provider analyzes a task and produces a routing plan.
type Provider interface {
	Plan(ctx context.Context, task string, available []string, context map[string]any) (*Plan, error)
}

// DefaultPlan is the safe fallback used when a provider errors: single
// execution on the given primary driver.
func DefaultPlan(task, primary string) *Plan {
	return &Plan{
		Task:              task,
		Intent:            "general",
		Complexity:        0.5,
		RecommendedAgents: []string{primary},
		EstimatedTokens:   1000,
	}
}

// KeywordProvider is a rule-based provider that classifies intent from task
// keywords and recommends a driver per intent.
type KeywordProvider struct {
	// Preferences maps an intent to the preferred driver kind.
	Preferences map[string]string
	// Fallback is used when an intent has no preference or the preferred
	// driver is unavailable.
	Fallback string
}

// intentRules maps intents to trigger keywords, checked in priority order:
// more specific intents win.
var intentRules = map[string][]string{
	"code":     {"code", "program", "function", "debug", "refactor", "implement"},
	"terminal": {"terminal", "command", "shell", "bash", "run"},
	"research": {"research", "find", "search", "learn", "discover"},
	"creative": {"create", "imagine", "brainstorm", "design", "generate"},
	"analysis": {"analyze", "explain", "why does", "how does", "how can", "understand"},
}

var intentPriority = []string{"code", "terminal", "research", "creative", "analysis"}

// NewKeywordProvider creates the default rule-based provider.
func NewKeywordProvider(fallback string) *KeywordProvider {
	return &KeywordProvider{
		Preferences: map[string]string{
			"code":     fallback,
			"terminal": fallback,
			"research": fallback,
			"creative": fallback,
			"analysis": fallback,
			"general":  fallback,
		},
		Fallback: fallback,
	}
}

// ClassifyIntent classifies the task by keywords.
func (p *KeywordProvider) ClassifyIntent(task string) string {
	lower := strings.ToLower(task)
	for _, intent := range intentPriority {
		for _, keyword := range intentRules[intent] {
			if strings.Contains(lower, keyword) {
				return intent
			}
		}
	}
	return "general"
}

// Plan implements Provider.
func (p *KeywordProvider) Plan(ctx context.Context, task string, available []string, _ map[string]any) (*Plan, error) {
	intent := p.ClassifyIntent(task)

	preferred := p.Preferences[intent]
	if preferred == "" {
		preferred = p.Fallback
	}
	if len(available) > 0 && !contains(available, preferred) {
		preferred = available[0]
	}

	complexity := 0.5
	if intent == "code" || intent == "analysis" {
		complexity = 0.7
	}

	return &Plan{
		Task:              task,
		Intent:            intent,
		Complexity:        complexity,
		RequiresMultiple:  false,
		RecommendedAgents: []string{preferred},
		EstimatedTokens:   estimateTokens(task),
	}, nil
}

// estimateTokens is a rough heuristic: four characters per token for the
// prompt plus a flat response allowance.
func estimateTokens(task string) int {
	return len(task)/4 + 1000
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
