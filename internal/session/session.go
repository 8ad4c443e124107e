// Package session persists per-workspace conversation state.
package session

import (
	"time"
)

// Turn is one role-tagged message in a session's conversation.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
	Cost      float64   `json:"cost"`
}

// Session is the persistent conversation state for one workspace.
type Session struct {
	ID            string         `json:"id"`
	Workspace     string         `json:"workspace"`
	PrimaryDriver string         `json:"primary_driver"`
	CreatedAt     time.Time      `json:"created_at"`
	LastActive    time.Time      `json:"last_active"`
	Conversation  []Turn         `json:"conversation"`
	Context       map[string]any `json:"context"`
	TotalTokens   int            `json:"total_tokens"`
	TotalCost     float64        `json:"total_cost"`
}
