// Package domain defines the core domain models for the coordinator.
package domain

import "strings"

// SessionStatus represents the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusTerminated SessionStatus = "terminated"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusTerminated:
		return true
	}
	return false
}

// Role represents the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ModelType is the coarse model tier a session runs on.
type ModelType string

const (
	ModelHaiku  ModelType = "haiku"
	ModelSonnet ModelType = "sonnet"
	ModelOpus   ModelType = "opus"
)

// ParseModel converts a user supplied model name into a ModelType.
func ParseModel(s string) (ModelType, bool) {
	switch ModelType(strings.ToLower(strings.TrimSpace(s))) {
	case ModelHaiku:
		return ModelHaiku, true
	case ModelSonnet:
		return ModelSonnet, true
	case ModelOpus:
		return ModelOpus, true
	}
	return "", false
}

// PromptKind distinguishes permission requests from question prompts.
type PromptKind string

const (
	PromptKindPermission PromptKind = "permission"
	PromptKindQuestion   PromptKind = "question"
)

// PermissionBehavior is the outcome delivered to the agent runtime for a tool call.
type PermissionBehavior string

const (
	BehaviorAllow PermissionBehavior = "allow"
	BehaviorDeny  PermissionBehavior = "deny"
)
