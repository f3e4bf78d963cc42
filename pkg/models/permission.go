package models

import "time"

// RequestStatus is the lifecycle state of a PermissionRequest or
// UserQuestionRequest. Only pending -> * transitions are valid; terminal
// transitions are idempotent no-ops.
type RequestStatus string

const (
	RequestPending RequestStatus = "pending"
	RequestGranted RequestStatus = "granted"
	RequestDenied  RequestStatus = "denied"
	RequestTimeout RequestStatus = "timeout"
)

// PermissionRequest is an in-flight approval gate for one tool call. It
// lives only in memory, keyed by an ID derived from the session and
// tool-use IDs.
type PermissionRequest struct {
	ID          string
	SessionID   string
	Tool        string
	Input       []byte
	FilePath    string
	Suggestions []string
	Status      RequestStatus
	CreatedAt   time.Time
}

// UserQuestionRequest is the AskUserQuestion analog of PermissionRequest:
// it carries a list of questions instead of a single tool call and
// resolves with an answer map rather than a grant/deny verdict.
type UserQuestionRequest struct {
	ID        string
	SessionID string
	Questions []Question
	Status    RequestStatus
	CreatedAt time.Time
}
