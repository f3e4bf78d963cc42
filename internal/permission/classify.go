package permission

import "strings"

// ToolClass is the tagged-union classification of a tool name, replacing
// ad-hoc runtime prefix dispatch with a single lookup table (REDESIGN
// FLAG). The mcp__ prefix rule remains as a fallback for tools outside
// the table.
type ToolClass int

const (
	ClassUnknown ToolClass = iota
	ClassAlwaysAllow
	ClassRead
	ClassWrite
	ClassBash
	ClassAskUser
)

const mcpPrefix = "mcp__"

// BashToolName is the canonical name of the shell execution tool.
const BashToolName = "Bash"

// AskUserQuestionToolName is the canonical name of the interactive
// question round-trip tool.
const AskUserQuestionToolName = "AskUserQuestion"

var toolClassTable = map[string]ToolClass{
	// Always allowed: no permission needed.
	"WebSearch":  ClassAlwaysAllow,
	"WebFetch":   ClassAlwaysAllow,
	"Task":       ClassAlwaysAllow,
	"TaskOutput": ClassAlwaysAllow,

	// Read-ish: needs read permission.
	"Read":         ClassRead,
	"Glob":         ClassRead,
	"Grep":         ClassRead,
	"LS":           ClassRead,
	"NotebookRead": ClassRead,
	"LSP":          ClassRead,

	// Write-ish: needs write permission.
	"Write":       ClassWrite,
	"Edit":        ClassWrite,
	"MultiEdit":   ClassWrite,
	"NotebookEdit": ClassWrite,

	BashToolName:            ClassBash,
	AskUserQuestionToolName: ClassAskUser,
}

// ClassifyTool maps a tool name to its permission class. MCP-prefixed
// tools are always allowed regardless of the table; everything else
// not in the table is ClassUnknown, which is resolved by trust level
// at the call site (allow in direct, deny in sandboxed).
func ClassifyTool(name string) ToolClass {
	if strings.HasPrefix(name, mcpPrefix) {
		return ClassAlwaysAllow
	}
	if class, ok := toolClassTable[name]; ok {
		return class
	}
	return ClassUnknown
}
