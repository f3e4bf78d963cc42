package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/parachute-run/parachute/internal/agent"
	"github.com/parachute-run/parachute/internal/permission"
	"github.com/parachute-run/parachute/pkg/models"
)

// runDirect executes a turn in-process against the wired Agent Runtime
// (C5), gating every tool call synchronously through handler before the
// local Executor runs it. This is the "direct" trust path: the Agent
// Runtime, not a container, owns tool dispatch.
func (o *Orchestrator) runDirect(ctx context.Context, session *models.Session, req DispatchRequest, handler *permission.Handler, model string) (<-chan models.TurnEvent, error) {
	if o.runtime == nil {
		return nil, errors.New("orchestrator: no agent runtime configured for direct-trust sessions")
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = o.cfg.DefaultSystemPrompt
	}

	var tools []agent.Tool
	var toolNames []string
	if o.executor != nil {
		tools = o.toolDefinitions()
		toolNames = make([]string, len(tools))
		for i, t := range tools {
			toolNames[i] = t.Name()
		}
	}

	out := make(chan models.TurnEvent)
	go func() {
		defer close(out)

		out <- models.TurnEvent{
			Type: models.TurnEventInit,
			Time: time.Now(),
			Init: &models.InitEvent{
				Tools:            toolNames,
				WorkingDirectory: req.WorkingDirectory,
			},
		}

		messages := []agent.CompletionMessage{{Role: "user", Content: req.Message}}

		for round := 0; round < maxDirectRounds; round++ {
			select {
			case <-ctx.Done():
				out <- models.TurnEvent{Type: models.TurnEventAborted, Time: time.Now(), Error: "turn aborted"}
				return
			default:
			}

			chunks, err := o.runtime.Complete(ctx, &agent.CompletionRequest{
				Model:    model,
				System:   systemPrompt,
				Messages: messages,
				Tools:    tools,
			})
			if err != nil {
				out <- models.TurnEvent{Type: models.TurnEventError, Time: time.Now(), Error: err.Error()}
				return
			}

			var assistantText strings.Builder
			var pendingCalls []models.ToolCall
			for chunk := range chunks {
				if chunk.Error != nil {
					out <- models.TurnEvent{Type: models.TurnEventError, Time: time.Now(), Error: chunk.Error.Error()}
					return
				}
				if chunk.ThinkingStart || chunk.Thinking != "" {
					out <- models.TurnEvent{Type: models.TurnEventThinking, Time: time.Now(), Thinking: chunk.Thinking}
				}
				if chunk.Text != "" {
					assistantText.WriteString(chunk.Text)
					out <- models.TurnEvent{Type: models.TurnEventText, Time: time.Now(), Text: chunk.Text}
				}
				if chunk.ToolCall != nil {
					pendingCalls = append(pendingCalls, *chunk.ToolCall)
				}
			}

			messages = append(messages, agent.CompletionMessage{
				Role:      "assistant",
				Content:   assistantText.String(),
				ToolCalls: pendingCalls,
			})

			if len(pendingCalls) == 0 {
				out <- models.TurnEvent{Type: models.TurnEventDone, Time: time.Now(), SessionID: session.ID}
				return
			}

			results := o.runToolCalls(ctx, handler, pendingCalls, out)
			messages = append(messages, agent.CompletionMessage{Role: "tool", ToolResults: results})
		}

		out <- models.TurnEvent{Type: models.TurnEventError, Time: time.Now(), Error: "turn exceeded the maximum number of tool round-trips"}
	}()

	return out, nil
}

// runToolCalls gates and executes one round of tool calls, emitting a
// tool_use/tool_result pair for each, and returns the results to feed
// back to the Agent Runtime.
func (o *Orchestrator) runToolCalls(ctx context.Context, handler *permission.Handler, calls []models.ToolCall, out chan<- models.TurnEvent) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))

	for _, call := range calls {
		out <- models.TurnEvent{
			Type: models.TurnEventToolUse,
			Time: time.Now(),
			Tool: &models.ToolUseEvent{ToolUseID: call.ID, Name: call.Name, Input: call.Input},
		}

		if call.Name == permission.AskUserQuestionToolName {
			answers := handler.CheckAskUserQuestion(ctx, call.Input)
			encoded, _ := json.Marshal(answers)
			results = append(results, models.ToolResult{ToolCallID: call.ID, Content: string(encoded)})
			out <- models.TurnEvent{
				Type:       models.TurnEventToolResult,
				Time:       time.Now(),
				ToolResult: &models.ToolResultEvent{ToolUseID: call.ID, Content: string(encoded)},
			}
			continue
		}

		decision := handler.Check(ctx, call.Name, call.Input, call.ID)
		if !decision.Allow {
			results = append(results, models.ToolResult{ToolCallID: call.ID, Content: decision.Message, IsError: true})
			out <- models.TurnEvent{
				Type:       models.TurnEventToolResult,
				Time:       time.Now(),
				ToolResult: &models.ToolResultEvent{ToolUseID: call.ID, Content: decision.Message, IsError: true},
			}
			continue
		}

		content, isError := o.executeTool(ctx, call)
		results = append(results, models.ToolResult{ToolCallID: call.ID, Content: content, IsError: isError})
		out <- models.TurnEvent{
			Type:       models.TurnEventToolResult,
			Time:       time.Now(),
			ToolResult: &models.ToolResultEvent{ToolUseID: call.ID, Content: content, IsError: isError},
		}
	}

	return results
}

func (o *Orchestrator) executeTool(ctx context.Context, call models.ToolCall) (content string, isError bool) {
	if o.executor == nil {
		return "no tool executor configured", true
	}
	result := o.executor.Execute(ctx, call)
	if result.Error != nil {
		return result.Error.Error(), true
	}
	if result.Result != nil {
		return result.Result.Content, result.Result.IsError
	}
	return "", false
}

func (o *Orchestrator) toolDefinitions() []agent.Tool {
	if o.executor == nil || o.executor.Registry() == nil {
		return nil
	}
	return o.executor.Registry().All()
}
