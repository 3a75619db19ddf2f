package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/hurttlocker/quill/internal/journal"
)

// Role tags a conversation message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Message is one turn of an agent conversation. The set of message kinds
// is closed: UserMessage, AssistantMessage, ToolCallMessage and
// ToolResultMessage.
type Message interface {
	Role() Role
	message()
}

// UserMessage is text from the person.
type UserMessage struct {
	Text string `json:"text"`
}

// AssistantMessage is text from the model.
type AssistantMessage struct {
	Text string `json:"text"`
}

// ToolCallMessage asks for a tool to run.
type ToolCallMessage struct {
	Call Call `json:"call"`
}

// ToolResultMessage carries a tool's answer back to the model. Error is set
// instead of Result when the call was rejected.
type ToolResultMessage struct {
	CallID string  `json:"call_id,omitempty"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func (UserMessage) Role() Role       { return RoleUser }
func (AssistantMessage) Role() Role  { return RoleAssistant }
func (ToolCallMessage) Role() Role   { return RoleToolCall }
func (ToolResultMessage) Role() Role { return RoleToolResult }

func (UserMessage) message()       {}
func (AssistantMessage) message()  {}
func (ToolCallMessage) message()   {}
func (ToolResultMessage) message() {}

// Handle processes one conversation message. A tool call is dispatched and
// answered with a ToolResultMessage; unknown tools and invalid arguments
// are reported inside that message so the agent can correct itself. Other
// message kinds need no reply and yield nil. Failures that are not the
// caller's fault, such as storage errors, are returned as errors.
func (r *Registry) Handle(ctx context.Context, msg Message) (Message, error) {
	switch m := msg.(type) {
	case UserMessage, AssistantMessage, ToolResultMessage:
		return nil, nil
	case ToolCallMessage:
		res, err := r.Dispatch(ctx, m.Call)
		if err == nil {
			return ToolResultMessage{CallID: m.Call.ID, Result: res}, nil
		}
		if errors.Is(err, journal.ErrUnknownTool) || errors.Is(err, journal.ErrInvalidArgument) {
			return ToolResultMessage{CallID: m.Call.ID, Error: err.Error()}, nil
		}
		return nil, err
	case nil:
		return nil, fmt.Errorf("nil message: %w", journal.ErrInvalidArgument)
	default:
		return nil, fmt.Errorf("unsupported message %T: %w", msg, journal.ErrInvalidArgument)
	}
}
