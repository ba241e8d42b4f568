// Package reply decides whether the bot should answer a chat and writes the
// answer. The model sees the assembled chat context, may call MCP tools, and
// finally returns a JSON verdict {should_reply, reply_content}.
package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/mioo-go/internal/config"
	"github.com/comigor/mioo-go/internal/llm"
	"github.com/comigor/mioo-go/internal/logger"
)

const defaultMaxTurns = 5

// ErrMaxTurns is returned when the model keeps requesting tools.
var ErrMaxTurns = errors.New("exceeded maximum interaction turns")

// FSM States
type FSMState stateless.State

var (
	StateReadyToCallLLM FSMState = "ReadyToCallLLM"
	StateExecutingTools FSMState = "ExecutingTools"
	StateDone           FSMState = "Done"  // Terminal: verdict received
	StateError          FSMState = "Error" // Terminal: error state
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerProcessInput            FSMTrigger = "ProcessInput"
	TriggerLLMRespondedWithContent FSMTrigger = "LLMRespondedWithContent"
	TriggerLLMRequestedTools       FSMTrigger = "LLMRequestedTools"
	TriggerToolsExecutionCompleted FSMTrigger = "ToolsExecutionCompleted"
	TriggerErrorOccurred           FSMTrigger = "ErrorOccurred"
)

// Request is one reply decision.
type Request struct {
	ChatID       int64
	ContextLines []string
	// MustReply is set when the bot was addressed directly.
	MustReply bool
}

// Decision is the model's verdict.
type Decision struct {
	ShouldReply bool   `json:"should_reply"`
	Content     string `json:"reply_content"`
}

// Agent asks the chat model for reply decisions.
type Agent struct {
	llmClient llm.Client
	model     string
	cfg       config.ReplyConfig
	tools     *Toolset
	log       *slog.Logger
}

// New creates a new agent. tools may be nil.
func New(llmClient llm.Client, model string, cfg config.ReplyConfig, tools *Toolset) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	return &Agent{
		llmClient: llmClient,
		model:     model,
		cfg:       cfg,
		tools:     tools,
		log:       logger.Component("reply"),
	}
}

// Decide runs the model over the chat context. LLM and tool loop failures
// are returned; an unparseable verdict is treated as "do not reply".
func (a *Agent) Decide(ctx context.Context, req Request) (Decision, error) {
	type fsmContext struct {
		messages    []openai.ChatCompletionMessage
		llmResponse *openai.ChatCompletionResponse
		final       string
		lastError   error
		currentTurn int
	}

	background, err := loadBackground(a.cfg.InfoPath)
	if err != nil {
		a.log.Warn("failed to read background info", "path", a.cfg.InfoPath, "error", err)
	}
	system := buildSystemPrompt(a.cfg.SystemPrompt, background, a.tools.Prompts(), req.MustReply)

	fsmCtx := &fsmContext{
		messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req.ContextLines)},
		},
	}

	fsm := stateless.NewStateMachine(StateReadyToCallLLM)

	fsm.Configure(StateReadyToCallLLM).
		PermitReentry(TriggerProcessInput).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if fsmCtx.currentTurn >= a.cfg.MaxTurns {
				a.log.Warn("Max interaction turns reached.", "chat_id", req.ChatID, "maxTurns", a.cfg.MaxTurns)
				fsmCtx.lastError = ErrMaxTurns
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.currentTurn++
			a.log.Debug("FSM: Entering StateReadyToCallLLM", "turn", fsmCtx.currentTurn)

			resp, err := a.llmClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:          a.model,
				Messages:       fsmCtx.messages,
				Tools:          a.tools.Tools(),
				ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
			})
			if err != nil {
				a.log.Error("LLM call failed", "chat_id", req.ChatID, "error", err)
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			if len(resp.Choices) == 0 {
				fsmCtx.lastError = errors.New("LLM returned no choices")
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.llmResponse = &resp

			if len(resp.Choices[0].Message.ToolCalls) > 0 {
				return fsm.FireCtx(ctx, TriggerLLMRequestedTools)
			}
			return fsm.FireCtx(ctx, TriggerLLMRespondedWithContent)
		}).
		Permit(TriggerLLMRequestedTools, StateExecutingTools).
		Permit(TriggerLLMRespondedWithContent, StateDone).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateExecutingTools).
		OnEntry(func(ctx context.Context, _ ...any) error {
			a.log.Debug("FSM: Entering StateExecutingTools")
			msg := fsmCtx.llmResponse.Choices[0].Message
			fsmCtx.messages = append(fsmCtx.messages, msg)

			for _, tc := range msg.ToolCalls {
				var args map[string]any
				output := ""
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					a.log.Error("Failed to unmarshal tool arguments", "function", tc.Function.Name, "error", err)
					output = "Error: Could not parse arguments for tool " + tc.Function.Name
				} else {
					output = a.tools.Call(ctx, tc.Function.Name, args)
				}
				fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    output,
					ToolCallID: tc.ID,
					Name:       tc.Function.Name,
				})
			}
			return fsm.FireCtx(ctx, TriggerToolsExecutionCompleted)
		}).
		Permit(TriggerToolsExecutionCompleted, StateReadyToCallLLM)

	fsm.Configure(StateDone).
		OnEntry(func(context.Context, ...any) error {
			fsmCtx.final = fsmCtx.llmResponse.Choices[0].Message.Content
			return nil
		})

	fsm.Configure(StateError).
		OnEntry(func(context.Context, ...any) error {
			if fsmCtx.lastError == nil {
				fsmCtx.lastError = errors.New("FSM: reached error state without a specific error")
			}
			return nil
		})

	if err := fsm.FireCtx(ctx, TriggerProcessInput); err != nil {
		return Decision{}, fmt.Errorf("reply FSM: %w", err)
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("reply FSM internal error: %w", err)
	}
	switch state {
	case StateDone:
		return a.parse(req.ChatID, fsmCtx.final), nil
	case StateError:
		return Decision{}, fsmCtx.lastError
	default:
		if fsmCtx.lastError != nil {
			return Decision{}, fsmCtx.lastError
		}
		return Decision{}, fmt.Errorf("reply FSM ended in an unexpected state: %v", state)
	}
}

func (a *Agent) parse(chatID int64, raw string) Decision {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return Decision{}
	}

	var d Decision
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		a.log.Warn("model verdict is not valid JSON; not replying", "chat_id", chatID, "error", err, "raw", raw)
		return Decision{}
	}
	d.Content = strings.TrimSpace(d.Content)
	if !d.ShouldReply || d.Content == "" {
		return Decision{}
	}
	a.log.Info("model decided to reply", "chat_id", chatID)
	return d
}
