// Package summarize drives the LLM that condenses conversation spans into
// checkpoint summaries. Prompts are level-specific, mode-aware and
// goal-aware; failures map onto the recoverable taxonomy the pipeline
// falls back on.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/quill/internal/goals"
	"github.com/dohr-michael/quill/internal/storage"
)

// Mode is the client's current operational mode. It selects which details
// summaries must preserve.
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeDeveloper Mode = "developer"
	ModePlanning  Mode = "planning"
	ModeDebugger  Mode = "debugger"
)

// ModeProvider is the mode collaborator contract.
type ModeProvider interface {
	CurrentMode() Mode
}

// ModeProviderFunc adapts a function to ModeProvider.
type ModeProviderFunc func() Mode

func (f ModeProviderFunc) CurrentMode() Mode { return f() }

// Request describes one summarization call.
type Request struct {
	Messages []storage.Message
	Level    storage.CompressionLevel
	Mode     Mode
	Goal     *goals.Goal
	ModelID  string
}

// Result carries the summary and any goal markers parsed out of it.
type Result struct {
	Summary string
	Markers []goals.Marker
}

// Service calls the LLM transport with summarization prompts.
type Service struct {
	transport model.BaseChatModel
	timeout   time.Duration
}

// NewService creates a summarization service over the given transport.
func NewService(transport model.BaseChatModel, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{transport: transport, timeout: timeout}
}

// Summarize condenses a span of messages at the requested level.
func (s *Service) Summarize(ctx context.Context, req Request) (Result, error) {
	prompt := buildPrompt(req, renderMessages(req.Messages))
	return s.call(ctx, prompt, req)
}

// Resummarize feeds an existing summary back through the LLM at a lower
// level. Used by checkpoint aging.
func (s *Service) Resummarize(ctx context.Context, summaryText string, req Request) (Result, error) {
	var body strings.Builder
	body.WriteString(resummarizeInstructions)
	body.WriteString("\n\n## Earlier Summary\n\n")
	body.WriteString(summaryText)

	prompt := buildPrompt(req, body.String())
	return s.call(ctx, prompt, req)
}

// Merge combines two adjacent summaries into one level-1 summary.
func (s *Service) Merge(ctx context.Context, older, newer string, req Request) (Result, error) {
	var body strings.Builder
	body.WriteString(mergeInstructions)
	body.WriteString("\n\n## Older Summary\n\n")
	body.WriteString(older)
	body.WriteString("\n\n## Newer Summary\n\n")
	body.WriteString(newer)

	req.Level = storage.LevelCompact
	prompt := buildPrompt(req, body.String())
	return s.call(ctx, prompt, req)
}

func (s *Service) call(ctx context.Context, prompt string, req Request) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.transport.Generate(callCtx, []*schema.Message{{Role: schema.User, Content: prompt}})
	if err != nil {
		kind := storage.FailureTransport
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = storage.FailureTimeout
		}
		slog.Error("summarization call failed", "model", req.ModelID, "kind", string(kind), "error", err)
		return Result{}, &storage.SummarizationFailedError{Kind: kind, Err: err}
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		slog.Error("summarization returned empty content", "model", req.ModelID)
		return Result{}, &storage.SummarizationFailedError{Kind: storage.FailureEmpty}
	}

	return Result{
		Summary: summary,
		Markers: goals.ParseMarkers(summary),
	}, nil
}

// buildPrompt assembles level instructions, mode directives, the goal block
// and the conversation body into the final prompt.
func buildPrompt(req Request, body string) string {
	var sb strings.Builder

	sb.WriteString("You are summarizing part of a conversation between a user and an AI assistant.\n\n")

	if req.Goal != nil {
		writeGoalBlock(&sb, req.Goal)
	}

	sb.WriteString("## Instructions\n\n")
	sb.WriteString(levelInstructions(req.Level))
	sb.WriteString("\n")
	sb.WriteString(modeDirectives(req.Mode))
	sb.WriteString("\n")
	if req.Goal != nil {
		sb.WriteString(markerInstructions)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(body)
	sb.WriteString("\n")

	return sb.String()
}

func writeGoalBlock(sb *strings.Builder, goal *goals.Goal) {
	sb.WriteString("## Active Goal\n\n")
	sb.WriteString(fmt.Sprintf("%s (priority: %s, status: %s)\n", goal.Description, goal.Priority, goal.Status))
	for _, cp := range goal.Checkpoints {
		sb.WriteString(fmt.Sprintf("- checkpoint: %s [%s]\n", cp.Text, cp.Status))
	}
	for _, d := range goal.Decisions {
		if d.Locked {
			sb.WriteString(fmt.Sprintf("- locked decision: %s\n", d.Text))
		} else {
			sb.WriteString(fmt.Sprintf("- decision: %s\n", d.Text))
		}
	}
	sb.WriteString("\nThe goal and its locked decisions must survive summarization verbatim.\n\n")
}

func levelInstructions(level storage.CompressionLevel) string {
	switch level {
	case storage.LevelCompact:
		return levelCompactInstructions
	case storage.LevelModerate:
		return levelModerateInstructions
	default:
		return levelDetailedInstructions
	}
}

func modeDirectives(mode Mode) string {
	switch mode {
	case ModeDeveloper:
		return modeDeveloperDirectives
	case ModePlanning:
		return modePlanningDirectives
	case ModeDebugger:
		return modeDebuggerDirectives
	default:
		return modeAssistantDirectives
	}
}

func renderMessages(msgs []storage.Message) string {
	var sb strings.Builder
	sb.WriteString("## Messages\n\n")
	for _, m := range msgs {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n\n", m.Role, m.Content))
	}
	return sb.String()
}
