// Package pipeline implements the six-stage compression flow, checkpoint
// aging and the emergency reduction ladder.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/dohr-michael/quill/internal/active"
	"github.com/dohr-michael/quill/internal/config"
	"github.com/dohr-michael/quill/internal/goals"
	"github.com/dohr-michael/quill/internal/history"
	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/summarize"
	"github.com/dohr-michael/quill/internal/tokens"
)

// minCompressible is the smallest candidate run worth a summarization
// call.
const minCompressible = 5

// Pipeline drives one session's compression passes. It is invoked only
// under the orchestrator's writer lock.
type Pipeline struct {
	cfg     config.OrchestratorConfig
	context *active.Manager
	history *history.Manager
	service *summarize.Service
	counter *tokens.CachingCounter
	modes   summarize.ModeProvider
	goalMgr goals.Manager // optional
}

// New wires a pipeline over its collaborators. goalMgr may be nil.
func New(
	cfg config.OrchestratorConfig,
	ctx *active.Manager,
	hist *history.Manager,
	service *summarize.Service,
	counter *tokens.CachingCounter,
	modes summarize.ModeProvider,
	goalMgr goals.Manager,
) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		context: ctx,
		history: hist,
		service: service,
		counter: counter,
		modes:   modes,
		goalMgr: goalMgr,
	}
}

// SetConfig replaces the configuration, e.g. after a config update.
func (p *Pipeline) SetConfig(cfg config.OrchestratorConfig) { p.cfg = cfg }

// RunResult reports one completed pass.
type RunResult struct {
	Checkpoint       storage.CheckpointSummary
	MessageCount     int
	OriginalTokens   int
	CompressedTokens int
	Ratio            float64
	Level            storage.CompressionLevel
	// StillOver is non-nil when stage 6 found the context over budget
	// even after the pass; the orchestrator escalates to emergency
	// actions.
	StillOver *storage.ValidationOverError
}

// Run executes the six stages. forceLevel overrides stage 2's level choice
// when non-zero (emergency strategy 1 forces level 1). On a stage 3
// failure the active context is untouched and the error propagates;
// stages 4 and 5 apply together or not at all.
func (p *Pipeline) Run(ctx context.Context, forceLevel storage.CompressionLevel) (RunResult, error) {
	// Stage 1: identification.
	candidates := p.identify()
	if len(candidates) < minCompressible {
		return RunResult{}, storage.ErrNothingToCompress
	}

	// Stage 2: preparation.
	originalTokens := p.counter.MessagesTokens(candidates)
	level := forceLevel
	if level == 0 {
		level = p.chooseLevel(originalTokens)
	}

	slog.Info("compression pass starting",
		"messages", len(candidates),
		"original_tokens", originalTokens,
		"level", int(level),
	)

	// Stage 3: summarization.
	var goal *goals.Goal
	if p.goalMgr != nil {
		goal = p.goalMgr.ActiveGoal()
	}
	result, err := p.service.Summarize(ctx, summarize.Request{
		Messages: candidates,
		Level:    level,
		Mode:     p.currentMode(),
		Goal:     goal,
		ModelID:  p.cfg.ModelID,
	})
	if err != nil {
		return RunResult{}, err
	}

	// Stages 4+5: checkpoint creation and context update, as one
	// transaction.
	run, err := p.commit(candidates, result, level, originalTokens)
	if err != nil {
		return RunResult{}, err
	}

	// Stage 6: re-validation.
	if _, err := p.context.Validate(); err != nil {
		if over, ok := err.(*storage.ValidationOverError); ok {
			run.StillOver = over
		}
	}

	slog.Info("compression pass complete",
		"checkpoint", run.Checkpoint.ID,
		"compressed_tokens", run.CompressedTokens,
		"ratio", run.Ratio,
		"still_over", run.StillOver != nil,
	)
	return run, nil
}

// Preview reports what a pass would compress without running one: the
// candidate count, their token total and the level stage 2 would choose.
// ok is false when the pass would be a no-op.
func (p *Pipeline) Preview() (count, totalTokens int, level storage.CompressionLevel, ok bool) {
	candidates := p.identify()
	if len(candidates) < minCompressible {
		return 0, 0, 0, false
	}
	total := p.counter.MessagesTokens(candidates)
	return len(candidates), total, p.chooseLevel(total), true
}

// identify selects the prefix of the recent window eligible for
// compression: everything before the keep-recent tail, filtered to
// assistant messages unless the user-message policy switch is on.
func (p *Pipeline) identify() []storage.Message {
	recent := p.context.RecentMessages()
	keep := p.cfg.KeepRecent()
	if len(recent) <= keep {
		return nil
	}

	older := recent[:len(recent)-keep]
	var candidates []storage.Message
	for _, m := range older {
		switch m.Role {
		case storage.RoleAssistant:
			candidates = append(candidates, m)
		case storage.RoleUser:
			if p.cfg.CompressUserMessages {
				candidates = append(candidates, m)
			}
		}
	}
	return candidates
}

// chooseLevel picks fidelity from the candidate token total.
func (p *Pipeline) chooseLevel(originalTokens int) storage.CompressionLevel {
	t := p.cfg.LevelThresholds()
	switch {
	case originalTokens > t.CompactAbove:
		return storage.LevelCompact
	case originalTokens > t.ModerateAbove:
		return storage.LevelModerate
	default:
		return storage.LevelDetailed
	}
}

// commit performs stages 4 and 5: record the checkpoint in history first,
// then mutate the active context. A history failure leaves the context
// untouched.
func (p *Pipeline) commit(candidates []storage.Message, result summarize.Result, level storage.CompressionLevel, originalTokens int) (RunResult, error) {
	ids := make([]string, len(candidates))
	for i, m := range candidates {
		ids[i] = m.ID
	}

	checkpoint := storage.NewCheckpoint(result.Summary, ids, level, p.cfg.ModelID)
	compressedTokens := p.counter.Count(result.Summary)
	checkpoint.TokenCount = compressedTokens

	ratio := 0.0
	if originalTokens > 0 {
		ratio = float64(compressedTokens) / float64(originalTokens)
	}

	record := storage.CheckpointRecord{
		ID:                checkpoint.ID,
		Timestamp:         time.Now(),
		FirstMessageIndex: p.history.MessageIndex(ids[0]),
		LastMessageIndex:  p.history.MessageIndex(ids[len(ids)-1]),
		OriginalTokens:    originalTokens,
		CompressedTokens:  compressedTokens,
		Ratio:             ratio,
		Level:             level,
	}
	if err := p.history.RecordCheckpoint(record); err != nil {
		return RunResult{}, err
	}

	p.context.RemoveMessages(ids)
	p.context.AddCheckpoint(checkpoint)

	p.applyMarkers(result.Markers)

	return RunResult{
		Checkpoint:       checkpoint,
		MessageCount:     len(candidates),
		OriginalTokens:   originalTokens,
		CompressedTokens: compressedTokens,
		Ratio:            ratio,
		Level:            level,
	}, nil
}

// applyMarkers hands parsed goal markers to the goal collaborator. Marker
// application is best-effort; a failing goal store must not undo a
// committed compression.
func (p *Pipeline) applyMarkers(markers []goals.Marker) {
	if p.goalMgr == nil || len(markers) == 0 {
		return
	}
	goal := p.goalMgr.ActiveGoal()
	if goal == nil {
		return
	}
	if err := p.goalMgr.ApplyMarkers(goal.ID, markers); err != nil {
		slog.Warn("applying goal markers failed", "goal", goal.ID, "error", err)
	}
}

func (p *Pipeline) currentMode() summarize.Mode {
	if p.modes == nil {
		return summarize.ModeAssistant
	}
	return p.modes.CurrentMode()
}
