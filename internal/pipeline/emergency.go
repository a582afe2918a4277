package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/quill/internal/snapshots"
	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/summarize"
)

// Emergency strategy names, in order of attempt.
const (
	StrategyCompressLower = "compress-at-lower-level"
	StrategyMergeOldest   = "merge-oldest"
	StrategyUserSummary   = "aggressive-user-summary"
	StrategyRollover      = "rollover"
)

// userKeepCount is how many trailing user messages the aggressive summary
// preserves.
const userKeepCount = 10

// rolloverKeepCount is how many trailing messages survive a rollover.
const rolloverKeepCount = 3

// EmergencyResult reports which strategy restored fit. Checkpoint is the
// summary the winning strategy produced, when it produced one (rollover
// does not).
type EmergencyResult struct {
	Strategy   string
	SnapshotID string
	Attempted  []string
	Checkpoint *storage.CheckpointSummary
}

// RunEmergency executes the last-resort ladder after a full pipeline pass
// left the context over budget. A snapshot with purpose=emergency is taken
// before anything is mutated; the first strategy whose outcome validates
// wins. When all fail the context state of the final attempt is kept and
// ErrCannotFit is returned — the snapshot preserves the pre-emergency
// state.
func (p *Pipeline) RunEmergency(ctx context.Context, snaps *snapshots.Store) (EmergencyResult, error) {
	msgs, ckpts := p.context.SnapshotState()
	snap, err := snaps.Create(msgs, ckpts, storage.PurposeEmergency)
	if err != nil {
		return EmergencyResult{}, err
	}

	res := EmergencyResult{SnapshotID: snap.ID}

	strategies := []struct {
		name string
		run  func(context.Context) (*storage.CheckpointSummary, error)
	}{
		{StrategyCompressLower, p.emergencyCompressLower},
		{StrategyMergeOldest, p.emergencyMergeOldest},
		{StrategyUserSummary, p.emergencyUserSummary},
		{StrategyRollover, p.emergencyRollover},
	}

	for _, s := range strategies {
		res.Attempted = append(res.Attempted, s.name)

		checkpoint, err := s.run(ctx)
		if err != nil {
			slog.Warn("emergency strategy failed", "strategy", s.name, "error", err)
			continue
		}
		if _, err := p.context.Validate(); err != nil {
			slog.Warn("emergency strategy insufficient", "strategy", s.name, "error", err)
			continue
		}

		res.Strategy = s.name
		res.Checkpoint = checkpoint
		slog.Info("emergency strategy succeeded", "strategy", s.name, "snapshot", snap.ID)
		return res, nil
	}

	return res, storage.ErrCannotFit
}

// emergencyCompressLower re-runs the pipeline with level forced to 1.
func (p *Pipeline) emergencyCompressLower(ctx context.Context) (*storage.CheckpointSummary, error) {
	run, err := p.Run(ctx, storage.LevelCompact)
	if err != nil {
		return nil, err
	}
	if run.StillOver != nil {
		return nil, run.StillOver
	}
	return &run.Checkpoint, nil
}

// emergencyMergeOldest merges the two oldest checkpoints.
func (p *Pipeline) emergencyMergeOldest(ctx context.Context) (*storage.CheckpointSummary, error) {
	merged, err := p.MergeOldestCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	return &merged, nil
}

// emergencyUserSummary summarizes all but the last ten user messages into
// a single level-1 checkpoint, bypassing the assistants-only rule. It only
// applies when user messages alone still exceed half the budget.
func (p *Pipeline) emergencyUserSummary(ctx context.Context) (*storage.CheckpointSummary, error) {
	recent := p.context.RecentMessages()

	var userMsgs []storage.Message
	for _, m := range recent {
		if m.Role == storage.RoleUser {
			userMsgs = append(userMsgs, m)
		}
	}
	if len(userMsgs) <= userKeepCount {
		return nil, errors.New("too few user messages to summarize")
	}

	budget := p.context.EffectiveLimit()
	userTokens := p.counter.MessagesTokens(userMsgs)
	if userTokens <= budget/2 {
		return nil, fmt.Errorf("user messages hold %d tokens, under half the %d budget", userTokens, budget)
	}

	candidates := userMsgs[:len(userMsgs)-userKeepCount]
	originalTokens := p.counter.MessagesTokens(candidates)

	result, err := p.service.Summarize(ctx, summarize.Request{
		Messages: candidates,
		Level:    storage.LevelCompact,
		Mode:     p.currentMode(),
		ModelID:  p.cfg.ModelID,
	})
	if err != nil {
		return nil, err
	}

	run, err := p.commit(candidates, result, storage.LevelCompact, originalTokens)
	if err != nil {
		return nil, err
	}
	return &run.Checkpoint, nil
}

// emergencyRollover keeps only the system prompt and the last few
// messages. The discarded tail remains recoverable via the emergency
// snapshot taken on entry.
func (p *Pipeline) emergencyRollover(context.Context) (*storage.CheckpointSummary, error) {
	recent := p.context.RecentMessages()

	var dropIDs []string
	if len(recent) > rolloverKeepCount {
		for _, m := range recent[:len(recent)-rolloverKeepCount] {
			dropIDs = append(dropIDs, m.ID)
		}
	}

	p.context.SetCheckpoints(nil)
	p.context.RemoveMessages(dropIDs)

	slog.Warn("context rolled over", "dropped_messages", len(dropIDs))
	return nil, nil
}
