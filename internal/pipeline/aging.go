package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/summarize"
)

var (
	// errNoAgeable means every checkpoint is already at level 1.
	errNoAgeable = errors.New("no checkpoint left to age")
	// errNoMergeable means fewer than two checkpoints exist.
	errNoMergeable = errors.New("fewer than two checkpoints to merge")
)

// AgeOldestCheckpoint re-summarizes the oldest checkpoint that is not yet
// at level 1, one level down, replacing it in place. Original message ids
// are preserved and the compression number increments.
func (p *Pipeline) AgeOldestCheckpoint(ctx context.Context) (storage.CheckpointSummary, error) {
	var target *storage.CheckpointSummary
	for _, c := range p.context.Checkpoints() {
		if c.CompressionLevel > storage.LevelCompact {
			cp := c
			target = &cp
			break
		}
	}
	if target == nil {
		return storage.CheckpointSummary{}, errNoAgeable
	}

	nextLevel := target.CompressionLevel - 1
	result, err := p.service.Resummarize(ctx, target.SummaryText, summarize.Request{
		Level:   nextLevel,
		Mode:    p.currentMode(),
		ModelID: p.cfg.ModelID,
	})
	if err != nil {
		return storage.CheckpointSummary{}, err
	}

	aged := target.Clone()
	aged.SummaryText = result.Summary
	aged.TokenCount = p.counter.Count(result.Summary)
	aged.CompressionLevel = nextLevel
	aged.CompressionNumber++
	aged.SourceModel = p.cfg.ModelID

	p.context.ReplaceCheckpoint(aged)

	slog.Info("checkpoint aged",
		"checkpoint", aged.ID,
		"level", int(aged.CompressionLevel),
		"compression_number", aged.CompressionNumber,
	)
	return aged, nil
}

// MergeOldestCheckpoints merges the two oldest checkpoints into a single
// level-1 checkpoint with a new id whose original ids are the union of both.
// Both source checkpoints are removed; the merged one takes the position of
// the first.
func (p *Pipeline) MergeOldestCheckpoints(ctx context.Context) (storage.CheckpointSummary, error) {
	checkpoints := p.context.Checkpoints()
	if len(checkpoints) < 2 {
		return storage.CheckpointSummary{}, errNoMergeable
	}

	older, newer := checkpoints[0], checkpoints[1]

	result, err := p.service.Merge(ctx, older.SummaryText, newer.SummaryText, summarize.Request{
		Mode:    p.currentMode(),
		ModelID: p.cfg.ModelID,
	})
	if err != nil {
		return storage.CheckpointSummary{}, err
	}

	merged := storage.NewCheckpoint(
		result.Summary,
		append(older.OriginalMessageIDs, newer.OriginalMessageIDs...),
		storage.LevelCompact,
		p.cfg.ModelID,
	)
	merged.TokenCount = p.counter.Count(result.Summary)
	merged.CompressionNumber = max(older.CompressionNumber, newer.CompressionNumber) + 1

	replaced := append([]storage.CheckpointSummary{merged}, checkpoints[2:]...)
	p.context.SetCheckpoints(replaced)

	slog.Info("checkpoints merged",
		"into", merged.ID,
		"from_older", older.ID,
		"from_newer", newer.ID,
		"compression_number", merged.CompressionNumber,
	)
	return merged, nil
}
