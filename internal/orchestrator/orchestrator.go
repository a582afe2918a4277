// Package orchestrator is the public facade of the context core. It wires
// the active context, history, snapshots, summarization, the compression
// pipeline and the emergency ladder behind a single-writer lock, and emits
// typed events for everything observable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/quill/internal/active"
	"github.com/dohr-michael/quill/internal/config"
	"github.com/dohr-michael/quill/internal/events"
	"github.com/dohr-michael/quill/internal/goals"
	"github.com/dohr-michael/quill/internal/history"
	"github.com/dohr-michael/quill/internal/models"
	"github.com/dohr-michael/quill/internal/pipeline"
	"github.com/dohr-michael/quill/internal/snapshots"
	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/storage/dirstore"
	"github.com/dohr-michael/quill/internal/summarize"
	"github.com/dohr-michael/quill/internal/tokens"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateSummarizing   State = "summarizing"
	StateRestoring     State = "restoring"
	StateFatal         State = "fatal"
)

var (
	// ErrNotReady is returned for operations before Start or after a
	// fatal store failure.
	ErrNotReady = errors.New("orchestrator not ready")
)

// PromptAssembler is the collaborator that owns system prompt content.
// The core calls it on start, tier change and restore.
type PromptAssembler interface {
	BuildSystemPrompt(tier models.ContextTier, mode summarize.Mode, goal *goals.Goal) (storage.Message, error)
}

// Dependencies carries the collaborators an orchestrator is constructed
// with. Transport and Assembler are required; the rest default.
type Dependencies struct {
	Transport   model.BaseChatModel
	Assembler   PromptAssembler
	Modes       summarize.ModeProvider
	GoalManager goals.Manager
	Counter     tokens.Counter
}

// StateInfo is the queryable facade state.
type StateInfo struct {
	State            State
	Tier             models.ContextTier
	Mode             summarize.Mode
	Usage            active.Counts
	EffectiveLimit   int
	CompressionCount int
	SnapshotCount    int
}

// Orchestrator owns one session. Construct with New, call Start before
// anything else, Shutdown when done.
type Orchestrator struct {
	// mu is the single-writer lock over the active context, pipeline and
	// history. It is held across the compression transaction, including
	// the LLM suspension.
	mu sync.Mutex

	// stateMu guards the lifecycle state and the summarization
	// bookkeeping, which must be readable while mu is held.
	stateMu         sync.Mutex
	state           State
	summarizeDone   chan struct{}
	cancelSummarize context.CancelFunc

	cfg       config.OrchestratorConfig
	sessionID string
	tier      models.ContextTier
	profiles  models.Profiles

	counter   *tokens.CachingCounter
	context   *active.Manager
	history   *history.Manager
	snaps     *snapshots.Store
	pipe      *pipeline.Pipeline
	validator *pipeline.Validator
	bus       *events.Bus

	assembler PromptAssembler
	modes     summarize.ModeProvider
	goalMgr   goals.Manager

	lockPath string
}

// New constructs an orchestrator for one session. Nothing is loaded or
// locked until Start.
func New(cfg config.OrchestratorConfig, sessionID string, deps Dependencies) (*Orchestrator, error) {
	if deps.Transport == nil {
		return nil, errors.New("orchestrator requires an LLM transport")
	}
	if deps.Assembler == nil {
		return nil, errors.New("orchestrator requires a prompt assembler")
	}
	if sessionID == "" {
		sessionID = storage.NewSessionID()
	}

	counter := deps.Counter
	if counter == nil {
		counter = tokens.NewDefaultCounter(cfg.ModelID)
	}
	caching := tokens.NewCachingCounter(counter)

	modes := deps.Modes
	if modes == nil {
		modes = summarize.ModeProviderFunc(func() summarize.Mode { return summarize.ModeAssistant })
	}

	profiles := models.Profiles{Overrides: cfg.ContextWindowOverrides}
	ds := dirstore.New(cfg.RootDir)

	ctxMgr := active.NewManager(caching, profiles.EffectiveLimit(cfg.ModelID, cfg.RequestedSize), cfg.ReservedResponseTokens())
	hist := history.NewManager(ds, sessionID)
	snaps := snapshots.NewStore(ds, sessionID)
	service := summarize.NewService(deps.Transport, cfg.SummarizeTimeout())

	o := &Orchestrator{
		state:     StateUninitialized,
		cfg:       cfg,
		sessionID: sessionID,
		profiles:  profiles,
		counter:   caching,
		context:   ctxMgr,
		history:   hist,
		snaps:     snaps,
		pipe:      pipeline.New(cfg, ctxMgr, hist, service, caching, modes, deps.GoalManager),
		validator: pipeline.NewValidator(caching, profiles, cfg.RequestedSize, cfg.ReservedResponseTokens()),
		bus:       events.NewBus(64),
		assembler: deps.Assembler,
		modes:     modes,
		goalMgr:   deps.GoalManager,
		lockPath:  ds.Path(sessionID, ".lock"),
	}
	return o, nil
}

// SessionID returns the session this orchestrator owns.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Events exposes the bus for subscription.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

// Start acquires the session lock, loads any existing history, derives
// the tier and system prompt, and moves to Ready.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.currentState() != StateUninitialized {
		return fmt.Errorf("start from state %q", o.currentState())
	}

	if err := acquireLock(o.lockPath); err != nil {
		return err
	}

	resumed, err := o.history.Load()
	if err != nil {
		o.setState(StateFatal)
		return err
	}
	resumedCount := 0
	if resumed {
		resumedCount = o.history.MessageCount()
	}

	o.tier = models.ResolveTier(o.cfg.RequestedSize)
	if err := o.refreshSystemPrompt(); err != nil {
		releaseErr := releaseLock(o.lockPath)
		if releaseErr != nil {
			slog.Warn("releasing lock after failed start", "error", releaseErr)
		}
		return err
	}

	o.setState(StateReady)
	o.bus.Publish(events.NewEvent(o.sessionID, events.StartedPayload{
		SessionID:     o.sessionID,
		Tier:          string(o.tier),
		ModelID:       o.cfg.ModelID,
		RequestedSize: o.cfg.RequestedSize,
		ResumedCount:  resumedCount,
	}))

	slog.Info("context orchestrator started",
		"session", o.sessionID,
		"tier", string(o.tier),
		"model", o.cfg.ModelID,
		"effective_limit", o.context.EffectiveLimit(),
		"resumed_messages", resumedCount,
	)
	return nil
}

// Shutdown releases the session lock and closes the bus. The orchestrator
// cannot be reused afterwards.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := releaseLock(o.lockPath)
	o.bus.Close()
	o.setState(StateUninitialized)
	return err
}

// AddMessage appends a message to history and the active context,
// compressing (and escalating to emergency actions) when it would not fit.
// Calls serialize: a message added while a compression is in flight waits
// for the pipeline to finish.
func (o *Orchestrator) AddMessage(ctx context.Context, msg storage.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.currentState() {
	case StateReady:
	case StateFatal:
		return fmt.Errorf("%w: session is fatal", ErrNotReady)
	default:
		return fmt.Errorf("%w: state %q", ErrNotReady, o.currentState())
	}

	if msg.ID == "" {
		stamped := storage.NewMessage(msg.Role, msg.Content)
		stamped.TokenCount = msg.TokenCount
		msg = stamped
	}
	msg.TokenCount = o.counter.MessageTokens(msg)

	err := o.context.AddMessage(msg)
	var exceed *storage.WouldExceedLimitError
	if errors.As(err, &exceed) {
		err = o.makeRoomFor(ctx, msg)
	}
	if err != nil {
		return err
	}

	// The message is in the active context; record it. A history failure
	// is fatal for the session.
	if err := o.history.Append(msg); err != nil {
		o.setState(StateFatal)
		return err
	}
	return nil
}

// makeRoomFor compresses, ages and finally escalates to emergency actions
// until msg fits, appending it on success. The turn fails with ErrCannotFit
// when every reduction was exhausted; the message is then neither in the
// active context nor in history and the caller may retry.
func (o *Orchestrator) makeRoomFor(ctx context.Context, msg storage.Message) error {
	var exceed *storage.WouldExceedLimitError

	run, compressErr := o.compress(ctx, 0)
	switch {
	case compressErr == nil && run.StillOver == nil:
		retryErr := o.context.AddMessage(msg)
		if retryErr == nil {
			return nil
		}
		if !errors.As(retryErr, &exceed) {
			return retryErr
		}
		// Not enough room even after a clean pass; keep reducing.
	case errors.Is(compressErr, storage.ErrNothingToCompress):
		// Nothing compressible; keep reducing.
	case compressErr != nil:
		return compressErr
	}

	if o.ageUntilFit(ctx) {
		for {
			if err := o.context.AddMessage(msg); err == nil {
				return nil
			}
			runCtx := o.enterSummarizing(ctx)
			_, err := o.pipe.AgeOldestCheckpoint(runCtx)
			o.exitSummarizing()
			if err != nil {
				break
			}
			o.maybeWarnReliability()
		}
	}

	res, emErr := o.runEmergency(ctx)
	if emErr != nil {
		if errors.Is(emErr, storage.ErrCannotFit) {
			o.bus.Publish(events.NewEvent(o.sessionID, events.CannotFitPayload{
				SnapshotID: res.SnapshotID,
				OverBy:     o.overBy(),
			}))
		}
		return emErr
	}

	if err := o.context.AddMessage(msg); err != nil {
		o.bus.Publish(events.NewEvent(o.sessionID, events.CannotFitPayload{
			SnapshotID: res.SnapshotID,
			OverBy:     o.overBy(),
		}))
		return storage.ErrCannotFit
	}
	return nil
}

// ageUntilFit re-summarizes checkpoints at lower levels while the context
// is over budget and an ageable checkpoint remains. It reports whether the
// context validates afterwards.
func (o *Orchestrator) ageUntilFit(ctx context.Context) bool {
	for {
		if _, err := o.context.Validate(); err == nil {
			return true
		}

		runCtx := o.enterSummarizing(ctx)
		_, err := o.pipe.AgeOldestCheckpoint(runCtx)
		o.exitSummarizing()
		if err != nil {
			return false
		}
		o.maybeWarnReliability()
	}
}

// BuildPromptForTurn materializes the prompt for the next LLM call. The
// boundary guard and the validator both run before anything is returned;
// a prompt that cannot be made to fit is never returned.
func (o *Orchestrator) BuildPromptForTurn(ctx context.Context) ([]*schema.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.currentState(); s != StateReady {
		return nil, fmt.Errorf("%w: state %q", ErrNotReady, s)
	}

	prompt := o.context.BuildPrompt(nil)
	if err := storage.GuardPrompt(prompt); err != nil {
		o.setState(StateFatal)
		return nil, err
	}

	if _, err := o.validator.Validate(prompt, o.cfg.ModelID); err != nil {
		var over *storage.ValidationOverError
		if !errors.As(err, &over) {
			return nil, err
		}

		run, compressErr := o.compress(ctx, 0)
		stillOver := errors.Is(compressErr, storage.ErrNothingToCompress) ||
			(compressErr == nil && run.StillOver != nil)
		if compressErr != nil && !errors.Is(compressErr, storage.ErrNothingToCompress) {
			return nil, compressErr
		}

		if stillOver && o.ageUntilFit(ctx) {
			stillOver = false
		}

		if stillOver {
			res, emErr := o.runEmergency(ctx)
			if emErr != nil {
				if errors.Is(emErr, storage.ErrCannotFit) {
					o.bus.Publish(events.NewEvent(o.sessionID, events.CannotFitPayload{
						SnapshotID: res.SnapshotID,
						OverBy:     o.overBy(),
					}))
				}
				return nil, emErr
			}
		}

		prompt = o.context.BuildPrompt(nil)
		if err := storage.GuardPrompt(prompt); err != nil {
			o.setState(StateFatal)
			return nil, err
		}
		if _, err := o.validator.Validate(prompt, o.cfg.ModelID); err != nil {
			return nil, storage.ErrCannotFit
		}
	}

	out := make([]*schema.Message, len(prompt))
	for i, m := range prompt {
		out[i] = m.ToSchemaMessage()
	}
	return out, nil
}

// CreateSnapshot persists a snapshot of the current active context and
// prunes old ones to the configured cap.
func (o *Orchestrator) CreateSnapshot(purpose storage.SnapshotPurpose) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.currentState(); s != StateReady {
		return "", fmt.Errorf("%w: state %q", ErrNotReady, s)
	}

	msgs, ckpts := o.context.SnapshotState()
	snap, err := o.snaps.Create(msgs, ckpts, purpose)
	if err != nil {
		o.setState(StateFatal)
		return "", err
	}

	o.bus.Publish(events.NewEvent(o.sessionID, events.SnapshotCreatedPayload{
		SnapshotID: snap.ID,
		Purpose:    string(purpose),
		Messages:   len(snap.FullMessages),
	}))

	if err := o.snaps.Prune(o.cfg.SnapshotKeepCount()); err != nil {
		slog.Warn("snapshot prune failed", "error", err)
	}
	return snap.ID, nil
}

// RestoreSnapshot replaces the active context's recent messages and
// checkpoints with a snapshot's contents. History is never touched; the
// system prompt is re-derived through the prompt assembler.
func (o *Orchestrator) RestoreSnapshot(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.currentState(); s != StateReady {
		return fmt.Errorf("%w: state %q", ErrNotReady, s)
	}
	o.setState(StateRestoring)
	defer o.setState(StateReady)

	snap, err := o.snaps.Restore(id)
	if err != nil {
		return err
	}

	o.context.Restore(snap.FullMessages, snap.CheckpointsCopy)
	if err := o.refreshSystemPrompt(); err != nil {
		return err
	}

	o.bus.Publish(events.NewEvent(o.sessionID, events.SnapshotRestoredPayload{
		SnapshotID: id,
		Messages:   len(snap.FullMessages),
	}))
	return nil
}

// ListSnapshots lists stored snapshots newest first. It does not take the
// writer lock; the snapshot store serializes its own IO.
func (o *Orchestrator) ListSnapshots() ([]storage.SnapshotData, error) {
	return o.snaps.List()
}

// ExportHistory renders the full session history as markdown. Reads do
// not take the writer lock.
func (o *Orchestrator) ExportHistory() string {
	return o.history.ExportMarkdown()
}

// State reports the queryable facade state.
func (o *Orchestrator) State() StateInfo {
	o.stateMu.Lock()
	state := o.state
	o.stateMu.Unlock()

	count, err := o.snaps.Count()
	if err != nil {
		count = 0
	}

	return StateInfo{
		State:            state,
		Tier:             o.tier,
		Mode:             o.modes.CurrentMode(),
		Usage:            o.context.TokenCounts(),
		EffectiveLimit:   o.context.EffectiveLimit(),
		CompressionCount: o.history.CompressionCount(),
		SnapshotCount:    count,
	}
}

// OllamaContextLimit exposes the pre-computed effective size so the chat
// transport can set model-level parameters (num_ctx) coherently.
func (o *Orchestrator) OllamaContextLimit() int {
	return o.profiles.EffectiveLimit(o.cfg.ModelID, o.cfg.RequestedSize)
}

// IsSummarizationInProgress reports whether an LLM summarization call is
// in flight. User input is blocked while it is.
func (o *Orchestrator) IsSummarizationInProgress() bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state == StateSummarizing
}

// WaitForSummarization blocks until the in-flight summarization (if any)
// finishes, or ctx is done.
func (o *Orchestrator) WaitForSummarization(ctx context.Context) error {
	o.stateMu.Lock()
	done := o.summarizeDone
	o.stateMu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the in-flight summarization, if any. The pipeline treats
// the abort as a transport failure, leaving the active context unchanged
// and the orchestrator Ready.
func (o *Orchestrator) Cancel() {
	o.stateMu.Lock()
	cancel := o.cancelSummarize
	o.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// SetRequestedSize applies a new context size: limits move, the tier is
// re-derived and, when it changed, the system prompt is re-requested from
// the assembler. Compression state is untouched.
func (o *Orchestrator) SetRequestedSize(size int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.currentState(); s != StateReady {
		return fmt.Errorf("%w: state %q", ErrNotReady, s)
	}

	o.cfg.RequestedSize = size
	o.pipe.SetConfig(o.cfg)
	o.validator = pipeline.NewValidator(o.counter, o.profiles, size, o.cfg.ReservedResponseTokens())
	o.context.SetLimits(o.profiles.EffectiveLimit(o.cfg.ModelID, size), o.cfg.ReservedResponseTokens())

	previous := o.tier
	o.tier = models.ResolveTier(size)
	if o.tier != previous {
		if err := o.refreshSystemPrompt(); err != nil {
			return err
		}
		o.bus.Publish(events.NewEvent(o.sessionID, events.TierChangedPayload{
			Previous: string(previous),
			Current:  string(o.tier),
		}))
	}

	o.bus.Publish(events.NewEvent(o.sessionID, events.ConfigUpdatedPayload{RequestedSize: size}))
	return nil
}

// compress runs one pipeline pass with event bookkeeping and the
// Summarizing state held for its duration.
func (o *Orchestrator) compress(ctx context.Context, forceLevel storage.CompressionLevel) (pipeline.RunResult, error) {
	count, total, level, ok := o.pipe.Preview()
	if !ok {
		return pipeline.RunResult{}, storage.ErrNothingToCompress
	}
	if forceLevel != 0 {
		level = forceLevel
	}

	o.bus.Publish(events.NewEvent(o.sessionID, events.CompressionStartedPayload{
		MessageCount: count,
		Level:        int(level),
		TotalTokens:  total,
	}))

	runCtx := o.enterSummarizing(ctx)
	run, err := o.pipe.Run(runCtx, forceLevel)
	o.exitSummarizing()

	if err != nil {
		return run, err
	}

	o.bus.Publish(events.NewEvent(o.sessionID, events.CompressionCompletedPayload{
		CheckpointID:     run.Checkpoint.ID,
		OriginalTokens:   run.OriginalTokens,
		CompressedTokens: run.CompressedTokens,
		Ratio:            run.Ratio,
		Level:            int(run.Level),
	}))

	o.maybeWarnReliability()
	return run, nil
}

// runEmergency executes the emergency ladder with the Summarizing state
// held (strategies 1 to 3 call the LLM).
func (o *Orchestrator) runEmergency(ctx context.Context) (pipeline.EmergencyResult, error) {
	runCtx := o.enterSummarizing(ctx)
	res, err := o.pipe.RunEmergency(runCtx, o.snaps)
	o.exitSummarizing()

	if res.SnapshotID != "" {
		o.bus.Publish(events.NewEvent(o.sessionID, events.SnapshotCreatedPayload{
			SnapshotID: res.SnapshotID,
			Purpose:    string(storage.PurposeEmergency),
		}))
	}
	if err == nil && res.Checkpoint != nil {
		o.bus.Publish(events.NewEvent(o.sessionID, events.CompressionCompletedPayload{
			CheckpointID:     res.Checkpoint.ID,
			CompressedTokens: res.Checkpoint.TokenCount,
			Level:            int(res.Checkpoint.CompressionLevel),
		}))
	}
	o.bus.Publish(events.NewEvent(o.sessionID, events.EmergencyPayload{
		Strategy:   res.Strategy,
		SnapshotID: res.SnapshotID,
		Succeeded:  err == nil,
	}))
	return res, err
}

// maybeWarnReliability emits a warning once the session's compression
// count crosses the source model's threshold. Warnings never block.
func (o *Orchestrator) maybeWarnReliability() {
	count := o.history.CompressionCount()
	if !models.ShouldWarn(o.cfg.ModelID, count) {
		return
	}

	checkpointID := ""
	if ckpts := o.context.Checkpoints(); len(ckpts) > 0 {
		checkpointID = ckpts[0].ID
	}

	score := models.ReliabilityScore(o.cfg.ModelID, count)
	o.bus.Publish(events.NewEvent(o.sessionID, events.ReliabilityWarningPayload{
		CheckpointID:      checkpointID,
		SourceModel:       o.cfg.ModelID,
		CompressionNumber: count,
		ReliabilityScore:  score,
		Threshold:         models.WarnThreshold(models.ClassifySize(o.cfg.ModelID)),
	}))

	slog.Warn("summary reliability degraded",
		"model", o.cfg.ModelID,
		"compressions", count,
		"score", score,
	)
}

func (o *Orchestrator) refreshSystemPrompt() error {
	var goal *goals.Goal
	if o.goalMgr != nil {
		goal = o.goalMgr.ActiveGoal()
	}
	prompt, err := o.assembler.BuildSystemPrompt(o.tier, o.modes.CurrentMode(), goal)
	if err != nil {
		return fmt.Errorf("build system prompt: %w", err)
	}
	o.context.SetSystemPrompt(prompt)
	return nil
}

func (o *Orchestrator) overBy() int {
	if _, err := o.context.Validate(); err != nil {
		var over *storage.ValidationOverError
		if errors.As(err, &over) {
			return over.By
		}
	}
	return 0
}

func (o *Orchestrator) enterSummarizing(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)

	o.stateMu.Lock()
	o.state = StateSummarizing
	o.summarizeDone = make(chan struct{})
	o.cancelSummarize = cancel
	o.stateMu.Unlock()

	return runCtx
}

func (o *Orchestrator) exitSummarizing() {
	o.stateMu.Lock()
	o.state = StateReady
	if o.summarizeDone != nil {
		close(o.summarizeDone)
		o.summarizeDone = nil
	}
	if o.cancelSummarize != nil {
		o.cancelSummarize()
		o.cancelSummarize = nil
	}
	o.stateMu.Unlock()
}

func (o *Orchestrator) currentState() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}
