package orchestrator

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/quill/internal/config"
	"github.com/dohr-michael/quill/internal/events"
	"github.com/dohr-michael/quill/internal/goals"
	"github.com/dohr-michael/quill/internal/models"
	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/summarize"
	"github.com/dohr-michael/quill/internal/tokens"
)

// fakeModel scripts Generate responses for summarization calls.
type fakeModel struct {
	mu      sync.Mutex
	reply   string
	replies []string // consumed before reply, one per call
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeModel) set(reply string, err error) {
	f.mu.Lock()
	f.reply, f.err = reply, err
	f.mu.Unlock()
}

func (f *fakeModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	reply, err, delay := f.reply, f.err, f.delay
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.calls++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &schema.Message{Role: schema.Assistant, Content: reply}, nil
}

func (f *fakeModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported in tests")
}

// fakeAssembler returns a fixed-cost system prompt and counts calls.
type fakeAssembler struct {
	mu    sync.Mutex
	calls int
	tiers []models.ContextTier
}

func (f *fakeAssembler) BuildSystemPrompt(tier models.ContextTier, _ summarize.Mode, _ *goals.Goal) (storage.Message, error) {
	f.mu.Lock()
	f.calls++
	f.tiers = append(f.tiers, tier)
	f.mu.Unlock()
	return storage.Message{ID: "msg_system", Role: storage.RoleSystem, Content: "sys", TokenCount: 5}, nil
}

func (f *fakeAssembler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recorder captures bus events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func wordCounter() tokens.Counter {
	return tokens.CounterFunc(func(text string) int {
		if text == "" {
			return 0
		}
		return len(strings.Fields(text))
	})
}

type fixture struct {
	orch      *Orchestrator
	model     *fakeModel
	assembler *fakeAssembler
	rec       *recorder
}

// newFixture builds a started orchestrator. The "test" model override of
// 471 raw tokens yields an effective limit of 400 when requestedSize is 0
// or large; cfg tweaks are applied on top of the defaults here.
func newFixture(t *testing.T, mutate func(*config.OrchestratorConfig)) *fixture {
	t.Helper()

	cfg := config.OrchestratorConfig{
		RootDir:                t.TempDir(),
		ModelID:                "test-7b",
		ReservedResponse:       50,
		ContextWindowOverrides: map[string]int{"test": 471},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fake := &fakeModel{reply: "compressed summary"}
	assembler := &fakeAssembler{}

	orch, err := New(cfg, "sess_orch", Dependencies{
		Transport: fake,
		Assembler: assembler,
		Counter:   wordCounter(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := &recorder{}
	orch.Events().Subscribe(rec.record)

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = orch.Shutdown() })

	return &fixture{orch: orch, model: fake, assembler: assembler, rec: rec}
}

func assistantMsg(tokenCount int) storage.Message {
	return storage.Message{Role: storage.RoleAssistant, Content: "content", TokenCount: tokenCount}
}

func userMsg(tokenCount int) storage.Message {
	return storage.Message{Role: storage.RoleUser, Content: "content", TokenCount: tokenCount}
}

func TestStartAcquiresLockfile(t *testing.T) {
	root := t.TempDir()
	fake := &fakeModel{reply: "s"}
	cfg := config.OrchestratorConfig{RootDir: root, ModelID: "llama3:8b", RequestedSize: 8192}

	o1, err := New(cfg, "sess_lock", Dependencies{Transport: fake, Assembler: &fakeAssembler{}, Counter: wordCounter()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o1.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := os.Stat(root + "/sessions/sess_lock/.lock"); err != nil {
		t.Errorf("lockfile missing: %v", err)
	}

	o2, _ := New(cfg, "sess_lock", Dependencies{Transport: fake, Assembler: &fakeAssembler{}, Counter: wordCounter()})
	if err := o2.Start(context.Background()); err == nil {
		t.Error("second Start on the same session should fail on the lockfile")
	}

	if err := o1.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(root + "/sessions/sess_lock/.lock"); !os.IsNotExist(err) {
		t.Error("lockfile survived clean shutdown")
	}
}

func TestSmallConversationNeverCompresses(t *testing.T) {
	f := newFixture(t, func(c *config.OrchestratorConfig) {
		c.ModelID = "llama3:8b"
		c.RequestedSize = 8192
		c.ContextWindowOverrides = nil
	})

	if got := f.orch.State().Tier; got != models.TierStandard {
		t.Errorf("tier for 8192 = %q, want standard", got)
	}

	for i := 0; i < 12; i++ {
		if err := f.orch.AddMessage(context.Background(), userMsg(10)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	prompt, err := f.orch.BuildPromptForTurn(context.Background())
	if err != nil {
		t.Fatalf("BuildPromptForTurn: %v", err)
	}
	if len(prompt) != 13 { // system + 12 user messages
		t.Errorf("prompt length = %d, want 13", len(prompt))
	}
	if prompt[0].Role != schema.System {
		t.Errorf("prompt[0].Role = %q", prompt[0].Role)
	}

	if got := f.rec.ofType(events.EventCompressionStarted); len(got) != 0 {
		t.Errorf("compression events fired for a small conversation: %d", len(got))
	}
}

func TestSingleCompressionOnShrunkLimit(t *testing.T) {
	f := newFixture(t, func(c *config.OrchestratorConfig) {
		c.ContextWindowOverrides = map[string]int{"test": 100000}
		c.RequestedSize = 100000
	})

	// 600 tokens across 20 assistant messages fit the large limit.
	for i := 0; i < 20; i++ {
		if err := f.orch.AddMessage(context.Background(), assistantMsg(30)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	// Shrink to a 400-token effective limit; the next prompt build must
	// compress exactly once.
	if err := f.orch.SetRequestedSize(471); err != nil {
		t.Fatalf("SetRequestedSize: %v", err)
	}
	prompt, err := f.orch.BuildPromptForTurn(context.Background())
	if err != nil {
		t.Fatalf("BuildPromptForTurn: %v", err)
	}

	waitFor(t, func() bool { return len(f.rec.ofType(events.EventCompressionCompleted)) == 1 })
	if got := f.rec.ofType(events.EventCompressionStarted); len(got) != 1 {
		t.Errorf("compression-started fired %d times, want 1", len(got))
	}

	info := f.orch.State()
	if info.Usage.Total > 350 {
		t.Errorf("total after compression = %d, want <= 350", info.Usage.Total)
	}
	if info.CompressionCount != 1 {
		t.Errorf("compression count = %d, want 1", info.CompressionCount)
	}
	if got := len(f.orch.context.Checkpoints()); got != 1 {
		t.Errorf("checkpoints = %d, want 1", got)
	}
	// system + checkpoint + 5 kept messages
	if len(prompt) != 7 {
		t.Errorf("prompt length = %d, want 7", len(prompt))
	}

	started := f.rec.ofType(events.EventCompressionStarted)[0].Payload.(events.CompressionStartedPayload)
	if started.MessageCount != 15 {
		t.Errorf("compression-started count = %d, want 15", started.MessageCount)
	}
}

func TestEventOrderForCompressionTurn(t *testing.T) {
	f := newFixture(t, nil)

	// Trip the limit through normal adds; order must be started then
	// completed.
	for i := 0; i < 14; i++ {
		if err := f.orch.AddMessage(context.Background(), assistantMsg(30)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(f.rec.ofType(events.EventCompressionCompleted)) >= 1 })

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	startedAt, completedAt := -1, -1
	for i, e := range f.rec.events {
		switch e.Type {
		case events.EventCompressionStarted:
			if startedAt == -1 {
				startedAt = i
			}
		case events.EventCompressionCompleted:
			if completedAt == -1 {
				completedAt = i
			}
		}
	}
	if startedAt == -1 || completedAt == -1 || startedAt > completedAt {
		t.Errorf("event order wrong: started at %d, completed at %d", startedAt, completedAt)
	}
}

func TestTransportFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, func(c *config.OrchestratorConfig) {
		c.ContextWindowOverrides = map[string]int{"test": 100000}
		c.RequestedSize = 100000
	})

	for i := 0; i < 20; i++ {
		if err := f.orch.AddMessage(context.Background(), assistantMsg(30)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
	if err := f.orch.SetRequestedSize(471); err != nil {
		t.Fatalf("SetRequestedSize: %v", err)
	}

	f.model.set("", errors.New("connection refused"))
	_, err := f.orch.BuildPromptForTurn(context.Background())
	var sfe *storage.SummarizationFailedError
	if !errors.As(err, &sfe) {
		t.Fatalf("error = %v, want SummarizationFailedError", err)
	}

	if got := len(f.orch.context.RecentMessages()); got != 20 {
		t.Errorf("recent after failed pass = %d, want 20 (untouched)", got)
	}
	if got := len(f.orch.context.Checkpoints()); got != 0 {
		t.Errorf("checkpoints after failed pass = %d, want 0", got)
	}
	if got := f.orch.State().CompressionCount; got != 0 {
		t.Errorf("compression count after failed pass = %d, want 0", got)
	}
	if got := f.orch.State().State; got != StateReady {
		t.Errorf("state = %q, want ready", got)
	}

	// Transport recovers; the same turn succeeds.
	f.model.set("compressed summary", nil)
	if _, err := f.orch.BuildPromptForTurn(context.Background()); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if got := f.orch.State().CompressionCount; got != 1 {
		t.Errorf("compression count after recovery = %d, want 1", got)
	}
}

func TestEmergencyMergeOnCheckpointPressure(t *testing.T) {
	f := newFixture(t, nil)

	big := strings.Repeat("word ", 170)
	a := storage.NewCheckpoint(big, []string{"msg_1"}, storage.LevelCompact, "test-7b")
	b := storage.NewCheckpoint(big, []string{"msg_2"}, storage.LevelCompact, "test-7b")
	f.orch.context.AddCheckpoint(a)
	f.orch.context.AddCheckpoint(b)

	f.model.set("short merged", nil)
	if err := f.orch.AddMessage(context.Background(), userMsg(100)); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	// The message fits after a merge of the two level-1 checkpoints.
	ckpts := f.orch.context.Checkpoints()
	if len(ckpts) != 1 {
		t.Fatalf("checkpoints = %d, want 1 after merge", len(ckpts))
	}
	gotIDs := strings.Join(ckpts[0].OriginalMessageIDs, ",")
	if gotIDs != "msg_1,msg_2" {
		t.Errorf("merged ids = %q, want union", gotIDs)
	}

	waitFor(t, func() bool { return len(f.rec.ofType(events.EventEmergency)) == 1 })
	em := f.rec.ofType(events.EventEmergency)[0].Payload.(events.EmergencyPayload)
	if em.Strategy != "merge-oldest" || !em.Succeeded {
		t.Errorf("emergency payload = %+v", em)
	}

	// The merge is a completed compression as far as observers are
	// concerned: compression-completed fires with the merged checkpoint.
	waitFor(t, func() bool { return len(f.rec.ofType(events.EventCompressionCompleted)) == 1 })
	cc := f.rec.ofType(events.EventCompressionCompleted)[0].Payload.(events.CompressionCompletedPayload)
	if cc.CheckpointID != ckpts[0].ID {
		t.Errorf("compression-completed checkpoint = %q, want merged %q", cc.CheckpointID, ckpts[0].ID)
	}
	if cc.Level != 1 {
		t.Errorf("compression-completed level = %d, want 1", cc.Level)
	}

	// The emergency snapshot predates the merge.
	snaps, err := f.orch.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Purpose != storage.PurposeEmergency {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if len(snaps[0].CheckpointsCopy) != 2 {
		t.Errorf("emergency snapshot checkpoints = %d, want pre-merge 2", len(snaps[0].CheckpointsCopy))
	}
}

func TestCannotFitEmitsEventAndKeepsHistoryClean(t *testing.T) {
	f := newFixture(t, nil)

	err := f.orch.AddMessage(context.Background(), userMsg(500))
	if !errors.Is(err, storage.ErrCannotFit) {
		t.Fatalf("error = %v, want ErrCannotFit", err)
	}

	waitFor(t, func() bool { return len(f.rec.ofType(events.EventCannotFit)) == 1 })
	payload := f.rec.ofType(events.EventCannotFit)[0].Payload.(events.CannotFitPayload)
	if payload.SnapshotID == "" {
		t.Error("cannot-fit event lacks the emergency snapshot id")
	}

	// The unsent message is in neither store; the turn is retryable.
	if got := f.orch.history.MessageCount(); got != 0 {
		t.Errorf("history messages = %d, want 0", got)
	}
	if got := len(f.orch.context.RecentMessages()); got != 0 {
		t.Errorf("recent = %d, want 0", got)
	}
}

func TestReliabilityWarningAfterRepeatedCompression(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 40; i++ {
		if err := f.orch.AddMessage(context.Background(), assistantMsg(30)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(f.rec.ofType(events.EventReliabilityWarning)) >= 1 })
	warning := f.rec.ofType(events.EventReliabilityWarning)[0].Payload.(events.ReliabilityWarningPayload)

	// 7B threshold is five compressions; the first warning carries
	// 0.5 × 0.9^5.
	if warning.CompressionNumber != 5 {
		t.Errorf("first warning at compression %d, want 5", warning.CompressionNumber)
	}
	want := 0.5 * math.Pow(0.9, 5)
	if math.Abs(warning.ReliabilityScore-want) > 1e-6 {
		t.Errorf("score = %f, want %f", warning.ReliabilityScore, want)
	}
	if warning.Threshold != 5 {
		t.Errorf("threshold = %d, want 5", warning.Threshold)
	}
}

func TestAgingReducesCheckpointPressure(t *testing.T) {
	f := newFixture(t, nil)

	// The first pass produces a bulky summary that leaves the context
	// over budget; the aging call shrinks it.
	f.model.mu.Lock()
	f.model.replies = []string{strings.Repeat("word ", 200), "tiny summary"}
	f.model.mu.Unlock()

	for i := 0; i < 12; i++ {
		if err := f.orch.AddMessage(context.Background(), assistantMsg(30)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	ckpts := f.orch.context.Checkpoints()
	if len(ckpts) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(ckpts))
	}
	if ckpts[0].CompressionLevel != storage.LevelModerate {
		t.Errorf("level after aging = %d, want 2", ckpts[0].CompressionLevel)
	}
	if ckpts[0].CompressionNumber != 2 {
		t.Errorf("compression number after aging = %d, want 2", ckpts[0].CompressionNumber)
	}
	if got := len(f.rec.ofType(events.EventEmergency)); got != 0 {
		t.Errorf("emergency fired %d times; aging should have been enough", got)
	}
	if _, err := f.orch.context.Validate(); err != nil {
		t.Errorf("context still over after aging: %v", err)
	}

	// The validator must agree with the manager about the aged
	// checkpoint's size: the next prompt build passes without another
	// compression or emergency.
	if _, err := f.orch.BuildPromptForTurn(context.Background()); err != nil {
		t.Fatalf("BuildPromptForTurn after aging: %v", err)
	}
	if got := len(f.rec.ofType(events.EventEmergency)); got != 0 {
		t.Errorf("emergency fired on a context that fits after aging")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		if err := f.orch.AddMessage(context.Background(), userMsg(10)); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	savedMsgs, savedCkpts := f.orch.context.SnapshotState()
	id, err := f.orch.CreateSnapshot(storage.PurposeRecovery)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	// Mutate past the snapshot point.
	for i := 0; i < 2; i++ {
		if err := f.orch.AddMessage(context.Background(), userMsg(10)); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	historyBefore := f.orch.history.MessageCount()

	if err := f.orch.RestoreSnapshot(id); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	gotMsgs, gotCkpts := f.orch.context.SnapshotState()
	if len(gotMsgs) != len(savedMsgs) {
		t.Fatalf("restored %d messages, want %d", len(gotMsgs), len(savedMsgs))
	}
	for i := range gotMsgs {
		if gotMsgs[i].ID != savedMsgs[i].ID || gotMsgs[i].Content != savedMsgs[i].Content {
			t.Errorf("message %d differs after restore", i)
		}
	}
	if len(gotCkpts) != len(savedCkpts) {
		t.Errorf("restored %d checkpoints, want %d", len(gotCkpts), len(savedCkpts))
	}

	// Restore never mutates history.
	if got := f.orch.history.MessageCount(); got != historyBefore {
		t.Errorf("history length changed on restore: %d -> %d", historyBefore, got)
	}

	// The restored context still emits a guarded, valid prompt.
	prompt, err := f.orch.BuildPromptForTurn(context.Background())
	if err != nil {
		t.Fatalf("BuildPromptForTurn after restore: %v", err)
	}
	if len(prompt) != 1+len(savedMsgs) {
		t.Errorf("prompt length = %d", len(prompt))
	}

	waitFor(t, func() bool { return len(f.rec.ofType(events.EventSnapshotRestored)) == 1 })
}

func TestSnapshotPruneCap(t *testing.T) {
	f := newFixture(t, func(c *config.OrchestratorConfig) {
		c.SnapshotKeep = 2
	})

	for i := 0; i < 4; i++ {
		if _, err := f.orch.CreateSnapshot(storage.PurposeRecovery); err != nil {
			t.Fatalf("CreateSnapshot: %v", err)
		}
	}

	snaps, err := f.orch.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("snapshots after prune = %d, want 2", len(snaps))
	}
}

func TestTierChangeRebuildsSystemPrompt(t *testing.T) {
	f := newFixture(t, func(c *config.OrchestratorConfig) {
		c.ModelID = "llama3.1:8b"
		c.RequestedSize = 8192
		c.ContextWindowOverrides = nil
	})

	callsBefore := f.assembler.callCount()
	if err := f.orch.SetRequestedSize(4096); err != nil {
		t.Fatalf("SetRequestedSize: %v", err)
	}

	if got := f.orch.State().Tier; got != models.TierBasic {
		t.Errorf("tier = %q, want basic", got)
	}
	if f.assembler.callCount() != callsBefore+1 {
		t.Error("tier change did not re-request the system prompt")
	}

	waitFor(t, func() bool {
		return len(f.rec.ofType(events.EventTierChanged)) == 1 &&
			len(f.rec.ofType(events.EventConfigUpdated)) == 1
	})
	tc := f.rec.ofType(events.EventTierChanged)[0].Payload.(events.TierChangedPayload)
	if tc.Previous != "standard" || tc.Current != "basic" {
		t.Errorf("tier change payload = %+v", tc)
	}

	// Same tier again: config-updated only.
	if err := f.orch.SetRequestedSize(3000); err != nil {
		t.Fatalf("SetRequestedSize: %v", err)
	}
	waitFor(t, func() bool { return len(f.rec.ofType(events.EventConfigUpdated)) == 2 })
	if got := len(f.rec.ofType(events.EventTierChanged)); got != 1 {
		t.Errorf("tier-changed fired %d times, want 1", got)
	}
}

func TestSummarizationBlocksAndWaits(t *testing.T) {
	f := newFixture(t, nil)
	f.model.delay = 150 * time.Millisecond

	for i := 0; i < 11; i++ {
		if err := f.orch.AddMessage(context.Background(), assistantMsg(30)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	// The 12th add trips compression; run it in the background.
	done := make(chan error, 1)
	go func() { done <- f.orch.AddMessage(context.Background(), assistantMsg(30)) }()

	waitFor(t, func() bool { return f.orch.IsSummarizationInProgress() })

	if err := f.orch.WaitForSummarization(context.Background()); err != nil {
		t.Fatalf("WaitForSummarization: %v", err)
	}
	if f.orch.IsSummarizationInProgress() {
		t.Error("still summarizing after wait returned")
	}

	if err := <-done; err != nil {
		t.Fatalf("AddMessage under compression: %v", err)
	}
}

func TestCancelAbortsInFlightSummarization(t *testing.T) {
	f := newFixture(t, nil)
	f.model.delay = 5 * time.Second

	for i := 0; i < 11; i++ {
		if err := f.orch.AddMessage(context.Background(), assistantMsg(30)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.orch.AddMessage(context.Background(), assistantMsg(30)) }()

	waitFor(t, func() bool { return f.orch.IsSummarizationInProgress() })
	f.orch.Cancel()

	select {
	case err := <-done:
		var sfe *storage.SummarizationFailedError
		if !errors.As(err, &sfe) {
			t.Fatalf("error = %v, want SummarizationFailedError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AddMessage did not return after Cancel")
	}

	if got := f.orch.State().State; got != StateReady {
		t.Errorf("state after cancel = %q, want ready", got)
	}
	if got := len(f.orch.context.Checkpoints()); got != 0 {
		t.Errorf("checkpoints after cancel = %d, want 0", got)
	}
}

func TestConcurrentAddMessagesSerialize(t *testing.T) {
	f := newFixture(t, func(c *config.OrchestratorConfig) {
		c.ContextWindowOverrides = map[string]int{"test": 100000}
		c.RequestedSize = 100000
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.orch.AddMessage(context.Background(), userMsg(10))
		}()
	}
	wg.Wait()

	if got := f.orch.history.MessageCount(); got != 10 {
		t.Errorf("history messages = %d, want 10", got)
	}
	if got := len(f.orch.context.RecentMessages()); got != 10 {
		t.Errorf("recent = %d, want 10", got)
	}

	// History order matches active-context order: the serialized arrival
	// order.
	hist := f.orch.history.Full().Messages
	recent := f.orch.context.RecentMessages()
	for i := range hist {
		if hist[i].ID != recent[i].ID {
			t.Fatalf("order diverges at %d: %s vs %s", i, hist[i].ID, recent[i].ID)
		}
	}
}

func TestAddMessageRejectedBeforeStart(t *testing.T) {
	fake := &fakeModel{reply: "s"}
	orch, err := New(config.OrchestratorConfig{RootDir: t.TempDir(), ModelID: "llama3:8b"}, "", Dependencies{
		Transport: fake,
		Assembler: &fakeAssembler{},
		Counter:   wordCounter(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := orch.AddMessage(context.Background(), userMsg(1)); !errors.Is(err, ErrNotReady) {
		t.Errorf("error = %v, want ErrNotReady", err)
	}
}

func TestOllamaContextLimit(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.orch.OllamaContextLimit(); got != 400 {
		t.Errorf("OllamaContextLimit = %d, want 400", got)
	}
}
