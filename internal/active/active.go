// Package active owns the one object the LLM ever sees: system prompt,
// checkpoint summaries and the recent message window, with token
// accounting against the effective provider limit.
package active

import (
	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/tokens"
)

// Counts breaks the context's token total down by section. Total is always
// the sum of the other three at quiescent points.
type Counts struct {
	System      int `json:"system"`
	Checkpoints int `json:"checkpoints"`
	Recent      int `json:"recent"`
	Total       int `json:"total"`
}

// Manager holds the live context for one session. It is owned by the
// orchestrator's single writer and does no locking of its own.
type Manager struct {
	systemPrompt *storage.Message
	checkpoints  []storage.CheckpointSummary
	recent       []storage.Message

	counter        *tokens.CachingCounter
	effectiveLimit int
	reserved       int

	counts Counts
}

// NewManager creates a manager budgeted against effectiveLimit with
// reserved response tokens held back.
func NewManager(counter *tokens.CachingCounter, effectiveLimit, reserved int) *Manager {
	return &Manager{
		counter:        counter,
		effectiveLimit: effectiveLimit,
		reserved:       reserved,
	}
}

// SetLimits replaces the budget, e.g. after a configuration change.
func (m *Manager) SetLimits(effectiveLimit, reserved int) {
	m.effectiveLimit = effectiveLimit
	m.reserved = reserved
}

// EffectiveLimit returns the current effective limit.
func (m *Manager) EffectiveLimit() int { return m.effectiveLimit }

// SetSystemPrompt installs a new system prompt. The system prompt is never
// compressed.
func (m *Manager) SetSystemPrompt(msg storage.Message) {
	msg.Role = storage.RoleSystem
	msg = msg.WithLayer(storage.LayerActive)
	m.systemPrompt = &msg
	m.recount()
}

// SystemPrompt returns the current system prompt, or nil before Start.
func (m *Manager) SystemPrompt() *storage.Message {
	if m.systemPrompt == nil {
		return nil
	}
	cp := *m.systemPrompt
	return &cp
}

// BuildPrompt materializes the prompt in order: system prompt, one
// synthetic assistant message per checkpoint, recent messages, then the
// optional new message.
func (m *Manager) BuildPrompt(extra *storage.Message) []storage.Message {
	prompt := make([]storage.Message, 0, 1+len(m.checkpoints)+len(m.recent)+1)
	if m.systemPrompt != nil {
		prompt = append(prompt, *m.systemPrompt)
	}
	for _, c := range m.checkpoints {
		prompt = append(prompt, c.ToMessage())
	}
	prompt = append(prompt, m.recent...)
	if extra != nil {
		prompt = append(prompt, extra.WithLayer(storage.LayerActive))
	}
	return prompt
}

// AddMessage appends a message to the recent window. It fails with
// WouldExceedLimitError when the message would push the context past the
// effective limit; the caller must compress first.
func (m *Manager) AddMessage(msg storage.Message) error {
	msg = msg.WithLayer(storage.LayerActive)
	incoming := m.counter.MessageTokens(msg)

	if over := m.counts.Total + incoming + m.reserved - m.effectiveLimit; over > 0 {
		return &storage.WouldExceedLimitError{By: over}
	}

	m.recent = append(m.recent, msg)
	m.counts.Recent += incoming
	m.counts.Total += incoming
	return nil
}

// ForceAddMessage appends without the limit check. Emergency strategies
// use it after they have made room by other means.
func (m *Manager) ForceAddMessage(msg storage.Message) {
	msg = msg.WithLayer(storage.LayerActive)
	n := m.counter.MessageTokens(msg)
	m.recent = append(m.recent, msg)
	m.counts.Recent += n
	m.counts.Total += n
}

// AddCheckpoint appends a checkpoint after the existing ones (oldest
// first ordering is preserved).
func (m *Manager) AddCheckpoint(c storage.CheckpointSummary) {
	c.TokenCount = m.counter.Count(c.SummaryText)
	m.checkpoints = append(m.checkpoints, c)
	m.counts.Checkpoints += c.TokenCount
	m.counts.Total += c.TokenCount
}

// ReplaceCheckpoint swaps the checkpoint with the same id in place and
// recounts. Used by aging: the id survives while the summary text changes,
// so the cached count for the id must be dropped.
func (m *Manager) ReplaceCheckpoint(c storage.CheckpointSummary) bool {
	for i := range m.checkpoints {
		if m.checkpoints[i].ID == c.ID {
			m.counter.Invalidate(c.ID)
			c.TokenCount = m.counter.Count(c.SummaryText)
			m.checkpoints[i] = c
			m.recount()
			return true
		}
	}
	return false
}

// RemoveCheckpoints drops checkpoints by id and recounts. Used by merges.
func (m *Manager) RemoveCheckpoints(ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := m.checkpoints[:0]
	for _, c := range m.checkpoints {
		if !drop[c.ID] {
			kept = append(kept, c)
		}
	}
	m.checkpoints = kept
	m.recount()
}

// SetCheckpoints replaces the checkpoint sequence wholesale, preserving
// the given order. Merges use it to splice a combined checkpoint into the
// position of the oldest source.
func (m *Manager) SetCheckpoints(checkpoints []storage.CheckpointSummary) {
	m.checkpoints = make([]storage.CheckpointSummary, len(checkpoints))
	for i, c := range checkpoints {
		m.counter.Invalidate(c.ID)
		m.checkpoints[i] = c.Clone()
	}
	m.recount()
}

// RemoveMessages drops recent messages by id. Counts are recomputed from
// scratch to avoid drift.
func (m *Manager) RemoveMessages(ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := m.recent[:0]
	for _, msg := range m.recent {
		if !drop[msg.ID] {
			kept = append(kept, msg)
		}
	}
	m.recent = kept
	m.recount()
}

// RecentMessages returns a copy of the recent window.
func (m *Manager) RecentMessages() []storage.Message {
	out := make([]storage.Message, len(m.recent))
	copy(out, m.recent)
	return out
}

// Checkpoints returns a deep copy of the checkpoint sequence, oldest
// first.
func (m *Manager) Checkpoints() []storage.CheckpointSummary {
	out := make([]storage.CheckpointSummary, len(m.checkpoints))
	for i, c := range m.checkpoints {
		out[i] = c.Clone()
	}
	return out
}

// TokenCounts returns the current section breakdown.
func (m *Manager) TokenCounts() Counts { return m.counts }

// AvailableTokens returns how many tokens remain before the reserved
// response budget is at risk.
func (m *Manager) AvailableTokens() int {
	avail := m.effectiveLimit - m.reserved - m.counts.Total
	if avail < 0 {
		return 0
	}
	return avail
}

// Validate checks the context against the effective limit. It returns the
// current total on success and ValidationOverError when over.
func (m *Manager) Validate() (int, error) {
	budget := m.effectiveLimit - m.reserved
	if m.counts.Total > budget {
		return m.counts.Total, &storage.ValidationOverError{
			Tokens: m.counts.Total,
			Limit:  budget,
			By:     m.counts.Total - budget,
		}
	}
	return m.counts.Total, nil
}

// SnapshotState returns deep copies of the recent messages and
// checkpoints for inspection or snapshotting.
func (m *Manager) SnapshotState() ([]storage.Message, []storage.CheckpointSummary) {
	msgs := make([]storage.Message, len(m.recent))
	copy(msgs, m.recent)
	return msgs, m.Checkpoints()
}

// Restore replaces the recent window and checkpoints wholesale, re-tagging
// everything to the active layer. The system prompt is untouched; the
// orchestrator re-derives it separately.
func (m *Manager) Restore(msgs []storage.Message, checkpoints []storage.CheckpointSummary) {
	m.recent = make([]storage.Message, len(msgs))
	for i, msg := range msgs {
		m.recent[i] = msg.WithLayer(storage.LayerActive)
	}
	m.checkpoints = make([]storage.CheckpointSummary, len(checkpoints))
	for i, c := range checkpoints {
		m.checkpoints[i] = c.Clone()
	}
	m.recount()
}

// Clear empties the recent window and checkpoints, keeping the system
// prompt.
func (m *Manager) Clear() {
	m.recent = nil
	m.checkpoints = nil
	m.recount()
}

// recount rebuilds every section counter from scratch.
func (m *Manager) recount() {
	var c Counts
	if m.systemPrompt != nil {
		c.System = m.counter.MessageTokens(*m.systemPrompt)
	}
	for i := range m.checkpoints {
		if m.checkpoints[i].TokenCount == 0 {
			m.checkpoints[i].TokenCount = m.counter.Count(m.checkpoints[i].SummaryText)
		}
		c.Checkpoints += m.checkpoints[i].TokenCount
	}
	for _, msg := range m.recent {
		c.Recent += m.counter.MessageTokens(msg)
	}
	c.Total = c.System + c.Checkpoints + c.Recent
	m.counts = c
}
