// Package storage defines the three storage layers of the context core —
// active context, recovery snapshots and session history — plus the runtime
// guard that keeps them from contaminating each other.
package storage

import (
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// Layer tags where a message currently lives. Prompts may only be built from
// LayerActive elements; the guard in guard.go enforces this.
type Layer string

const (
	LayerActive   Layer = "active"
	LayerSnapshot Layer = "snapshot"
	LayerHistory  Layer = "history"
)

// Role is the conversational role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation. Messages are immutable once
// appended; TokenCount is 0 until a counter has seen the content.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Ts         time.Time `json:"ts"`
	TokenCount int       `json:"token_count,omitempty"`
	Layer      Layer     `json:"layer,omitempty"`
}

// NewMessage creates an active-layer message with a fresh id.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:      newID("msg"),
		Role:    role,
		Content: content,
		Ts:      time.Now(),
		Layer:   LayerActive,
	}
}

// ToSchemaMessage converts a Message to an Eino schema.Message.
func (m Message) ToSchemaMessage() *schema.Message {
	return &schema.Message{
		Role:    schema.RoleType(m.Role),
		Content: m.Content,
	}
}

// WithLayer returns a copy of the message re-tagged to the given layer.
func (m Message) WithLayer(layer Layer) Message {
	m.Layer = layer
	return m
}

// CompressionLevel expresses checkpoint fidelity: 3 detailed, 2 moderate,
// 1 compact. A checkpoint's level only ever decreases.
type CompressionLevel int

const (
	LevelCompact  CompressionLevel = 1
	LevelModerate CompressionLevel = 2
	LevelDetailed CompressionLevel = 3
)

// CheckpointSummary is an LLM-produced condensation of a contiguous run of
// older messages, kept inside the active context in place of its originals.
type CheckpointSummary struct {
	ID                 string           `json:"id"`
	CreatedAt          time.Time        `json:"created_at"`
	SummaryText        string           `json:"summary_text"`
	OriginalMessageIDs []string         `json:"original_message_ids"`
	TokenCount         int              `json:"token_count"`
	CompressionLevel   CompressionLevel `json:"compression_level"`
	CompressionNumber  int              `json:"compression_number"`
	SourceModel        string           `json:"source_model,omitempty"`
}

// NewCheckpoint creates a checkpoint for the given originals.
func NewCheckpoint(summary string, originalIDs []string, level CompressionLevel, sourceModel string) CheckpointSummary {
	ids := make([]string, len(originalIDs))
	copy(ids, originalIDs)
	return CheckpointSummary{
		ID:                 newID("ckpt"),
		CreatedAt:          time.Now(),
		SummaryText:        summary,
		OriginalMessageIDs: ids,
		CompressionLevel:   level,
		CompressionNumber:  1,
		SourceModel:        sourceModel,
	}
}

// ToMessage renders the checkpoint as the synthetic assistant message that
// represents it inside a prompt. The checkpoint id and token count ride
// along so consumers trace the message back and never re-count (or
// stale-cache) the summary text.
func (c CheckpointSummary) ToMessage() Message {
	return Message{
		ID:         c.ID,
		Role:       RoleAssistant,
		Content:    c.SummaryText,
		Ts:         c.CreatedAt,
		TokenCount: c.TokenCount,
		Layer:      LayerActive,
	}
}

// Clone returns a deep copy of the checkpoint.
func (c CheckpointSummary) Clone() CheckpointSummary {
	ids := make([]string, len(c.OriginalMessageIDs))
	copy(ids, c.OriginalMessageIDs)
	c.OriginalMessageIDs = ids
	return c
}

// SnapshotPurpose records why a snapshot was taken.
type SnapshotPurpose string

const (
	PurposeRecovery  SnapshotPurpose = "recovery"
	PurposeRollback  SnapshotPurpose = "rollback"
	PurposeEmergency SnapshotPurpose = "emergency"
)

// SnapshotData is a full on-disk copy of conversation state. It is never
// consulted when building a prompt.
type SnapshotData struct {
	ID              string              `json:"id"`
	SessionID       string              `json:"session_id"`
	CreatedAt       time.Time           `json:"created_at"`
	Purpose         SnapshotPurpose     `json:"purpose"`
	FullMessages    []Message           `json:"full_messages"`
	CheckpointsCopy []CheckpointSummary `json:"checkpoints_copy"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
}

// CheckpointRecord is the history-side audit record of one compression pass.
type CheckpointRecord struct {
	ID                string           `json:"id"`
	Timestamp         time.Time        `json:"timestamp"`
	FirstMessageIndex int              `json:"first_message_index"`
	LastMessageIndex  int              `json:"last_message_index"`
	OriginalTokens    int              `json:"original_tokens"`
	CompressedTokens  int              `json:"compressed_tokens"`
	Ratio             float64          `json:"ratio"`
	Level             CompressionLevel `json:"level"`
}

// HistoryMetadata aggregates session-level counters.
type HistoryMetadata struct {
	StartTime        time.Time `json:"start_time"`
	LastUpdate       time.Time `json:"last_update"`
	TotalMessages    int       `json:"total_messages"`
	TotalTokens      int       `json:"total_tokens"`
	CompressionCount int       `json:"compression_count"`
}

// SessionHistory is the append-only canonical record of a conversation.
// Its message list grows monotonically; compression never shortens it.
type SessionHistory struct {
	SchemaVersion     int                `json:"schema_version"`
	SessionID         string             `json:"session_id"`
	Messages          []Message          `json:"messages"`
	CheckpointRecords []CheckpointRecord `json:"checkpoint_records"`
	Metadata          HistoryMetadata    `json:"metadata"`
}

// NewSessionID generates a prefixed session id.
func NewSessionID() string { return newID("sess") }

// NewSnapshotID generates a prefixed snapshot id.
func NewSnapshotID() string { return newID("snap") }

func newID(prefix string) string {
	u := uuid.New().String()
	return prefix + "_" + strings.ReplaceAll(u[:8], "-", "")
}
