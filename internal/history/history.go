// Package history is the append-only durable log of every raw message and
// checkpointing event for a session. It is the sole source of truth for
// audit and export, and is never consulted when building a prompt.
package history

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/storage/dirstore"
)

const historyFile = "history.json"

// Manager owns one session's history.json. Writes are write-through: every
// append persists before returning.
type Manager struct {
	store   *dirstore.Store
	history storage.SessionHistory
}

// NewManager creates a history manager for the session.
func NewManager(store *dirstore.Store, sessionID string) *Manager {
	return &Manager{
		store: store,
		history: storage.SessionHistory{
			SchemaVersion: 1,
			SessionID:     sessionID,
			Metadata: storage.HistoryMetadata{
				StartTime:  time.Now(),
				LastUpdate: time.Now(),
			},
		},
	}
}

// Load reads an existing history.json. A missing file leaves the fresh
// in-memory history in place and reports false; IO or decode failures wrap
// ErrStoreUnavailable.
func (m *Manager) Load() (bool, error) {
	var h storage.SessionHistory

	m.store.RLock()
	err := m.store.ReadJSON(m.history.SessionID, &h, historyFile)
	m.store.RUnlock()

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: load history: %v", storage.ErrStoreUnavailable, err)
	}
	if h.SchemaVersion != 1 {
		return false, fmt.Errorf("%w: unsupported history schema %d", storage.ErrStoreUnavailable, h.SchemaVersion)
	}

	m.history = h
	return true, nil
}

// Append adds a message to the log. It never rejects on size.
func (m *Manager) Append(msg storage.Message) error {
	msg = msg.WithLayer(storage.LayerHistory)

	m.history.Messages = append(m.history.Messages, msg)
	m.history.Metadata.TotalMessages = len(m.history.Messages)
	m.history.Metadata.TotalTokens += msg.TokenCount
	m.history.Metadata.LastUpdate = time.Now()

	return m.Save()
}

// RecordCheckpoint logs one compression pass and bumps the session's
// compression count.
func (m *Manager) RecordCheckpoint(rec storage.CheckpointRecord) error {
	m.history.CheckpointRecords = append(m.history.CheckpointRecords, rec)
	m.history.Metadata.CompressionCount++
	m.history.Metadata.LastUpdate = time.Now()

	return m.Save()
}

// CompressionCount returns how many compression passes this session has
// recorded.
func (m *Manager) CompressionCount() int {
	return m.history.Metadata.CompressionCount
}

// MessageCount returns the current log length.
func (m *Manager) MessageCount() int {
	return len(m.history.Messages)
}

// MessageIndex returns the log index of a message id, or -1.
func (m *Manager) MessageIndex(id string) int {
	for i, msg := range m.history.Messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// Full returns a deep copy of the history for export.
func (m *Manager) Full() storage.SessionHistory {
	h := m.history
	h.Messages = make([]storage.Message, len(m.history.Messages))
	copy(h.Messages, m.history.Messages)
	h.CheckpointRecords = make([]storage.CheckpointRecord, len(m.history.CheckpointRecords))
	copy(h.CheckpointRecords, m.history.CheckpointRecords)
	return h
}

// Save persists the history atomically.
func (m *Manager) Save() error {
	m.store.Lock()
	defer m.store.Unlock()

	if err := m.store.WriteJSONAtomic(m.history.SessionID, m.history, historyFile); err != nil {
		return fmt.Errorf("%w: save history: %v", storage.ErrStoreUnavailable, err)
	}
	return nil
}

// ExportMarkdown renders the full history as a readable transcript.
func (m *Manager) ExportMarkdown() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Session %s\n\n", m.history.SessionID))
	sb.WriteString(fmt.Sprintf("Started %s · %d messages · %d compressions\n\n",
		m.history.Metadata.StartTime.Format(time.RFC3339),
		len(m.history.Messages),
		m.history.Metadata.CompressionCount,
	))

	records := make(map[int][]storage.CheckpointRecord)
	for _, rec := range m.history.CheckpointRecords {
		records[rec.LastMessageIndex] = append(records[rec.LastMessageIndex], rec)
	}

	for i, msg := range m.history.Messages {
		sb.WriteString(fmt.Sprintf("## %s · %s\n\n", roleTitle(msg.Role), msg.Ts.Format("2006-01-02 15:04:05")))
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")

		for _, rec := range records[i] {
			sb.WriteString(fmt.Sprintf("> _Compressed messages %d–%d at level %d: %d → %d tokens (%.0f%%)._\n\n",
				rec.FirstMessageIndex, rec.LastMessageIndex, rec.Level,
				rec.OriginalTokens, rec.CompressedTokens, rec.Ratio*100))
		}
	}

	return sb.String()
}

func roleTitle(r storage.Role) string {
	s := string(r)
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
