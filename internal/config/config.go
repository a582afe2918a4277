// Package config defines the orchestrator's configuration surface. Loading
// config files is the embedding client's job; this package only owns the
// struct and its defaults.
package config

import "time"

// Duration is a JSON-friendly wrapper around time.Duration ("30s", "5m").
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// CompressionLevelThresholds selects the summary fidelity level from the
// token total of the messages being compressed.
type CompressionLevelThresholds struct {
	CompactAbove  int `json:"compact_above"`  // > this → level 1
	ModerateAbove int `json:"moderate_above"` // > this → level 2, else level 3
}

// OrchestratorConfig carries every knob of the context core. Zero values
// mean "use the default"; read through the accessor methods.
type OrchestratorConfig struct {
	RootDir       string `json:"root_dir"`
	ModelID       string `json:"model_id"`
	RequestedSize int    `json:"requested_size"`

	ReservedResponse int `json:"reserved_response,omitempty"` // default 1000
	KeepRecentCount  int `json:"keep_recent_count,omitempty"` // default 5
	SnapshotKeep     int `json:"snapshot_keep,omitempty"`     // default 10

	SummarizationTimeout Duration `json:"summarization_timeout,omitempty"` // default 30s

	Levels CompressionLevelThresholds `json:"compression_levels,omitempty"`

	// CompressUserMessages admits user-role messages into normal (non-
	// emergency) compression candidates. Off by default: user messages are
	// only summarized by the aggressive emergency strategy.
	CompressUserMessages bool `json:"compress_user_messages,omitempty"`

	// SnapshotAutoThreshold is the legacy usage ratio for automatic
	// snapshots. Retained for configuration compatibility; the
	// orchestrator no longer triggers compression from it.
	SnapshotAutoThreshold float64 `json:"snapshot_auto_threshold,omitempty"`

	// ContextWindowOverrides maps model id prefixes to raw context
	// windows, overriding the built-in profile table.
	ContextWindowOverrides map[string]int `json:"context_window_overrides,omitempty"`
}

// ReservedResponseTokens returns the response budget subtracted before
// every limit comparison.
func (c OrchestratorConfig) ReservedResponseTokens() int {
	if c.ReservedResponse <= 0 {
		return 1000
	}
	return c.ReservedResponse
}

// KeepRecent returns how many trailing messages compression always
// preserves.
func (c OrchestratorConfig) KeepRecent() int {
	if c.KeepRecentCount <= 0 {
		return 5
	}
	return c.KeepRecentCount
}

// SnapshotKeepCount returns how many snapshots prune retains.
func (c OrchestratorConfig) SnapshotKeepCount() int {
	if c.SnapshotKeep <= 0 {
		return 10
	}
	return c.SnapshotKeep
}

// SummarizeTimeout returns the per-call summarization timeout.
func (c OrchestratorConfig) SummarizeTimeout() time.Duration {
	if c.SummarizationTimeout.Duration() <= 0 {
		return 30 * time.Second
	}
	return c.SummarizationTimeout.Duration()
}

// LevelThresholds returns the token thresholds for level selection.
func (c OrchestratorConfig) LevelThresholds() CompressionLevelThresholds {
	t := c.Levels
	if t.CompactAbove <= 0 {
		t.CompactAbove = 3000
	}
	if t.ModerateAbove <= 0 {
		t.ModerateAbove = 2000
	}
	return t
}

// AutoSnapshotThreshold returns the legacy snapshot ratio knob.
func (c OrchestratorConfig) AutoSnapshotThreshold() float64 {
	if c.SnapshotAutoThreshold <= 0 {
		return 0.85
	}
	return c.SnapshotAutoThreshold
}
