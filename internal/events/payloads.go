package events

// Payload is the interface all typed payloads implement.
type Payload interface {
	EventType() EventType
}

// StartedPayload fires once the orchestrator reaches Ready.
type StartedPayload struct {
	SessionID     string `json:"session_id"`
	Tier          string `json:"tier"`
	ModelID       string `json:"model_id"`
	RequestedSize int    `json:"requested_size"`
	ResumedCount  int    `json:"resumed_count"` // messages loaded from history
}

func (StartedPayload) EventType() EventType { return EventStarted }

// TierChangedPayload fires when the configured size moves the tier.
type TierChangedPayload struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

func (TierChangedPayload) EventType() EventType { return EventTierChanged }

// ConfigUpdatedPayload fires after a configuration change is applied.
type ConfigUpdatedPayload struct {
	RequestedSize int `json:"requested_size"`
}

func (ConfigUpdatedPayload) EventType() EventType { return EventConfigUpdated }

// CompressionStartedPayload fires when the pipeline begins a pass.
type CompressionStartedPayload struct {
	MessageCount int `json:"message_count"`
	Level        int `json:"level"`
	TotalTokens  int `json:"total_tokens"`
}

func (CompressionStartedPayload) EventType() EventType { return EventCompressionStarted }

// CompressionCompletedPayload fires after a successful pass.
type CompressionCompletedPayload struct {
	CheckpointID     string  `json:"checkpoint_id"`
	OriginalTokens   int     `json:"original_tokens"`
	CompressedTokens int     `json:"compressed_tokens"`
	Ratio            float64 `json:"ratio"`
	Level            int     `json:"level"`
}

func (CompressionCompletedPayload) EventType() EventType { return EventCompressionCompleted }

// SnapshotCreatedPayload fires for every persisted snapshot.
type SnapshotCreatedPayload struct {
	SnapshotID string `json:"snapshot_id"`
	Purpose    string `json:"purpose"`
	Messages   int    `json:"messages"`
}

func (SnapshotCreatedPayload) EventType() EventType { return EventSnapshotCreated }

// SnapshotRestoredPayload fires after a restore replaced the active context.
type SnapshotRestoredPayload struct {
	SnapshotID string `json:"snapshot_id"`
	Messages   int    `json:"messages"`
}

func (SnapshotRestoredPayload) EventType() EventType { return EventSnapshotRestored }

// ReliabilityWarningPayload fires when checkpoint fidelity degrades past
// the model's threshold. It never blocks operation.
type ReliabilityWarningPayload struct {
	CheckpointID      string  `json:"checkpoint_id"`
	SourceModel       string  `json:"source_model"`
	CompressionNumber int     `json:"compression_number"`
	ReliabilityScore  float64 `json:"reliability_score"`
	Threshold         int     `json:"threshold"`
}

func (ReliabilityWarningPayload) EventType() EventType { return EventReliabilityWarning }

// EmergencyPayload fires when a last-resort strategy ran.
type EmergencyPayload struct {
	Strategy   string `json:"strategy"`
	SnapshotID string `json:"snapshot_id"`
	Succeeded  bool   `json:"succeeded"`
}

func (EmergencyPayload) EventType() EventType { return EventEmergency }

// CannotFitPayload fires when every strategy failed; the prompt was not
// sent and the emergency snapshot id points at the preserved state.
type CannotFitPayload struct {
	SnapshotID string `json:"snapshot_id"`
	OverBy     int    `json:"over_by"`
}

func (CannotFitPayload) EventType() EventType { return EventCannotFit }
