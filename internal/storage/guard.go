package storage

import "fmt"

// IsActiveContext reports whether the message belongs to the active layer.
// Untagged messages are treated as active for compatibility with messages
// constructed before layer tagging existed.
func IsActiveContext(m Message) bool {
	return m.Layer == LayerActive || m.Layer == ""
}

// IsSnapshot reports whether the message came from a snapshot store.
func IsSnapshot(m Message) bool { return m.Layer == LayerSnapshot }

// IsHistory reports whether the message came from the history store.
func IsHistory(m Message) bool { return m.Layer == LayerHistory }

// GuardPrompt asserts that no element of a materialized prompt originated
// from a snapshot or history store. It is called once per emitted prompt;
// a failure is a programmer error, reported as InvariantViolationError.
func GuardPrompt(msgs []Message) error {
	for i, m := range msgs {
		if IsActiveContext(m) {
			continue
		}
		return &InvariantViolationError{
			Which: fmt.Sprintf("prompt element %d (%s) carries layer %q", i, m.ID, m.Layer),
		}
	}
	return nil
}
