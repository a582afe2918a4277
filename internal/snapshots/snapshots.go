// Package snapshots persists full-state recovery snapshots of a session.
// Snapshots are written before any emergency action and on explicit
// request; prompt construction never reads them.
package snapshots

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/storage/dirstore"
)

const snapshotsDir = "snapshots"

// Store manages the snapshot files of one session.
type Store struct {
	store     *dirstore.Store
	sessionID string
}

// NewStore creates a snapshot store for the session.
func NewStore(store *dirstore.Store, sessionID string) *Store {
	return &Store{store: store, sessionID: sessionID}
}

// Create persists a new snapshot atomically and returns it. Messages are
// tagged with the snapshot layer on the way to disk so a restore cannot
// smuggle them into a prompt unconverted.
func (s *Store) Create(fullMessages []storage.Message, checkpoints []storage.CheckpointSummary, purpose storage.SnapshotPurpose) (storage.SnapshotData, error) {
	snap := storage.SnapshotData{
		ID:        storage.NewSnapshotID(),
		SessionID: s.sessionID,
		CreatedAt: time.Now(),
		Purpose:   purpose,
		Metadata: map[string]string{
			"messages":    strconv.Itoa(len(fullMessages)),
			"checkpoints": strconv.Itoa(len(checkpoints)),
		},
	}

	snap.FullMessages = make([]storage.Message, len(fullMessages))
	for i, m := range fullMessages {
		snap.FullMessages[i] = m.WithLayer(storage.LayerSnapshot)
	}
	snap.CheckpointsCopy = make([]storage.CheckpointSummary, len(checkpoints))
	for i, c := range checkpoints {
		snap.CheckpointsCopy[i] = c.Clone()
	}

	s.store.Lock()
	defer s.store.Unlock()

	if err := s.store.WriteJSONAtomic(s.sessionID, snap, snapshotsDir, snap.ID+".json"); err != nil {
		return storage.SnapshotData{}, fmt.Errorf("%w: create snapshot: %v", storage.ErrStoreUnavailable, err)
	}
	return snap, nil
}

// Restore loads a snapshot's contents by id.
func (s *Store) Restore(id string) (storage.SnapshotData, error) {
	s.store.RLock()
	defer s.store.RUnlock()

	var snap storage.SnapshotData
	if err := s.store.ReadJSON(s.sessionID, &snap, snapshotsDir, id+".json"); err != nil {
		return storage.SnapshotData{}, fmt.Errorf("%w: restore snapshot %s: %v", storage.ErrStoreUnavailable, id, err)
	}
	return snap, nil
}

// List returns all snapshots sorted newest first. Corrupted files are
// skipped.
func (s *Store) List() ([]storage.SnapshotData, error) {
	s.store.RLock()
	defer s.store.RUnlock()

	return s.list()
}

func (s *Store) list() ([]storage.SnapshotData, error) {
	names, err := s.store.ListFiles(s.sessionID, snapshotsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", storage.ErrStoreUnavailable, err)
	}

	var snaps []storage.SnapshotData
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		var snap storage.SnapshotData
		if err := s.store.ReadJSON(s.sessionID, &snap, snapshotsDir, name); err != nil {
			continue // skip corrupted snapshots
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Latest returns the newest snapshot, or nil when none exist.
func (s *Store) Latest() (*storage.SnapshotData, error) {
	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}

// Count returns the number of stored snapshots.
func (s *Store) Count() (int, error) {
	snaps, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(snaps), nil
}

// Delete removes one snapshot by id.
func (s *Store) Delete(id string) error {
	s.store.Lock()
	defer s.store.Unlock()

	if err := s.store.Remove(s.sessionID, snapshotsDir, id+".json"); err != nil {
		return fmt.Errorf("%w: delete snapshot %s: %v", storage.ErrStoreUnavailable, id, err)
	}
	return nil
}

// Prune deletes the oldest snapshots beyond keep.
func (s *Store) Prune(keep int) error {
	if keep < 0 {
		keep = 0
	}

	s.store.Lock()
	defer s.store.Unlock()

	snaps, err := s.list()
	if err != nil {
		return err
	}
	for _, snap := range snaps[min(keep, len(snaps)):] {
		if err := s.store.Remove(s.sessionID, snapshotsDir, snap.ID+".json"); err != nil {
			return fmt.Errorf("%w: prune snapshot %s: %v", storage.ErrStoreUnavailable, snap.ID, err)
		}
	}
	return nil
}
