package engine

import (
	"context"

	"getitdone/internal/domain"
	"getitdone/internal/models"

	"github.com/rs/zerolog"
)

// Remap records a temp record replaced by its canonical id.
type Remap struct {
	From string
	To   string
}

// Merger applies authoritative records to the local store without
// erasing unconfirmed local intents.
type Merger struct {
	store  domain.TaskStore
	remaps *RemapLog
	logger *zerolog.Logger
}

func NewMerger(store domain.TaskStore, remaps *RemapLog, logger *zerolog.Logger) *Merger {
	if remaps == nil {
		remaps = NewRemapLog()
	}
	l := logger.With().Str("component", "merger").Logger()
	return &Merger{store: store, remaps: remaps, logger: &l}
}

// MergeSnapshot merges a full remote snapshot for owner and deletes local
// synced records of owner that the snapshot no longer contains.
func (m *Merger) MergeSnapshot(ctx context.Context, owner string, records []models.RemoteTask) bool {
	for i, rec := range records {
		if rec.ID == "" {
			m.logger.Error().Int("index", i).Msg("Snapshot record without id, ignoring snapshot")
			return false
		}
	}

	local, err := m.store.GetAllTasks(ctx, true)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to read local tasks for merge")
		return false
	}

	incoming := make(map[string]bool, len(records))
	for _, rec := range records {
		incoming[string(rec.ID)] = true
	}

	byID := make(map[string]models.Task, len(local))
	byContent := make(map[models.ContentKey]models.Task)
	for _, t := range local {
		byID[t.ID] = t
		if t.PendingSync == models.SyncCreate && !incoming[t.ID] {
			if _, dup := byContent[t.ContentKey()]; !dup {
				byContent[t.ContentKey()] = t
			}
		}
	}

	ok := true
	for _, rec := range records {
		id := string(rec.ID)
		matchID := id
		if _, found := byID[id]; !found {
			key := rec.ContentKey(owner)
			if t, found := byContent[key]; found {
				matchID = t.ID
				delete(byContent, key)
			}
		}
		if _, err := m.write(ctx, owner, rec, matchID); err != nil {
			m.logger.Error().Err(err).Str("id", id).Msg("Failed to merge record")
			ok = false
		}
	}

	removed := 0
	for _, t := range local {
		if !t.OwnedBy(owner) || t.IsPending() || incoming[t.ID] {
			continue
		}
		if err := m.store.DeleteTask(ctx, t.ID); err != nil {
			m.logger.Error().Err(err).Str("id", t.ID).Msg("Failed to remove stale task")
			ok = false
			continue
		}
		removed++
	}

	m.logger.Info().Int("records", len(records)).Int("removed", removed).Msg("Snapshot merged")
	return ok
}

// MergeRecord merges a single record without garbage collection. When an
// unconfirmed local create is matched by content the temp record is
// replaced and the remap returned.
func (m *Merger) MergeRecord(ctx context.Context, owner string, rec models.RemoteTask) (bool, *Remap) {
	id := string(rec.ID)
	if id == "" {
		m.logger.Warn().Msg("Record without id, ignoring")
		return false, nil
	}

	matchID := id
	existing, err := m.store.GetTask(ctx, id)
	if err != nil {
		m.logger.Error().Err(err).Str("id", id).Msg("Failed to read local task")
		return false, nil
	}
	if existing == nil {
		t, err := m.findUnconfirmed(ctx, rec.ContentKey(owner))
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to scan local tasks")
			return false, nil
		}
		if t != nil {
			matchID = t.ID
		}
	}

	remap, err := m.write(ctx, owner, rec, matchID)
	if err != nil {
		m.logger.Error().Err(err).Str("id", id).Msg("Failed to merge record")
		return false, nil
	}
	return true, remap
}

func (m *Merger) findUnconfirmed(ctx context.Context, key models.ContentKey) (*models.Task, error) {
	local, err := m.store.GetAllTasks(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range local {
		if local[i].PendingSync == models.SyncCreate && local[i].ContentKey() == key {
			return &local[i], nil
		}
	}
	return nil, nil
}

func (m *Merger) write(ctx context.Context, owner string, rec models.RemoteTask, matchID string) (*Remap, error) {
	var remap *Remap
	_, err := m.store.UpdateTask(ctx, matchID, func(cur *models.Task) (*models.Task, error) {
		next := mergeTask(owner, rec, cur)
		if next != nil && cur != nil && cur.ID != next.ID {
			remap = &Remap{From: cur.ID, To: next.ID}
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if remap != nil {
		m.remaps.Record(remap.From, remap.To)
		m.logger.Info().Str("temp_id", remap.From).Str("canonical_id", remap.To).Msg("Local task matched by content")
	}
	return remap, nil
}

// mergeTask applies rec over cur. A nil result means cur wins unchanged.
func mergeTask(owner string, rec models.RemoteTask, cur *models.Task) *models.Task {
	if cur == nil {
		next := rec.Apply(models.Task{})
		if next.OwnerID == nil && owner != "" {
			next.OwnerID = models.StringPtr(owner)
		}
		return &next
	}

	switch cur.PendingSync {
	case models.SyncDelete:
		return nil
	case models.SyncCreate, models.SyncUpdate:
		next := rec.Apply(*cur)
		next.Completed = cur.Completed
		next.IsLate = cur.IsLate
		next.PendingSync = cur.PendingSync
		if cur.ID != next.ID {
			// The server already holds this create; only a completion
			// change is left to push.
			next.PendingSync = models.SyncNone
			if completionDiffers(rec, *cur) {
				next.PendingSync = models.SyncUpdate
			}
		}
		next.Normalize()
		return &next
	default:
		next := rec.Apply(*cur)
		return &next
	}
}

func completionDiffers(rec models.RemoteTask, t models.Task) bool {
	return (rec.Completed != nil && *rec.Completed != t.Completed) ||
		(rec.IsLate != nil && *rec.IsLate != t.IsLate)
}
