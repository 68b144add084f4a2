// Package workspace provides CRUD and persistence for Workspace records,
// one JSON file per workspace under <data>/workspaces/<wid>.json.
package workspace

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentrelay/controlplane/internal/logging"
	"github.com/agentrelay/controlplane/internal/storage"
	"github.com/agentrelay/controlplane/pkg/types"
)

// Store persists workspaces via the shared file storage layer.
type Store struct {
	storage *storage.Storage
}

// NewStore creates a workspace store rooted at the given shared storage.
func NewStore(s *storage.Storage) *Store {
	return &Store{storage: s}
}

func path(id string) []string {
	return []string{"workspaces", id}
}

// Create persists a new workspace, assigning an id if unset.
func (s *Store) Create(ctx context.Context, w types.Workspace) (*types.Workspace, error) {
	if w.ID == "" {
		w.ID = ulid.Make().String()
	}
	now := time.Now().UnixMilli()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.Normalize()

	if err := s.storage.Put(ctx, path(w.ID), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Get loads a workspace by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Workspace, error) {
	var w types.Workspace
	if err := s.storage.Get(ctx, path(id), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Update applies fn to the stored workspace and persists the result.
func (s *Store) Update(ctx context.Context, id string, fn func(*types.Workspace)) (*types.Workspace, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(w)
	w.UpdatedAt = time.Now().UnixMilli()
	w.Normalize()
	if err := s.storage.Put(ctx, path(id), w); err != nil {
		return nil, err
	}
	return w, nil
}

// Delete removes a workspace record. Idempotent per spec §8: the first
// call returns true, subsequent calls return false.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if !s.storage.Exists(ctx, path(id)) {
		return false, nil
	}
	if err := s.storage.Delete(ctx, path(id)); err != nil {
		return false, err
	}
	return true, nil
}

// List returns every readable workspace. An unreadable record is skipped
// silently (spec §3).
func (s *Store) List(ctx context.Context) ([]*types.Workspace, error) {
	ids, err := s.storage.List(ctx, []string{"workspaces"})
	if err != nil {
		return nil, err
	}

	out := make([]*types.Workspace, 0, len(ids))
	for _, id := range ids {
		w, err := s.Get(ctx, id)
		if err != nil {
			logging.Logger.Warn().Err(err).Str("workspaceID", id).Msg("skipping unreadable workspace record")
			continue
		}
		out = append(out, w)
	}
	return out, nil
}
