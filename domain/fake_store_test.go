package domain

import (
	"context"
	"fmt"
)

// fakeStore keeps board snapshots in memory and applies write batches the way
// the real store would, including simulated serialization failures.
type fakeStore struct {
	boards map[string]*BoardSnapshot

	applyCalls    int
	conflictsLeft int
	applyErr      error
	lastBatch     WriteBatch
}

func newFakeStore(snaps ...BoardSnapshot) *fakeStore {
	f := &fakeStore{boards: map[string]*BoardSnapshot{}}
	for _, snap := range snaps {
		cpy := copySnapshot(&snap)
		f.boards[snap.Board.ID] = cpy
	}
	return f
}

func copySnapshot(snap *BoardSnapshot) *BoardSnapshot {
	cpy := &BoardSnapshot{Board: snap.Board}
	cpy.Columns = append([]Column(nil), snap.Columns...)
	cpy.Tasks = append([]Task(nil), snap.Tasks...)
	return cpy
}

func (f *fakeStore) Snapshot(ctx context.Context, boardID string) (*BoardSnapshot, error) {
	snap, ok := f.boards[boardID]
	if !ok {
		return nil, nil
	}
	return copySnapshot(snap), nil
}

func (f *fakeStore) ListBoards(ctx context.Context, ownerID string) ([]BoardRef, error) {
	var refs []BoardRef
	for _, snap := range f.boards {
		if snap.Board.OwnerID == ownerID {
			refs = append(refs, BoardRef{ID: snap.Board.ID, Title: snap.Board.Title})
		}
	}
	return refs, nil
}

func (f *fakeStore) InsertBoard(ctx context.Context, snap BoardSnapshot) error {
	if _, exists := f.boards[snap.Board.ID]; exists {
		return fmt.Errorf("board %s already exists", snap.Board.ID)
	}
	f.boards[snap.Board.ID] = copySnapshot(&snap)
	return nil
}

func (f *fakeStore) Apply(ctx context.Context, batch WriteBatch) error {
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return ErrConcurrentMoveConflict
	}
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applyCalls++
	f.lastBatch = batch

	snap, ok := f.boards[batch.BoardID]
	if !ok {
		return fmt.Errorf("board %s not found", batch.BoardID)
	}
	snap.Columns = append(snap.Columns, batch.InsertColumns...)
	snap.Tasks = append(snap.Tasks, batch.InsertTasks...)
	for _, upd := range batch.UpdateTasks {
		for i := range snap.Tasks {
			if snap.Tasks[i].ID == upd.ID {
				snap.Tasks[i] = applyTaskUpdate(snap.Tasks[i], upd)
			}
		}
	}
	for _, upd := range batch.UpdateColumns {
		for i := range snap.Columns {
			if snap.Columns[i].ID != upd.ID {
				continue
			}
			if upd.Title != nil {
				snap.Columns[i].Title = *upd.Title
			}
			if upd.Role != nil {
				snap.Columns[i].Role = *upd.Role
			}
			if upd.Order != nil {
				snap.Columns[i].Order = *upd.Order
			}
		}
	}
	for _, del := range batch.DeleteTasks {
		for i := range snap.Tasks {
			if snap.Tasks[i].ID == del.ID {
				snap.Tasks = append(snap.Tasks[:i], snap.Tasks[i+1:]...)
				break
			}
		}
	}
	if upd := batch.UpdateBoard; upd != nil {
		if upd.Title != nil {
			snap.Board.Title = *upd.Title
		}
		if upd.Archived != nil {
			snap.Board.Archived = *upd.Archived
		}
		if upd.ArchivedAt != nil {
			snap.Board.ArchivedAt = *upd.ArchivedAt
		}
	}
	return nil
}
