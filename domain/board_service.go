package domain

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Store is the persistence contract the board service requires. Snapshot
// returns a consistent read of one board partition (nil when the board does
// not exist) and Apply submits a write batch as a single atomic unit,
// returning ErrConcurrentMoveConflict when a precondition fails.
type Store interface {
	Snapshot(ctx context.Context, boardID string) (*BoardSnapshot, error)
	ListBoards(ctx context.Context, ownerID string) ([]BoardRef, error)
	InsertBoard(ctx context.Context, snap BoardSnapshot) error
	Apply(ctx context.Context, batch WriteBatch) error
}

// applyAttempts bounds how often an operation recomputes against a fresh
// snapshot after a serialization failure. Replaying a stale batch is never an
// option; each attempt re-reads the board.
const applyAttempts = 3

// BoardService composes the ordering engine and the lifecycle state machine
// into complete board operations. Every operation authorizes against the
// board's owner before touching anything else.
type BoardService struct {
	st  Store
	now func() int64
}

func NewBoardService(st Store) BoardService {
	return BoardService{st: st, now: func() int64 { return time.Now().UnixMilli() }}
}

// load fetches the board snapshot and enforces ownership.
func (s BoardService) load(ctx context.Context, ownerID, boardID string) (*BoardSnapshot, error) {
	snap, err := s.st.Snapshot(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, NotFoundError{Kind: "board", ID: boardID}
	}
	if snap.Board.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return snap, nil
}

func (s BoardService) withRetry(boardID string, fn func() error) error {
	var err error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrentMoveConflict) {
			return err
		}
		log.WithFields(log.Fields{"board": boardID, "attempt": attempt + 1}).Warn("write batch conflicted, recomputing")
	}
	return err
}

// CreateBoard creates a board seeded with the standard three columns.
func (s BoardService) CreateBoard(ctx context.Context, ownerID, title string) (*BoardSnapshot, error) {
	boardID := uuid.NewString()
	snap := BoardSnapshot{
		Board: Board{ID: boardID, OwnerID: ownerID, Title: title},
		Columns: []Column{
			{ID: uuid.NewString(), BoardID: boardID, Title: "To-Do", Role: RoleBacklog, Order: 0},
			{ID: uuid.NewString(), BoardID: boardID, Title: "In Progress", Role: RoleInProgress, Order: 1},
			{ID: uuid.NewString(), BoardID: boardID, Title: "Done", Role: RoleTerminal, Order: 2},
		},
	}
	if err := s.st.InsertBoard(ctx, snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListBoards returns the boards owned by the user.
func (s BoardService) ListBoards(ctx context.Context, ownerID string) ([]BoardRef, error) {
	return s.st.ListBoards(ctx, ownerID)
}

// GetBoard returns the board snapshot with columns and tasks in display order.
func (s BoardService) GetBoard(ctx context.Context, ownerID, boardID string) (*BoardSnapshot, error) {
	snap, err := s.load(ctx, ownerID, boardID)
	if err != nil {
		return nil, err
	}
	sortSnapshot(snap)
	return snap, nil
}

func sortSnapshot(snap *BoardSnapshot) {
	sort.Slice(snap.Columns, func(i, j int) bool { return snap.Columns[i].Order < snap.Columns[j].Order })
	sort.Slice(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if a.ColumnID != b.ColumnID {
			return a.ColumnID < b.ColumnID
		}
		if a.Archived != b.Archived {
			return !a.Archived
		}
		return a.Order < b.Order
	})
}

// CreateColumn appends a column at the end of the board's column order.
func (s BoardService) CreateColumn(ctx context.Context, ownerID, boardID, title string, role ColumnRole) (*Column, error) {
	if role == "" {
		role = RoleInProgress
	}
	var created Column
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		if snap.Board.Archived {
			return BoardArchivedError{BoardID: snap.Board.ID, Title: snap.Board.Title}
		}
		created = Column{
			ID:      uuid.NewString(),
			BoardID: boardID,
			Title:   title,
			Role:    role,
			Order:   len(snap.Columns),
		}
		return s.st.Apply(ctx, WriteBatch{BoardID: boardID, InsertColumns: []Column{created}})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// MoveColumn repositions a column within its board. Columns have no lifecycle
// state; this is the ordering engine alone.
func (s BoardService) MoveColumn(ctx context.Context, ownerID, boardID, columnID string, desiredIndex *int) (*Column, error) {
	var moved Column
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		if snap.Board.Archived {
			return BoardArchivedError{BoardID: snap.Board.ID, Title: snap.Board.Title}
		}
		col := snap.ColumnByID(columnID)
		if col == nil {
			return NotFoundError{Kind: "column", ID: columnID}
		}
		siblings := columnSiblings(snap.Columns, columnID)
		raw := len(siblings)
		if desiredIndex != nil {
			raw = *desiredIndex
		}
		newIndex, shifts := ComputeWithinParentMove(siblings, col.Order, raw)
		moved = *col
		if newIndex == col.Order {
			return nil
		}
		moved.Order = newIndex
		order := newIndex
		batch := WriteBatch{
			BoardID:       boardID,
			UpdateColumns: append(columnShiftUpdates(snap.Columns, shifts), ColumnUpdate{ID: col.ID, ETag: col.ETag, Order: &order}),
		}
		return s.st.Apply(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &moved, nil
}

// NewTask carries the caller-supplied fields for task creation.
type NewTask struct {
	Title    string
	Notes    string
	DueDate  int64
	Priority Priority
}

// CreateTask inserts a task into a backlog-role column, at the requested index
// or at the end of the column when none is given.
func (s BoardService) CreateTask(ctx context.Context, ownerID, boardID, columnID string, nt NewTask, desiredIndex *int) (*Task, error) {
	if nt.Priority == "" {
		nt.Priority = PriorityNormal
	}
	var created Task
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		if snap.Board.Archived {
			return BoardArchivedError{BoardID: snap.Board.ID, Title: snap.Board.Title}
		}
		col := snap.ColumnByID(columnID)
		if col == nil {
			return NotFoundError{Kind: "column", ID: columnID}
		}
		if col.Role != RoleBacklog {
			return InvalidCreationTargetError{ColumnID: col.ID, Role: col.Role}
		}
		siblings := taskSiblings(snap.ColumnTasks(columnID), "")
		index, shifts := ComputeInsertion(siblings, desiredIndex)
		created = Task{
			ID:       uuid.NewString(),
			ColumnID: columnID,
			Title:    nt.Title,
			Notes:    nt.Notes,
			DueDate:  nt.DueDate,
			Priority: nt.Priority,
			Order:    index,
		}
		batch := WriteBatch{
			BoardID:     boardID,
			InsertTasks: []Task{created},
			UpdateTasks: taskShiftUpdates(snap.Tasks, shifts),
		}
		return s.st.Apply(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// MoveTask repositions a task, within its column or across columns of the
// same board. Cross-column moves additionally run the lifecycle state machine
// on the source and destination column roles. The sibling shifts and the
// task's own update land in one atomic batch.
func (s BoardService) MoveTask(ctx context.Context, ownerID, boardID, taskID, destBoardID, destColumnID string, desiredIndex *int) (*Task, error) {
	if destBoardID != "" && destBoardID != boardID {
		return nil, CrossBoardMoveError{TaskID: taskID, SourceBoardID: boardID, DestinationBoardID: destBoardID}
	}
	var moved Task
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		if snap.Board.Archived {
			// Moves run the lifecycle machine and leaving a terminal column
			// un-archives the task, which must not happen under an archived
			// board. Restoring the board comes first.
			return BoardArchivedError{BoardID: snap.Board.ID, Title: snap.Board.Title}
		}
		task := snap.TaskByID(taskID)
		if task == nil {
			return NotFoundError{Kind: "task", ID: taskID}
		}
		destCol := snap.ColumnByID(destColumnID)
		if destCol == nil {
			return NotFoundError{Kind: "column", ID: destColumnID}
		}
		srcCol := snap.ColumnByID(task.ColumnID)
		if srcCol == nil {
			return NotFoundError{Kind: "column", ID: task.ColumnID}
		}

		if destCol.ID == srcCol.ID && !task.Archived {
			siblings := taskSiblings(snap.ColumnTasks(srcCol.ID), taskID)
			raw := len(siblings)
			if desiredIndex != nil {
				raw = *desiredIndex
			}
			newIndex, shifts := ComputeWithinParentMove(siblings, task.Order, raw)
			moved = *task
			if newIndex == task.Order {
				// Same parent, same slot: nothing to write.
				return nil
			}
			moved.Order = newIndex
			order := newIndex
			batch := WriteBatch{
				BoardID:     boardID,
				UpdateTasks: append(taskShiftUpdates(snap.Tasks, shifts), TaskUpdate{ID: task.ID, ETag: task.ETag, Order: &order}),
			}
			return s.st.Apply(ctx, batch)
		}

		var changes FieldChanges
		if destCol.ID != srcCol.ID {
			changes = TransitionChanges(srcCol.Role, destCol.Role, *task, s.now())
		}
		// An archived task holds no slot: moving it shifts no source siblings,
		// and it only claims a destination slot if the move un-archives it.
		activeAfter := !task.Archived || (changes.Archived != nil && !*changes.Archived)

		batch := WriteBatch{BoardID: boardID}
		if !task.Archived {
			srcSiblings := taskSiblings(snap.ColumnTasks(srcCol.ID), taskID)
			batch.UpdateTasks = append(batch.UpdateTasks, taskShiftUpdates(snap.Tasks, ComputeRemoval(srcSiblings, task.Order))...)
		}
		destSiblings := taskSiblings(snap.ColumnTasks(destCol.ID), taskID)
		var index int
		if activeAfter {
			var insertShifts []Shift
			index, insertShifts = ComputeInsertion(destSiblings, desiredIndex)
			batch.UpdateTasks = append(batch.UpdateTasks, taskShiftUpdates(snap.Tasks, insertShifts)...)
		} else {
			// Still archived after the move: record a stale position without
			// disturbing the dense sequence.
			index = len(destSiblings)
			if desiredIndex != nil {
				index = clampIndex(*desiredIndex, len(destSiblings))
			}
		}

		order := index
		columnID := destCol.ID
		upd := TaskUpdate{ID: task.ID, ETag: task.ETag, ColumnID: &columnID, Order: &order}
		upd.ApplyLifecycle(changes)
		batch.UpdateTasks = append(batch.UpdateTasks, upd)

		moved = applyTaskUpdate(*task, upd)
		return s.st.Apply(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &moved, nil
}

// UpdateTask applies content edits behind the lock guard.
func (s BoardService) UpdateTask(ctx context.Context, ownerID, boardID, taskID string, edit TaskEdit) (*Task, error) {
	var updated Task
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		task := snap.TaskByID(taskID)
		if task == nil {
			return NotFoundError{Kind: "task", ID: taskID}
		}
		if err := CheckEditable(*task, edit); err != nil {
			return err
		}
		updated = *task
		if edit.Empty() {
			return nil
		}
		upd := TaskUpdate{ID: task.ID, ETag: task.ETag, Title: edit.Title, Notes: edit.Notes, DueDate: edit.DueDate, Priority: edit.Priority}
		updated = applyTaskUpdate(*task, upd)
		return s.st.Apply(ctx, WriteBatch{BoardID: boardID, UpdateTasks: []TaskUpdate{upd}})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteTask removes a task permanently and closes the ordering gap it
// leaves. Deleting an archived task shifts nothing since archived tasks are
// outside the dense sequence.
func (s BoardService) DeleteTask(ctx context.Context, ownerID, boardID, taskID string) error {
	return s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		task := snap.TaskByID(taskID)
		if task == nil {
			return NotFoundError{Kind: "task", ID: taskID}
		}
		batch := WriteBatch{
			BoardID:     boardID,
			DeleteTasks: []TaskDelete{{ID: task.ID, ETag: task.ETag}},
		}
		if !task.Archived {
			siblings := taskSiblings(snap.ColumnTasks(task.ColumnID), taskID)
			batch.UpdateTasks = taskShiftUpdates(snap.Tasks, ComputeRemoval(siblings, task.Order))
		}
		return s.st.Apply(ctx, batch)
	})
}

// ArchiveTask marks a task archived and closes the gap among its non-archived
// siblings. The task keeps its stale order value.
func (s BoardService) ArchiveTask(ctx context.Context, ownerID, boardID, taskID string) (*Task, error) {
	var archived Task
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		if snap.Board.Archived {
			return BoardArchivedError{BoardID: snap.Board.ID, Title: snap.Board.Title}
		}
		task := snap.TaskByID(taskID)
		if task == nil {
			return NotFoundError{Kind: "task", ID: taskID}
		}
		archived = *task
		if task.Archived {
			return nil
		}
		now := s.now()
		flag := true
		upd := TaskUpdate{ID: task.ID, ETag: task.ETag, Archived: &flag, ArchivedAt: &now}
		siblings := taskSiblings(snap.ColumnTasks(task.ColumnID), taskID)
		batch := WriteBatch{
			BoardID:     boardID,
			UpdateTasks: append(taskShiftUpdates(snap.Tasks, ComputeRemoval(siblings, task.Order)), upd),
		}
		archived = applyTaskUpdate(*task, upd)
		return s.st.Apply(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &archived, nil
}

// RestoreTask clears a task's archived state. The board must not be archived;
// restoring the board comes first. Restore deliberately does not recompute an
// order: the task re-enters the sequence at its old value, which may collide
// with a sibling until the next move through that column.
func (s BoardService) RestoreTask(ctx context.Context, ownerID, boardID, taskID string) (*Task, error) {
	var restored Task
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		if snap.Board.Archived {
			return BoardArchivedError{BoardID: snap.Board.ID, Title: snap.Board.Title}
		}
		task := snap.TaskByID(taskID)
		if task == nil {
			return NotFoundError{Kind: "task", ID: taskID}
		}
		restored = *task
		if !task.Archived {
			return nil
		}
		flag := false
		var zero int64
		upd := TaskUpdate{ID: task.ID, ETag: task.ETag, Archived: &flag, ArchivedAt: &zero}
		restored = applyTaskUpdate(*task, upd)
		return s.st.Apply(ctx, WriteBatch{BoardID: boardID, UpdateTasks: []TaskUpdate{upd}})
	})
	if err != nil {
		return nil, err
	}
	return &restored, nil
}

// ArchiveBoard archives the board and cascades over every non-archived task,
// stamping all of them with the same archivedAt.
func (s BoardService) ArchiveBoard(ctx context.Context, ownerID, boardID string) (*Board, error) {
	var board Board
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		board = snap.Board
		now := s.now()
		if snap.Board.Archived {
			// Re-archiving picks up tasks an interrupted cascade left behind,
			// stamped with the board's original archivedAt.
			now = snap.Board.ArchivedAt
		}
		flag := true
		batch := WriteBatch{
			BoardID:     boardID,
			UpdateBoard: &BoardUpdate{ID: snap.Board.ID, ETag: snap.Board.ETag, Archived: &flag, ArchivedAt: &now},
		}
		for i := range snap.Tasks {
			t := &snap.Tasks[i]
			if t.Archived {
				continue
			}
			batch.UpdateTasks = append(batch.UpdateTasks, TaskUpdate{ID: t.ID, ETag: t.ETag, Archived: &flag, ArchivedAt: &now})
		}
		if snap.Board.Archived && len(batch.UpdateTasks) == 0 {
			return nil
		}
		board.Archived = true
		board.ArchivedAt = now
		return s.st.Apply(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &board, nil
}

// RestoreBoard clears the board's archived state and restores every archived
// task under it, whether it was archived by the cascade or individually.
func (s BoardService) RestoreBoard(ctx context.Context, ownerID, boardID string) (*Board, error) {
	var board Board
	err := s.withRetry(boardID, func() error {
		snap, err := s.load(ctx, ownerID, boardID)
		if err != nil {
			return err
		}
		board = snap.Board
		if !snap.Board.Archived {
			return nil
		}
		flag := false
		var zero int64
		batch := WriteBatch{
			BoardID:     boardID,
			UpdateBoard: &BoardUpdate{ID: snap.Board.ID, ETag: snap.Board.ETag, Archived: &flag, ArchivedAt: &zero},
		}
		for i := range snap.Tasks {
			t := &snap.Tasks[i]
			if !t.Archived {
				continue
			}
			batch.UpdateTasks = append(batch.UpdateTasks, TaskUpdate{ID: t.ID, ETag: t.ETag, Archived: &flag, ArchivedAt: &zero})
		}
		board.Archived = false
		board.ArchivedAt = 0
		return s.st.Apply(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &board, nil
}

// applyTaskUpdate folds an update into a task value for returning to callers.
func applyTaskUpdate(t Task, u TaskUpdate) Task {
	if u.ColumnID != nil {
		t.ColumnID = *u.ColumnID
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Notes != nil {
		t.Notes = *u.Notes
	}
	if u.DueDate != nil {
		t.DueDate = *u.DueDate
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.Order != nil {
		t.Order = *u.Order
	}
	if u.Locked != nil {
		t.Locked = *u.Locked
	}
	if u.LockedAt != nil {
		t.LockedAt = *u.LockedAt
	}
	if u.Archived != nil {
		t.Archived = *u.Archived
	}
	if u.ArchivedAt != nil {
		t.ArchivedAt = *u.ArchivedAt
	}
	return t
}
