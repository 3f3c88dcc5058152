package domain

import (
	"errors"
	"fmt"
)

// ErrConcurrentMoveConflict indicates that the store rejected a write batch
// because another writer modified the board partition between the sibling read
// and the batch submit. It is the only error worth retrying, and only by
// re-running the whole operation against a fresh snapshot.
var ErrConcurrentMoveConflict = errors.New("concurrent move conflict")

// ErrForbidden indicates the authenticated user does not own the board.
var ErrForbidden = errors.New("forbidden")

// NotFoundError reports a missing entity or destination parent.
type NotFoundError struct {
	Kind string // "board", "column" or "task"
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidCreationTargetError is returned when task creation targets a column
// whose role is not backlog.
type InvalidCreationTargetError struct {
	ColumnID string
	Role     ColumnRole
}

func (e InvalidCreationTargetError) Error() string {
	return fmt.Sprintf("column %s has role %s and cannot receive new tasks", e.ColumnID, e.Role)
}

// TaskLockedError is returned when a content edit hits a task locked by a
// terminal column. Moving the task out is still allowed.
type TaskLockedError struct {
	TaskID string
}

func (e TaskLockedError) Error() string {
	return fmt.Sprintf("task %s is locked", e.TaskID)
}

// CrossBoardMoveError is returned when a move names a destination column on a
// different board. Tasks never change boards.
type CrossBoardMoveError struct {
	TaskID             string
	SourceBoardID      string
	DestinationBoardID string
}

func (e CrossBoardMoveError) Error() string {
	return fmt.Sprintf("task %s cannot move from board %s to board %s", e.TaskID, e.SourceBoardID, e.DestinationBoardID)
}

// BoardArchivedError is returned when an operation requires a live board. It
// carries the board identity so callers can offer restoring the board first.
type BoardArchivedError struct {
	BoardID string
	Title   string
}

func (e BoardArchivedError) Error() string {
	return fmt.Sprintf("board %s (%s) is archived", e.BoardID, e.Title)
}
