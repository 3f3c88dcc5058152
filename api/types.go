package api

import (
	"context"

	"tack-api/domain"
)

// Engine abstracts the board service for handlers.
type Engine interface {
	CreateBoard(ctx context.Context, ownerID, title string) (*domain.BoardSnapshot, error)
	ListBoards(ctx context.Context, ownerID string) ([]domain.BoardRef, error)
	GetBoard(ctx context.Context, ownerID, boardID string) (*domain.BoardSnapshot, error)
	ArchiveBoard(ctx context.Context, ownerID, boardID string) (*domain.Board, error)
	RestoreBoard(ctx context.Context, ownerID, boardID string) (*domain.Board, error)

	CreateColumn(ctx context.Context, ownerID, boardID, title string, role domain.ColumnRole) (*domain.Column, error)
	MoveColumn(ctx context.Context, ownerID, boardID, columnID string, desiredIndex *int) (*domain.Column, error)

	CreateTask(ctx context.Context, ownerID, boardID, columnID string, nt domain.NewTask, desiredIndex *int) (*domain.Task, error)
	MoveTask(ctx context.Context, ownerID, boardID, taskID, destBoardID, destColumnID string, desiredIndex *int) (*domain.Task, error)
	UpdateTask(ctx context.Context, ownerID, boardID, taskID string, edit domain.TaskEdit) (*domain.Task, error)
	DeleteTask(ctx context.Context, ownerID, boardID, taskID string) error
	ArchiveTask(ctx context.Context, ownerID, boardID, taskID string) (*domain.Task, error)
	RestoreTask(ctx context.Context, ownerID, boardID, taskID string) (*domain.Task, error)
}

// Publisher delivers activity events after successful mutations.
type Publisher interface {
	EnqueueEvents(ctx context.Context, userID string, events []domain.Event) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of repeated mutation requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}
