package api

import "tack-api/domain"

const requestMaxSize = 64 * 1024 // 64 KiB

type createBoardRequest struct {
	Title string `json:"title"`
}

type createColumnRequest struct {
	Title string `json:"title"`
	Role  string `json:"role,omitempty"`
}

type moveRequest struct {
	Index *int `json:"index,omitempty"`
}

type createTaskRequest struct {
	ColumnID string `json:"columnId"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	DueDate  int64  `json:"dueDate,omitempty"`
	Priority string `json:"priority,omitempty"`
	Index    *int   `json:"index,omitempty"`
}

type moveTaskRequest struct {
	BoardID  string `json:"boardId,omitempty"`
	ColumnID string `json:"columnId"`
	Index    *int   `json:"index,omitempty"`
}

type updateTaskRequest struct {
	Title    *string          `json:"title,omitempty"`
	Notes    *string          `json:"notes,omitempty"`
	DueDate  *int64           `json:"dueDate,omitempty"`
	Priority *domain.Priority `json:"priority,omitempty"`
}

// errorResponse is the uniform error body. Code names the error category; the
// remaining fields identify the entity that caused the rejection.
type errorResponse struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	BoardID    string `json:"boardId,omitempty"`
	BoardTitle string `json:"boardTitle,omitempty"`
}
