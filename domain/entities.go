package domain

// ColumnRole categorizes a column's behavior on the board. The role used to be
// inferred from the column title ("To-Do", "Done"); it is now stored explicitly
// and the title is display text only.
type ColumnRole string

const (
	// RoleBacklog marks the only column new tasks may be created in.
	RoleBacklog ColumnRole = "backlog"
	// RoleInProgress is a neutral column with no lifecycle behavior.
	RoleInProgress ColumnRole = "inprogress"
	// RoleTerminal locks tasks while they sit in the column.
	RoleTerminal ColumnRole = "terminal"
)

// RoleForTitle derives a role from a legacy column title. Columns persisted
// before roles were introduced carry no Role property and fall back to the old
// title convention during decode.
func RoleForTitle(title string) ColumnRole {
	switch title {
	case "Done":
		return RoleTerminal
	case "To-Do":
		return RoleBacklog
	default:
		return RoleInProgress
	}
}

// Priority of a task. Priority stays editable even while a task is locked.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Board owns an ordered list of columns. Archival of a board is independent of
// task-level archival but gates task restore.
type Board struct {
	ID         string `json:"id"`
	OwnerID    string `json:"-"`
	Title      string `json:"title"`
	Archived   bool   `json:"archived,omitempty"`
	ArchivedAt int64  `json:"archivedAt,omitempty"`
	ETag       string `json:"-"`
}

// BoardRef is a lightweight listing entry for a user's boards.
type BoardRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Column is an ordered child of a board.
type Column struct {
	ID      string     `json:"id"`
	BoardID string     `json:"boardId"`
	Title   string     `json:"title"`
	Role    ColumnRole `json:"role"`
	Order   int        `json:"order"`
	ETag    string     `json:"-"`
}

// Task is an ordered child of a column. Timestamps are unix milliseconds and
// zero when unset.
type Task struct {
	ID         string   `json:"id"`
	ColumnID   string   `json:"columnId"`
	Title      string   `json:"title"`
	Notes      string   `json:"notes,omitempty"`
	DueDate    int64    `json:"dueDate,omitempty"`
	Priority   Priority `json:"priority"`
	Order      int      `json:"order"`
	Locked     bool     `json:"locked,omitempty"`
	LockedAt   int64    `json:"lockedAt,omitempty"`
	Archived   bool     `json:"archived,omitempty"`
	ArchivedAt int64    `json:"archivedAt,omitempty"`
	ETag       string   `json:"-"`
}

// BoardSnapshot is a consistent read of a board with its columns and tasks.
// Columns are sorted by order; tasks are sorted by column, then archived last,
// then order.
type BoardSnapshot struct {
	Board   Board    `json:"board"`
	Columns []Column `json:"columns"`
	Tasks   []Task   `json:"tasks"`
}

// ColumnByID returns the snapshot column with the given id, or nil.
func (s *BoardSnapshot) ColumnByID(id string) *Column {
	for i := range s.Columns {
		if s.Columns[i].ID == id {
			return &s.Columns[i]
		}
	}
	return nil
}

// TaskByID returns the snapshot task with the given id, or nil.
func (s *BoardSnapshot) TaskByID(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// ColumnTasks returns the non-archived tasks of a column. Archived tasks keep
// a stale order value that is never part of ordering math.
func (s *BoardSnapshot) ColumnTasks(columnID string) []Task {
	out := make([]Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.ColumnID == columnID && !t.Archived {
			out = append(out, t)
		}
	}
	return out
}
