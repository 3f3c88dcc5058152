package domain

// WriteBatch is the single unit of writes produced for one operation. The
// store must apply it atomically; every entity of a board lives in the same
// storage partition precisely so this is possible.
type WriteBatch struct {
	BoardID string

	InsertTasks   []Task
	UpdateTasks   []TaskUpdate
	DeleteTasks   []TaskDelete
	InsertColumns []Column
	UpdateColumns []ColumnUpdate
	UpdateBoard   *BoardUpdate
}

// Empty reports whether applying the batch would write nothing. No-op moves
// must be detected before any write is issued.
func (b *WriteBatch) Empty() bool {
	return len(b.InsertTasks) == 0 && len(b.UpdateTasks) == 0 && len(b.DeleteTasks) == 0 &&
		len(b.InsertColumns) == 0 && len(b.UpdateColumns) == 0 && b.UpdateBoard == nil
}

// TaskUpdate merges changed fields into a stored task. The ETag from the
// snapshot read guards against concurrent writers; a mismatch fails the whole
// batch.
type TaskUpdate struct {
	ID   string
	ETag string

	ColumnID   *string
	Title      *string
	Notes      *string
	DueDate    *int64
	Priority   *Priority
	Order      *int
	Locked     *bool
	LockedAt   *int64
	Archived   *bool
	ArchivedAt *int64
}

// ApplyLifecycle folds lifecycle transition changes into the update.
func (u *TaskUpdate) ApplyLifecycle(f FieldChanges) {
	if f.Locked != nil {
		u.Locked = f.Locked
	}
	if f.LockedAt != nil {
		u.LockedAt = f.LockedAt
	}
	if f.Archived != nil {
		u.Archived = f.Archived
	}
	if f.ArchivedAt != nil {
		u.ArchivedAt = f.ArchivedAt
	}
}

// TaskDelete removes a task row permanently.
type TaskDelete struct {
	ID   string
	ETag string
}

// ColumnUpdate merges changed fields into a stored column.
type ColumnUpdate struct {
	ID   string
	ETag string

	Title *string
	Role  *ColumnRole
	Order *int
}

// BoardUpdate merges changed fields into the board row.
type BoardUpdate struct {
	ID   string
	ETag string

	Title      *string
	Archived   *bool
	ArchivedAt *int64
}

func taskShiftUpdates(tasks []Task, shifts []Shift) []TaskUpdate {
	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	out := make([]TaskUpdate, 0, len(shifts))
	for _, sh := range shifts {
		t, ok := byID[sh.ID]
		if !ok {
			continue
		}
		order := sh.Order
		out = append(out, TaskUpdate{ID: t.ID, ETag: t.ETag, Order: &order})
	}
	return out
}

func columnShiftUpdates(cols []Column, shifts []Shift) []ColumnUpdate {
	byID := make(map[string]*Column, len(cols))
	for i := range cols {
		byID[cols[i].ID] = &cols[i]
	}
	out := make([]ColumnUpdate, 0, len(shifts))
	for _, sh := range shifts {
		c, ok := byID[sh.ID]
		if !ok {
			continue
		}
		order := sh.Order
		out = append(out, ColumnUpdate{ID: c.ID, ETag: c.ETag, Order: &order})
	}
	return out
}
