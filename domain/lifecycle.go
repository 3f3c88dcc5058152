package domain

// The lifecycle state machine runs only on cross-column moves. Its effects
// depend solely on the source and destination column roles, enumerated below
// so every combination is visible and testable. Entering a terminal column
// locks the task; leaving one unlocks it and, as a deliberate product rule,
// also un-archives it.

// FieldChanges carries the lifecycle fields a transition touches. Nil pointers
// leave the stored value untouched; a zero timestamp clears it.
type FieldChanges struct {
	Locked     *bool
	LockedAt   *int64
	Archived   *bool
	ArchivedAt *int64
}

// Empty reports whether the transition changes nothing.
func (f FieldChanges) Empty() bool {
	return f.Locked == nil && f.LockedAt == nil && f.Archived == nil && f.ArchivedAt == nil
}

type transitionEffect int

const (
	effectNone transitionEffect = iota
	effectLock
	effectUnlock
)

type rolePair struct {
	from ColumnRole
	to   ColumnRole
}

// transitionTable enumerates every (from, to) role pair. The destination wins:
// any move into a terminal column locks, any move out of one unlocks,
// regardless of the other side.
var transitionTable = map[rolePair]transitionEffect{
	{RoleBacklog, RoleBacklog}:       effectNone,
	{RoleBacklog, RoleInProgress}:    effectNone,
	{RoleBacklog, RoleTerminal}:      effectLock,
	{RoleInProgress, RoleBacklog}:    effectNone,
	{RoleInProgress, RoleInProgress}: effectNone,
	{RoleInProgress, RoleTerminal}:   effectLock,
	{RoleTerminal, RoleBacklog}:      effectUnlock,
	{RoleTerminal, RoleInProgress}:   effectUnlock,
	{RoleTerminal, RoleTerminal}:     effectLock,
}

// TransitionChanges computes the lifecycle side effects of moving task from a
// column with role from to one with role to, stamping lock times with now.
func TransitionChanges(from, to ColumnRole, task Task, now int64) FieldChanges {
	var out FieldChanges
	switch transitionTable[rolePair{from, to}] {
	case effectLock:
		t := true
		out.Locked = &t
		out.LockedAt = &now
	case effectUnlock:
		f := false
		var zero int64
		out.Locked = &f
		out.LockedAt = &zero
		if task.Archived {
			// Leaving a terminal column implicitly un-archives.
			out.Archived = &f
			out.ArchivedAt = &zero
		}
	}
	return out
}

// CheckEditable enforces the lock guard on content edits. Locked tasks reject
// changes to title, notes and due date; priority stays editable, and moves are
// always permitted since leaving the terminal column is the only way to
// unlock.
func CheckEditable(task Task, edit TaskEdit) error {
	if !task.Locked {
		return nil
	}
	if edit.Title != nil || edit.Notes != nil || edit.DueDate != nil {
		return TaskLockedError{TaskID: task.ID}
	}
	return nil
}

// TaskEdit carries caller-supplied content changes. Nil fields are untouched.
type TaskEdit struct {
	Title    *string   `json:"title"`
	Notes    *string   `json:"notes"`
	DueDate  *int64    `json:"dueDate"`
	Priority *Priority `json:"priority"`
}

// Empty reports whether the edit changes nothing.
func (e TaskEdit) Empty() bool {
	return e.Title == nil && e.Notes == nil && e.DueDate == nil && e.Priority == nil
}
