package domain

// The ordering engine keeps sibling order values dense: for any parent the
// non-archived siblings occupy exactly {0..n-1}. Every function here is a pure
// computation over a sibling snapshot; the caller applies the resulting shifts
// and the entity's own order in one atomic write batch.

// Sibling is a snapshot entry for one sibling of the entity being placed. The
// entity being inserted or moved is never part of the slice.
type Sibling struct {
	ID    string
	Order int
}

// Shift assigns a sibling its new order value.
type Shift struct {
	ID    string
	Order int
}

// ComputeInsertion clamps the desired index into [0, len(siblings)] and
// returns it together with the shifts that open a slot at that index. A nil
// desired index appends at the end. Out-of-range indices are clamped, not
// rejected, matching long-standing client expectations.
func ComputeInsertion(siblings []Sibling, desired *int) (int, []Shift) {
	index := len(siblings)
	if desired != nil {
		index = clampIndex(*desired, len(siblings))
	}
	var shifts []Shift
	for _, s := range siblings {
		if s.Order >= index {
			shifts = append(shifts, Shift{ID: s.ID, Order: s.Order + 1})
		}
	}
	return index, shifts
}

// ComputeRemoval closes the gap left at removedOrder. siblings are the
// non-archived siblings that remain after the removal.
func ComputeRemoval(siblings []Sibling, removedOrder int) []Shift {
	var shifts []Shift
	for _, s := range siblings {
		if s.Order > removedOrder {
			shifts = append(shifts, Shift{ID: s.ID, Order: s.Order - 1})
		}
	}
	return shifts
}

// ComputeWithinParentMove repositions an entity among its current siblings.
// siblings exclude the moved entity; oldIndex is its current order. When the
// clamped index equals oldIndex the move is a no-op and the empty shift set
// signals the caller to skip the write entirely.
func ComputeWithinParentMove(siblings []Sibling, oldIndex int, newIndexRaw int) (int, []Shift) {
	index := clampIndex(newIndexRaw, len(siblings))
	if index == oldIndex {
		return index, nil
	}
	var shifts []Shift
	if oldIndex < index {
		// Moving forward: everything in (oldIndex, index] slides back one.
		for _, s := range siblings {
			if s.Order > oldIndex && s.Order <= index {
				shifts = append(shifts, Shift{ID: s.ID, Order: s.Order - 1})
			}
		}
	} else {
		// Moving backward: everything in [index, oldIndex) slides forward one.
		for _, s := range siblings {
			if s.Order >= index && s.Order < oldIndex {
				shifts = append(shifts, Shift{ID: s.ID, Order: s.Order + 1})
			}
		}
	}
	return index, shifts
}

func clampIndex(i, max int) int {
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}

// taskSiblings projects tasks onto the sibling snapshot, skipping the entity
// being placed.
func taskSiblings(tasks []Task, excludeID string) []Sibling {
	out := make([]Sibling, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == excludeID {
			continue
		}
		out = append(out, Sibling{ID: t.ID, Order: t.Order})
	}
	return out
}

// columnSiblings projects columns onto the sibling snapshot, skipping the
// column being moved.
func columnSiblings(cols []Column, excludeID string) []Sibling {
	out := make([]Sibling, 0, len(cols))
	for _, c := range cols {
		if c.ID == excludeID {
			continue
		}
		out = append(out, Sibling{ID: c.ID, Order: c.Order})
	}
	return out
}
