package domain

import (
	"reflect"
	"sort"
	"testing"
)

func siblingsAt(orders ...int) []Sibling {
	out := make([]Sibling, len(orders))
	for i, o := range orders {
		out[i] = Sibling{ID: string(rune('a' + i)), Order: o}
	}
	return out
}

func intp(i int) *int { return &i }

func TestComputeInsertionAppendsByDefault(t *testing.T) {
	index, shifts := ComputeInsertion(siblingsAt(0, 1, 2), nil)
	if index != 3 {
		t.Fatalf("expected append index 3, got %d", index)
	}
	if len(shifts) != 0 {
		t.Fatalf("expected no shifts on append, got %v", shifts)
	}
}

func TestComputeInsertionOpensSlot(t *testing.T) {
	index, shifts := ComputeInsertion(siblingsAt(0, 1, 2), intp(1))
	if index != 1 {
		t.Fatalf("expected index 1, got %d", index)
	}
	want := []Shift{{ID: "b", Order: 2}, {ID: "c", Order: 3}}
	if !reflect.DeepEqual(shifts, want) {
		t.Fatalf("unexpected shifts: %v", shifts)
	}
}

func TestComputeInsertionClampsOutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		desired int
		want    int
	}{
		{name: "negative", desired: -5, want: 0},
		{name: "beyondEnd", desired: 8, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, _ := ComputeInsertion(siblingsAt(0, 1, 2), intp(tt.desired))
			if index != tt.want {
				t.Fatalf("expected clamped index %d, got %d", tt.want, index)
			}
		})
	}
}

func TestComputeInsertionEmptySiblings(t *testing.T) {
	index, shifts := ComputeInsertion(nil, intp(4))
	if index != 0 || len(shifts) != 0 {
		t.Fatalf("expected index 0 and no shifts, got %d %v", index, shifts)
	}
}

func TestComputeRemovalClosesGap(t *testing.T) {
	// Sibling at order 1 was removed; 2 and 3 remain above the gap.
	shifts := ComputeRemoval(siblingsAt(0, 2, 3), 1)
	want := []Shift{{ID: "b", Order: 1}, {ID: "c", Order: 2}}
	if !reflect.DeepEqual(shifts, want) {
		t.Fatalf("unexpected shifts: %v", shifts)
	}
}

func TestComputeRemovalLastPosition(t *testing.T) {
	if shifts := ComputeRemoval(siblingsAt(0, 1), 2); len(shifts) != 0 {
		t.Fatalf("expected no shifts removing tail, got %v", shifts)
	}
}

func TestComputeWithinParentMoveForward(t *testing.T) {
	// Column [A B C], move A (order 0) to index 2: B and C slide back.
	siblings := []Sibling{{ID: "B", Order: 1}, {ID: "C", Order: 2}}
	index, shifts := ComputeWithinParentMove(siblings, 0, 2)
	if index != 2 {
		t.Fatalf("expected index 2, got %d", index)
	}
	want := []Shift{{ID: "B", Order: 0}, {ID: "C", Order: 1}}
	if !reflect.DeepEqual(shifts, want) {
		t.Fatalf("unexpected shifts: %v", shifts)
	}
}

func TestComputeWithinParentMoveBackward(t *testing.T) {
	siblings := []Sibling{{ID: "A", Order: 0}, {ID: "B", Order: 1}}
	index, shifts := ComputeWithinParentMove(siblings, 2, 0)
	if index != 0 {
		t.Fatalf("expected index 0, got %d", index)
	}
	want := []Shift{{ID: "A", Order: 1}, {ID: "B", Order: 2}}
	if !reflect.DeepEqual(shifts, want) {
		t.Fatalf("unexpected shifts: %v", shifts)
	}
}

func TestComputeWithinParentMoveNoOp(t *testing.T) {
	siblings := []Sibling{{ID: "B", Order: 1}, {ID: "C", Order: 2}}
	index, shifts := ComputeWithinParentMove(siblings, 0, 0)
	if index != 0 {
		t.Fatalf("expected index 0, got %d", index)
	}
	if shifts != nil {
		t.Fatalf("expected empty shift set for no-op, got %v", shifts)
	}
}

func TestComputeWithinParentMoveClamps(t *testing.T) {
	siblings := []Sibling{{ID: "B", Order: 1}, {ID: "C", Order: 2}}
	if index, _ := ComputeWithinParentMove(siblings, 0, -3); index != 0 {
		t.Fatalf("expected negative index clamped to 0, got %d", index)
	}
	if index, _ := ComputeWithinParentMove(siblings, 0, 99); index != 2 {
		t.Fatalf("expected oversized index clamped to 2, got %d", index)
	}
}

func TestComputeWithinParentMoveEmptySiblings(t *testing.T) {
	index, shifts := ComputeWithinParentMove(nil, 0, 5)
	if index != 0 || shifts != nil {
		t.Fatalf("expected sole entity pinned at 0, got %d %v", index, shifts)
	}
}

// TestOrderStaysDense drives a sequence of inserts, moves and removals through
// the engine and checks the surviving orders always form {0..n-1}.
func TestOrderStaysDense(t *testing.T) {
	orders := map[string]int{}
	next := 0

	insert := func(id string, desired *int) {
		sibs := make([]Sibling, 0, len(orders))
		for sid, o := range orders {
			sibs = append(sibs, Sibling{ID: sid, Order: o})
		}
		index, shifts := ComputeInsertion(sibs, desired)
		for _, sh := range shifts {
			orders[sh.ID] = sh.Order
		}
		orders[id] = index
		next++
	}
	move := func(id string, to int) {
		old := orders[id]
		sibs := make([]Sibling, 0, len(orders))
		for sid, o := range orders {
			if sid == id {
				continue
			}
			sibs = append(sibs, Sibling{ID: sid, Order: o})
		}
		index, shifts := ComputeWithinParentMove(sibs, old, to)
		for _, sh := range shifts {
			orders[sh.ID] = sh.Order
		}
		orders[id] = index
	}
	remove := func(id string) {
		old := orders[id]
		delete(orders, id)
		sibs := make([]Sibling, 0, len(orders))
		for sid, o := range orders {
			sibs = append(sibs, Sibling{ID: sid, Order: o})
		}
		for _, sh := range ComputeRemoval(sibs, old) {
			orders[sh.ID] = sh.Order
		}
	}
	check := func(step string) {
		t.Helper()
		got := make([]int, 0, len(orders))
		for _, o := range orders {
			got = append(got, o)
		}
		sort.Ints(got)
		for i, o := range got {
			if o != i {
				t.Fatalf("%s: orders not dense: %v", step, got)
			}
		}
	}

	insert("t1", nil)
	insert("t2", nil)
	insert("t3", intp(0))
	check("after inserts")
	move("t1", 2)
	move("t3", 1)
	move("t2", -4)
	check("after moves")
	remove("t3")
	check("after removal")
	insert("t4", intp(99))
	move("t4", 0)
	check("after reinsert")
}
