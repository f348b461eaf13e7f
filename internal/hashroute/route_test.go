package hashroute

import "testing"

func TestSubtaskForKeyDeterministic(t *testing.T) {
	p1 := SubtaskForKey("895", 4)
	p2 := SubtaskForKey(" 895 ", 4)
	if p1 != p2 {
		t.Fatalf("expected canonicalized keys to route identically, got %d and %d", p1, p2)
	}
	if p1 < 0 || p1 >= 4 {
		t.Fatalf("subtask out of range: %d", p1)
	}
}

func TestSubtaskForKeySingleSubtask(t *testing.T) {
	if got := SubtaskForKey("anything", 1); got != 0 {
		t.Fatalf("parallelism 1 must route to subtask 0, got %d", got)
	}
	if got := SubtaskForKey("anything", 0); got != 0 {
		t.Fatalf("degenerate parallelism must route to subtask 0, got %d", got)
	}
}

func TestRouterPinsAssignment(t *testing.T) {
	r := NewRouter(4)
	a := r.EnsureSubtask("127")
	b := r.EnsureSubtask("127")
	if a != b {
		t.Fatalf("pin not stable, got %d and %d", a, b)
	}

	r.Reset(2)
	c := r.EnsureSubtask("127")
	if c < 0 || c >= 2 {
		t.Fatalf("subtask out of new range after reset: %d", c)
	}
}
