package validator

import (
	"sort"

	"streamsink/internal/core"
)

// Report describes how observed committed output deviates from the expected
// emission. An empty report means the configured semantics hold.
type Report struct {
	// Missing lists expected updates not observed often enough. Under
	// exactly-once any shortfall against the emitted count is a gap; under
	// at-least-once only updates never observed at all are.
	Missing []string
	// Duplicates lists updates observed more often than emitted (violates
	// exactly-once only).
	Duplicates []string
	// Unexpected lists observed updates that were never emitted.
	Unexpected []string
}

func (r Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Duplicates) == 0 && len(r.Unexpected) == 0
}

// Check compares the committed output stream against the expected emission
// under the given semantics. Order is not part of the contract; both sides
// are treated as multisets.
func Check(sem core.Semantics, expected, observed []string) Report {
	want := count(expected)
	got := count(observed)

	var r Report
	for v, n := range want {
		switch {
		case got[v] == 0:
			r.Missing = append(r.Missing, v)
		case sem == core.ExactlyOnce && got[v] < n:
			// A duplicated emission committed fewer times than emitted is
			// still a lost update.
			r.Missing = append(r.Missing, v)
		case sem == core.ExactlyOnce && got[v] > n:
			r.Duplicates = append(r.Duplicates, v)
		}
	}
	for v := range got {
		if want[v] == 0 {
			r.Unexpected = append(r.Unexpected, v)
		}
	}
	sort.Strings(r.Missing)
	sort.Strings(r.Duplicates)
	sort.Strings(r.Unexpected)
	return r
}

func count(values []string) map[string]int {
	m := make(map[string]int, len(values))
	for _, v := range values {
		m[v]++
	}
	return m
}
