package validator

import (
	"testing"

	"streamsink/internal/core"
)

func TestExactlyOnceFlagsDuplicates(t *testing.T) {
	expected := []string{"a", "b", "b", "c"}

	if r := Check(core.ExactlyOnce, expected, []string{"c", "b", "a", "b"}); !r.OK() {
		t.Fatalf("clean run rejected: %+v", r)
	}

	r := Check(core.ExactlyOnce, expected, []string{"a", "a", "b", "b", "c"})
	if r.OK() || len(r.Duplicates) != 1 || r.Duplicates[0] != "a" {
		t.Fatalf("duplicate not flagged: %+v", r)
	}
}

func TestExactlyOnceFlagsUndercountedEmissions(t *testing.T) {
	// The tuple for a value emitted four times must be committed four times;
	// committing it only twice is a partial loss, not a clean run.
	expected := []string{"(148,null,0)", "(148,null,0)", "(148,null,0)", "(148,null,0)"}
	observed := []string{"(148,null,0)", "(148,null,0)"}

	r := Check(core.ExactlyOnce, expected, observed)
	if r.OK() || len(r.Missing) != 1 || r.Missing[0] != "(148,null,0)" {
		t.Fatalf("undercount not flagged: %+v", r)
	}

	// At-least-once collapses identical emissions; one occurrence suffices.
	if r := Check(core.AtLeastOnce, expected, observed); !r.OK() {
		t.Fatalf("undercount must be permitted under at-least-once: %+v", r)
	}
}

func TestAtLeastOncePermitsDuplicatesButNotGaps(t *testing.T) {
	expected := []string{"a", "b", "c"}

	if r := Check(core.AtLeastOnce, expected, []string{"a", "a", "b", "b", "c"}); !r.OK() {
		t.Fatalf("duplicates must be permitted under at-least-once: %+v", r)
	}

	r := Check(core.AtLeastOnce, expected, []string{"a", "b"})
	if r.OK() || len(r.Missing) != 1 || r.Missing[0] != "c" {
		t.Fatalf("gap not flagged: %+v", r)
	}
}

func TestUnexpectedValuesAlwaysFlagged(t *testing.T) {
	r := Check(core.AtLeastOnce, []string{"a"}, []string{"a", "z"})
	if r.OK() || len(r.Unexpected) != 1 || r.Unexpected[0] != "z" {
		t.Fatalf("unexpected value not flagged: %+v", r)
	}
}
