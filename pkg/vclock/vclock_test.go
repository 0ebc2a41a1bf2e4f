package vclock

import "testing"

func TestCompareAllOutcomes(t *testing.T) {
	testCases := []struct {
		name     string
		a, b     Clock
		expected Relation
	}{
		{"equal empty", Clock{}, Clock{}, Equal},
		{"equal explicit", Clock{"n1": 2, "n2": 3}, Clock{"n1": 2, "n2": 3}, Equal},
		{"strictly before", Clock{"n1": 1}, Clock{"n1": 2}, Before},
		{"strictly after", Clock{"n1": 2}, Clock{"n1": 1}, After},
		{"concurrent", Clock{"n1": 2}, Clock{"n2": 3}, Concurrent},
		{"concurrent mixed", Clock{"n1": 2, "n2": 1}, Clock{"n1": 1, "n2": 2}, Concurrent},
		{"before with new node in other", Clock{"n1": 1}, Clock{"n1": 1, "n2": 1}, Before},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.expected {
				t.Fatalf("Compare(%v,%v) = %v, want %v", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}

func TestMergeDominatesBothOperands(t *testing.T) {
	a := Clock{"n1": 3, "n2": 1}
	b := Clock{"n1": 1, "n2": 4, "n3": 2}

	merged := a.MergeWith(b)

	if rel := a.Compare(merged); rel != Before && rel != Equal {
		t.Fatalf("merge does not dominate a: relation %v", rel)
	}
	if rel := b.Compare(merged); rel != Before && rel != Equal {
		t.Fatalf("merge does not dominate b: relation %v", rel)
	}
}

func TestMergeCommutative(t *testing.T) {
	a := Clock{"n1": 3, "n2": 1}
	b := Clock{"n1": 1, "n2": 4, "n3": 2}

	if !a.MergeWith(b).Equal(b.MergeWith(a)) {
		t.Fatalf("merge is not commutative")
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := Clock{"n1": 3, "n2": 1}
	if !a.MergeWith(a).Equal(a) {
		t.Fatalf("merge with self changed the clock")
	}
}

func TestIncrementForDoesNotMutateReceiver(t *testing.T) {
	a := Clock{"n1": 1}
	b := a.IncrementFor("n1")

	if a["n1"] != 1 {
		t.Fatalf("IncrementFor mutated receiver: %v", a)
	}
	if b["n1"] != 2 {
		t.Fatalf("IncrementFor did not bump counter: %v", b)
	}
}
