package registry

import (
	"testing"

	"github.com/mcastellin/p2pmesh/pkg/vclock"
)

func inst(origin string, clock vclock.Clock, ts int64, tombstone bool) Instance {
	return New("test-service", "svc", "host-"+origin, 9000, map[string]string{"v": origin},
		origin, clock, ts, tombstone)
}

func sameWinner(t *testing.T, got, want Instance) {
	t.Helper()
	if got.OriginNodeID != want.OriginNodeID || got.Host != want.Host || got.Tombstone != want.Tombstone {
		t.Fatalf("resolved to %+v, want content of %+v", got, want)
	}
}

func TestResolveCausalOrder(t *testing.T) {
	older := inst("nodeA", vclock.Clock{"nodeA": 1}, 100, false)
	newer := inst("nodeB", vclock.Clock{"nodeA": 1, "nodeB": 1}, 200, false)

	sameWinner(t, Resolve(older, newer), newer)
	sameWinner(t, Resolve(newer, older), newer)
}

func TestResolveConcurrentTombstoneWins(t *testing.T) {
	live := inst("nodeA", vclock.Clock{"nodeA": 1}, 500, false)
	dead := inst("nodeB", vclock.Clock{"nodeB": 1}, 100, true)

	sameWinner(t, Resolve(live, dead), dead)
	sameWinner(t, Resolve(dead, live), dead)
}

func TestResolveConcurrentHigherTimestampWins(t *testing.T) {
	a := inst("nodeA", vclock.Clock{"nodeA": 1}, 100, false)
	b := inst("nodeB", vclock.Clock{"nodeB": 1}, 200, false)

	sameWinner(t, Resolve(a, b), b)
	sameWinner(t, Resolve(b, a), b)
}

func TestResolveConcurrentOriginTiebreak(t *testing.T) {
	a := inst("alpha", vclock.Clock{"alpha": 1}, 100, false)
	b := inst("zeta", vclock.Clock{"zeta": 1}, 100, false)

	sameWinner(t, Resolve(a, b), b)
	sameWinner(t, Resolve(b, a), b)
}

func TestResolveIsIdempotent(t *testing.T) {
	a := inst("nodeA", vclock.Clock{"nodeA": 2}, 100, false)

	got := Resolve(a, a)
	if got.OriginNodeID != a.OriginNodeID || !got.Version.Equal(a.Version) {
		t.Fatalf("Resolve(a,a) = %+v, want %+v", got, a)
	}
}

func TestResolveCommutative(t *testing.T) {
	pairs := [][2]Instance{
		{inst("nodeA", vclock.Clock{"nodeA": 1}, 100, false), inst("nodeB", vclock.Clock{"nodeB": 1}, 100, false)},
		{inst("nodeA", vclock.Clock{"nodeA": 1}, 100, true), inst("nodeB", vclock.Clock{"nodeB": 1}, 500, false)},
		{inst("nodeA", vclock.Clock{"nodeA": 1}, 300, false), inst("nodeB", vclock.Clock{"nodeA": 1, "nodeB": 1}, 100, false)},
	}

	for _, p := range pairs {
		ab := Resolve(p[0], p[1])
		ba := Resolve(p[1], p[0])
		if ab.OriginNodeID != ba.OriginNodeID || ab.Tombstone != ba.Tombstone || !ab.Version.Equal(ba.Version) {
			t.Fatalf("Resolve not commutative for %+v / %+v: %+v vs %+v", p[0], p[1], ab, ba)
		}
	}
}

func TestResolveAssociative(t *testing.T) {
	a := inst("nodeA", vclock.Clock{"nodeA": 1}, 100, false)
	b := inst("nodeB", vclock.Clock{"nodeB": 1}, 500, false)
	c := inst("nodeC", vclock.Clock{"nodeC": 1}, 300, true)

	left := Resolve(Resolve(a, b), c)
	right := Resolve(a, Resolve(b, c))

	if left.OriginNodeID != right.OriginNodeID || left.Tombstone != right.Tombstone {
		t.Fatalf("resolve not associative: left=%+v right=%+v", left, right)
	}
	if !left.Version.Equal(right.Version) {
		t.Fatalf("resolve version not associative: left=%v right=%v", left.Version, right.Version)
	}
}
