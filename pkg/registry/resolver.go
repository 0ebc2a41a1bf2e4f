package registry

import "github.com/mcastellin/p2pmesh/pkg/vclock"

// Resolve picks a single deterministic winner between two versions of the
// same identity, per the rules in the specification:
//
//  1. happens-before loses to happens-after.
//  2. equal clocks with matching metadata are the same value; a mismatch is
//     treated as a concurrent write instead (the versions disagree despite
//     an identical clock, which the resolver cannot causally order).
//  3. concurrent writes are broken, in order, by: tombstone-wins,
//     higher timestamp wins, lexicographically-greater originNodeID wins.
//
// The winner's vector clock is always replaced by the merge of both
// operands' clocks, so later comparisons see the combined history. This
// makes Resolve commutative, associative and idempotent, which is required
// for nodes to converge regardless of gossip topology or message ordering.
func Resolve(a, b Instance) Instance {
	winner := pickWinner(a, b)
	winner.Version = a.Version.MergeWith(b.Version)
	winner.Metadata = cloneMetadata(winner.Metadata)
	return winner
}

func pickWinner(a, b Instance) Instance {
	switch a.Version.Compare(b.Version) {
	case vclock.Before:
		return b
	case vclock.After:
		return a
	case vclock.Equal:
		if metadataEqual(a.Metadata, b.Metadata) && a.Host == b.Host && a.Port == b.Port &&
			a.Tombstone == b.Tombstone {
			return a
		}
		return resolveConcurrent(a, b)
	default: // vclock.Concurrent
		return resolveConcurrent(a, b)
	}
}

// resolveConcurrent applies the deterministic tie-break for two versions
// whose vector clocks neither dominates the other. Every branch compares
// values rather than argument position, which is what makes the overall
// rule set commutative.
func resolveConcurrent(a, b Instance) Instance {
	if a.Tombstone != b.Tombstone {
		if a.Tombstone {
			return a
		}
		return b
	}
	if a.TimestampMs != b.TimestampMs {
		if a.TimestampMs > b.TimestampMs {
			return a
		}
		return b
	}
	if a.OriginNodeID > b.OriginNodeID {
		return a
	}
	return b
}
