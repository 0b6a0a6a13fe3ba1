package convert

// MergeDelta reconciles a streamed text fragment with what has been
// reconstructed so far. Agent CLIs variously send incremental fragments,
// cumulative snapshots, and replayed duplicates; the rules below absorb all
// three without doubling text:
//
//  1. empty prev        -> incoming
//  2. incoming extends prev (prefix) -> incoming, it is a cumulative snapshot
//  3. prev ends with incoming        -> prev, it is a duplicate replay
//  4. otherwise overlap-append: find the longest suffix of prev equal to a
//     prefix of incoming and append only the non-overlapping tail.
func MergeDelta(prev, incoming string) string {
	if prev == "" {
		return incoming
	}
	if incoming == "" {
		return prev
	}
	if len(incoming) >= len(prev) && incoming[:len(prev)] == prev {
		return incoming
	}
	if len(prev) >= len(incoming) && prev[len(prev)-len(incoming):] == incoming {
		return prev
	}

	max := len(prev)
	if len(incoming) < max {
		max = len(incoming)
	}
	for n := max; n > 0; n-- {
		if prev[len(prev)-n:] == incoming[:n] {
			return prev + incoming[n:]
		}
	}
	return prev + incoming
}
