package stack

import "sort"

// ingestLossAlert is the alert type raised when an encoder pipeline loses its
// contribution feed.
const ingestLossAlert = "RTMP Has No Audio/Video"

// BothPipelinesSilent replays alert SET/CLEARED events and reports whether
// every encoder pipeline currently has an uncleared ingest-loss alert.
//
// The replay is a best-effort heuristic: it assumes events arrived in order
// and none are missing, neither of which the log history guarantees. Callers
// must treat a true result as a hint, not an invariant.
func BothPipelinesSilent(events []AlertEvent) bool {
	if len(events) == 0 {
		return false
	}
	ordered := append([]AlertEvent(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	silent := make(map[string]bool)
	for _, ev := range ordered {
		if ev.Type != ingestLossAlert {
			continue
		}
		silent[ev.Pipeline] = ev.Set
	}
	if len(silent) < 2 {
		return false
	}
	for _, s := range silent {
		if !s {
			return false
		}
	}
	return true
}
