package msgsync

import "time"

const (
	// fuzzyTimeTolerance bounds the creation-time delta for matching a
	// client-generated record to its server counterpart by text content.
	fuzzyTimeTolerance = 5 * time.Second

	// emptyMatchTolerance is the tighter bound applied when both candidate
	// texts are empty, so two unrelated blank messages are not paired.
	emptyMatchTolerance = 1500 * time.Millisecond

	// viewportLimit is the number of most recent server records kept when
	// no anchor can be found and the local tail is discarded wholesale.
	viewportLimit = 50
)

// Outcome classifies what a reconciliation pass did.
type Outcome int

const (
	// OutcomeNoop means local and server already agreed at the anchor.
	OutcomeNoop Outcome = iota

	// OutcomeAppend means new server records were appended after the
	// last local record.
	OutcomeAppend

	// OutcomeTailReplace means only the last local record was replaced,
	// to pick up a completion the stream delivered late or lost.
	OutcomeTailReplace

	// OutcomeFuzzyAppend means the local tail carried a client-generated
	// ID, was matched to a server record by content and time, and the
	// remainder was appended from that anchor.
	OutcomeFuzzyAppend

	// OutcomeReset means no anchor was found and the local list was
	// replaced with the most recent server records.
	OutcomeReset
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeAppend:
		return "append"
	case OutcomeTailReplace:
		return "tail-replace"
	case OutcomeFuzzyAppend:
		return "fuzzy-append"
	case OutcomeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Reconcile converges local with the freshly fetched server list.
//
// server is ground truth for ordering and content. The result preserves the
// local prefix whenever an anchor can be established, so in-flight local
// state is not discarded unnecessarily. Reconcile never fails: an ambiguous
// local tail resolves through the bounded reset fallback rather than an
// error, and running Reconcile again on its own output is a no-op.
//
// The returned slice shares no structure with local; callers may retain it.
func Reconcile(local, server []Message) ([]Message, Outcome) {
	if len(local) == 0 {
		if len(server) == 0 {
			return nil, OutcomeNoop
		}
		return tailWindow(server), OutcomeAppend
	}
	if len(server) == 0 {
		return nil, OutcomeReset
	}

	last := local[len(local)-1]

	if k := indexByID(server, last.ID); k >= 0 {
		if k < len(server)-1 {
			merged := make([]Message, 0, len(local)+len(server)-k-1)
			merged = append(merged, local...)
			merged = append(merged, server[k+1:]...)
			return merged, OutcomeAppend
		}
		// Anchor is the server tail. Pick up a completion the stream
		// missed; anything else is already converged.
		if server[k].Completed() && !last.Completed() {
			merged := make([]Message, len(local))
			copy(merged, local)
			merged[len(merged)-1] = server[k]
			return merged, OutcomeTailReplace
		}
		merged := make([]Message, len(local))
		copy(merged, local)
		return merged, OutcomeNoop
	}

	// The local tail's ID is unknown to the server: it is client-generated
	// (e.g. a send echo surviving a process restart). Find the server
	// record it became by content and creation time.
	if k := fuzzyAnchor(server, last); k >= 0 {
		merged := make([]Message, 0, len(local)-1+len(server)-k)
		merged = append(merged, local[:len(local)-1]...)
		merged = append(merged, server[k:]...)
		return merged, OutcomeFuzzyAppend
	}

	// No anchor anywhere: bounded reset so the view converges instead of
	// growing without bound or freezing.
	return tailWindow(server), OutcomeReset
}

// indexByID returns the index of the record with the given ID, or -1.
func indexByID(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// fuzzyAnchor finds the server record that the unmatched local tail most
// plausibly became. Textual matches within fuzzyTimeTolerance always beat
// empty-vs-empty pairings, which only count inside emptyMatchTolerance;
// ties resolve to the smallest time delta.
func fuzzyAnchor(server []Message, tail Message) int {
	tailText := tail.NormalizedText()

	best := -1
	bestDelta := time.Duration(0)
	bestEmpty := false

	for i := range server {
		cand := server[i]
		if cand.IsUser() != tail.IsUser() {
			continue
		}

		delta := cand.CreatedAt.Sub(tail.CreatedAt)
		if delta < 0 {
			delta = -delta
		}

		candText := cand.NormalizedText()
		empty := tailText == "" && candText == ""

		switch {
		case empty:
			if delta >= emptyMatchTolerance {
				continue
			}
		case candText != tailText:
			continue
		default:
			if delta > fuzzyTimeTolerance {
				continue
			}
		}

		// A textual match always displaces an empty one.
		if best == -1 || (bestEmpty && !empty) || (bestEmpty == empty && delta < bestDelta) {
			best = i
			bestDelta = delta
			bestEmpty = empty
		}
	}
	return best
}

// tailWindow copies at most the last viewportLimit records.
func tailWindow(server []Message) []Message {
	start := 0
	if len(server) > viewportLimit {
		start = len(server) - viewportLimit
	}
	merged := make([]Message, len(server)-start)
	copy(merged, server[start:])
	return merged
}
