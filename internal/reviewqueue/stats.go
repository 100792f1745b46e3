package reviewqueue

import "github.com/ChuLiYu/docflow/pkg/types"

// Stats aggregates the unfiltered live set. Approved counts both human and
// automatic approvals; the average is over cases that have a confidence.
func (ix *Index) Stats() types.QueueStats {
	st := types.QueueStats{ByState: make(map[types.State]int, len(types.AllStates))}
	for _, s := range types.AllStates {
		st.ByState[s] = 0
	}

	var sum float64
	var scored int
	for _, c := range ix.src.List() {
		st.Total++
		st.ByState[c.State]++
		switch c.State {
		case types.StateNeedsReview:
			st.Pending++
		case types.StateInReview:
			st.InReview++
		case types.StateApproved, types.StateAutoApproved:
			st.Approved++
		case types.StateRejected:
			st.Rejected++
		}
		if c.Confidence != nil {
			sum += *c.Confidence
			scored++
		}
	}
	if scored > 0 {
		st.AverageConfidence = sum / float64(scored)
	}
	return st
}
