package sqlbisect

// A SearchState is the state of a binary search
type SearchState int

const (
	Searching           SearchState = iota // low <= high, more candidates have to be evaluated
	FoundBad                               // The search finished and found a first bad candidate
	ExhaustedNoBad                         // The search finished and every evaluated candidate was good
	AbortedInconclusive                    // A candidate could not be classified, the search was aborted
)

func (s SearchState) String() string {
	switch s {
	case Searching:
		return "searching"
	case FoundBad:
		return "found-bad"
	case ExhaustedNoBad:
		return "exhausted-no-bad"
	case AbortedInconclusive:
		return "aborted-inconclusive"
	default:
		return "unknown"
	}
}

// A SearchOutcome is the result of [Bisect]
type SearchOutcome struct {
	State SearchState

	FirstBad     int // The index of the first bad candidate. Only valid if State is FoundBad
	Inconclusive int // The index of the candidate which could not be classified. Only valid if State is AbortedInconclusive

	Evaluations int // How many candidates were classified
}

// Bisect performs a binary search over n candidates ordered from oldest to newest for the first one classified as a [Failure].
// Classifications are assumed to be monotonic: all candidates before the first bad one succeed, all after it fail.
// If classify returns an [EnvironmentError], the search is aborted immediately.
func Bisect(n int, classify func(i int) Status) SearchOutcome {
	outcome := SearchOutcome{State: Searching, FirstBad: -1, Inconclusive: -1}

	low, high := 0, n-1
	for low <= high {
		mid := (low + high) / 2

		status := classify(mid)
		outcome.Evaluations++

		switch status {
		case Success:
			low = mid + 1
		case Failure:
			outcome.FirstBad = mid
			high = mid - 1
		default:
			outcome.State = AbortedInconclusive
			outcome.Inconclusive = mid
			outcome.FirstBad = -1
			return outcome
		}
	}

	if outcome.FirstBad == -1 {
		outcome.State = ExhaustedNoBad
	} else {
		outcome.State = FoundBad
	}
	return outcome
}
