package signal

import "sort"

// Scored pairs a ticker with its signal for presentation.
type Scored struct {
	Ticker string
	Signal Signal
}

var classPriority = map[Class]int{Sell: 0, Buy: 1, Hold: 2}

// Rank sorts results by class (SELL, BUY, HOLD), then confidence descending,
// then ticker. The order is total so output is reproducible.
func Rank(results []Scored) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		pa, pb := priority(a.Signal.Class), priority(b.Signal.Class)
		if pa != pb {
			return pa < pb
		}
		if a.Signal.Confidence != b.Signal.Confidence {
			return a.Signal.Confidence > b.Signal.Confidence
		}
		return a.Ticker < b.Ticker
	})
}

func priority(c Class) int {
	if p, ok := classPriority[c]; ok {
		return p
	}
	return len(classPriority)
}
