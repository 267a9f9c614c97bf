package indicator

import (
	"fmt"
	"time"
)

// Sample is a single observation of a ticker.
type Sample struct {
	Time   time.Time
	Price  float64
	Volume float64
}

// Series is an ascending, duplicate-free sequence of samples.
type Series []Sample

// Validate reports the first ordering violation in the series.
func (s Series) Validate() error {
	for i := 1; i < len(s); i++ {
		if !s[i].Time.After(s[i-1].Time) {
			return fmt.Errorf("series not strictly ascending at index %d (%s after %s)",
				i, s[i].Time.Format(time.RFC3339), s[i-1].Time.Format(time.RFC3339))
		}
	}
	return nil
}

// Append returns the series extended by sample. Samples at or before the last
// timestamp are rejected.
func (s Series) Append(sample Sample) (Series, error) {
	if n := len(s); n > 0 && !sample.Time.After(s[n-1].Time) {
		return s, fmt.Errorf("sample at %s does not advance series ending %s",
			sample.Time.Format(time.RFC3339), s[n-1].Time.Format(time.RFC3339))
	}
	return append(s, sample), nil
}

// Last returns the most recent sample.
func (s Series) Last() (Sample, bool) {
	if len(s) == 0 {
		return Sample{}, false
	}
	return s[len(s)-1], true
}

// Prices extracts the price column.
func (s Series) Prices() []float64 {
	out := make([]float64, len(s))
	for i, sample := range s {
		out[i] = sample.Price
	}
	return out
}
