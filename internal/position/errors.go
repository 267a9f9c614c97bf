package position

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for unknown position identifiers.
	ErrNotFound = errors.New("position not found")
	// ErrDuplicate is returned when an identifier is already registered.
	ErrDuplicate = errors.New("position already exists")
	// ErrPeakRegression is returned when a peak update moves against the position.
	ErrPeakRegression = errors.New("peak update is not favorable")
)

// ConfigError describes a schema violation in a position record.
type ConfigError struct {
	Index  int
	Ticker string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("position config")
	if e.Index > 0 {
		fmt.Fprintf(&b, " record %d", e.Index)
	}
	if e.Ticker != "" {
		fmt.Fprintf(&b, " (%s)", e.Ticker)
	}
	fmt.Fprintf(&b, ": %s %s", e.Field, e.Reason)
	return b.String()
}
