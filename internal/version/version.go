package version

import "fmt"

// Set at build time with -ldflags "-X position-exit-alerts/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// UserAgent identifies exitwatch in outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("exitwatch/%s (+position exit monitor)", Version)
}
