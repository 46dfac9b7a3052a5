package app

import "fmt"

// Build information populated via -ldflags at build time.
var (
    BuildVersion = "0.0.0-dev"
    BuildCommit  = "unknown"
    BuildDate    = "unknown"
)

// DefaultUserAgent identifies page and image fetches.
func DefaultUserAgent() string {
    return fmt.Sprintf("gorewrite/%s (+https://github.com/hyperifyio/gorewrite)", BuildVersion)
}

// VersionString is printed by -version.
func VersionString() string {
    return fmt.Sprintf("gorewrite %s (commit %s, built %s)", BuildVersion, BuildCommit, BuildDate)
}
