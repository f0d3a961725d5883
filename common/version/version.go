// Package version exposes the build identity stamped in at link time.
package version

// Set via -ldflags "-X github.com/stayflow/concierge/common/version.Version=..."
// and friends by the release build; the defaults identify a local dev build.
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info renders the build identity as a single human-readable line.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
