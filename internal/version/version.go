package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the build identification used in startup logs and the
// debug page.
func String() string {
	return fmt.Sprintf("trackbridge %s (git %s, built %s)", Version, GitSHA, BuildTime)
}
