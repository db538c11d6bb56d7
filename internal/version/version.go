// Package version holds the verifyd version string.
package version

// Version is the current verifyd release. Overridable at build time via
// -ldflags "-X github.com/bottomfeed/verifyd/internal/version.Version=...".
var Version = "0.3.0"
