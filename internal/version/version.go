// Package version holds the release version of cronquiles.
package version

// Current is the release version, without a "v" prefix.
const Current = "0.4.0"

// Commit is set at build time with -ldflags "-X .../internal/version.Commit=<sha>".
var Commit = "unknown"
