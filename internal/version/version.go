// Package version holds build-time version info injected via ldflags.
//
// Build with:
//
//	go build -ldflags "-X github.com/gns3/gnsd/internal/version.version=2.2.0"
package version

// version is set at build time via -ldflags.
var version = "dev"

// Version returns the build version string a controller or compute agent
// reports from its /version endpoint.
func Version() string {
	return version
}
