// Package version carries build identity injected via ldflags.
package version

// Set at build time:
//
//	go build -ldflags "-X github.com/patchbay-dev/patchbay/pkg/version.Version=v1.2.3"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
