// Package buildinfo carries the release version stamped in at link time:
//
//	go build -ldflags "-X github.com/carp-registry/carp/internal/buildinfo.Version=1.4.0"
package buildinfo

// Version is the release version of the server and CLI binaries.
var Version = "dev"

// UserAgent is the User-Agent the CLI sends to the registry.
func UserAgent() string {
	return "carp-cli/" + Version
}
