package paychan

import "fmt"

// Release of this module. Bump it when the wire messages or the store
// layout change.
const (
	Major = 0
	Minor = 1
	Patch = 0
)

// Build is stamped by the linker on release builds, for example
//
//	go build -ldflags "-X github.com/iov-one/paychan.Build=$(git rev-parse --short HEAD)"
var Build = ""

// Version formats the release and the build, when known.
func Version() string {
	v := fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch)
	if Build == "" {
		return v + "-dev"
	}
	return v + "+" + Build
}
