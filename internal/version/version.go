package version

import (
	"fmt"
	"runtime"
)

var (
	// Name of the application
	AppName = "nasync"

	// Version of the application
	Version = "0.1.0-dev"

	// Git commit hash of the application
	Revision = "HEAD"

	// Build date of the application
	BuildDate = ""
)

func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s)", Version, Revision, BuildDate, runtime.GOOS, runtime.GOARCH)
}
