package version

import (
	"fmt"
)

var (
	VERSION_MAJOR = 0
	VERSION_MINOR = 1
	VERSION_PATCH = 0
)

var strVersion string

func init() {
	strVersion = fmt.Sprintf("%d.%d.%d", VERSION_MAJOR, VERSION_MINOR, VERSION_PATCH)
}

func Version() string {
	return strVersion
}
