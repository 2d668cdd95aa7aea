//go:build !unix

package lifecycle

import "time"

func processCPUTime() (time.Duration, bool) { return 0, false }
