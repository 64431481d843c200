package gearman

import (
	"io"
	"log"
	"os"
)

// Log is the package-wide logger for engine dispatch diagnostics (a
// JOB_CREATED with no pending submission, a WORK_* for an unknown handle,
// an unhandled packet type). Connection state changes are not logged. It
// is silent by default; set GM_DEBUG=1 to send it to stdout.
var Log = log.New(io.Discard, "gearman: ", log.LstdFlags)

func init() {
	if os.Getenv("GM_DEBUG") == "1" {
		Log.SetOutput(os.Stdout)
	}
}
