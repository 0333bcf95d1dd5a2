package blockstore

import (
	"fmt"
	"log"
	"os"
)

// Logger defines the interface the engine uses to report recovery progress,
// flusher activity and fatal I/O errors. Options.Logger defaults to
// DefaultLogger.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib log package, prefixing each line with
// its severity so Errorf/Fatalf output is visually distinct from Infof in a
// plain text log stream.
type DefaultLogger struct{}

func (DefaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

func (DefaultLogger) Errorf(format string, args ...interface{}) {
	_ = log.Output(2, "error: "+fmt.Sprintf(format, args...))
}

// Fatalf logs and terminates the process, matching the design notes'
// treatment of IOFailure as an abort condition rather than a recoverable
// error once it reaches the engine's top level.
func (DefaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, "fatal: "+fmt.Sprintf(format, args...))
	os.Exit(1)
}
