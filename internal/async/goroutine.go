// Package async spawns background goroutines with panic containment. Run
// executors and the HTTP listener run detached from any caller, so a panic in
// one of them has to be logged instead of killing the process.
package async

import "runtime/debug"

// Logger is the slice of the logging interface panic reports need.
type Logger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine. name tags the panic report so the crashing
// task can be identified from the log line alone.
func Go(logger Logger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil || logger == nil {
				return
			}
			logger.Error("background task %q panicked: %v\n%s", name, r, debug.Stack())
		}()
		fn()
	}()
}
