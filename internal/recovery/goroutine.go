package recovery

import (
	"runtime/debug"

	"github.com/vanpelt/catterm/internal/logger"
)

// SafeGo runs a function in a goroutine with automatic panic recovery
// so a single misbehaving session reader cannot take the server down.
func SafeGo(name string, fn func()) {
	go Run(name, fn)
}

// SafeGoWithCleanup runs fn in a goroutine; cleanup always runs, even after a panic
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if cleanup != nil {
				cleanup()
			}
		}()
		Run(name, fn)
	}()
}

// Run executes fn on the calling goroutine and recovers any panic.
// It reports whether fn completed without panicking.
func Run(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Error().
				Str("goroutine", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("🚨 panic recovered")
			ok = false
		}
	}()
	fn()
	return true
}
