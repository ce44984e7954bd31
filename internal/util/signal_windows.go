//go:build windows

package util

import (
	"os"
)

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal terminates p. Windows has no SIGINT for child processes,
// and a capture process holds no state that needs flushing.
func GracefulSignal(p *os.Process) error {
	return p.Kill()
}
