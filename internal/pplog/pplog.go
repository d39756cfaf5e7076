// Package pplog holds the shared logger for non-fatal diagnostics, such
// as detach failures drained during controller shutdown.
package pplog

import "log"

var Logger *log.Logger

// NullWriter simply sends writes into the void
type NullWriter struct{}

// Write is empty
func (NullWriter) Write(data []byte) (n int, err error) {
	return 0, nil
}

func init() {
	Logger = log.New(NullWriter{}, "", 0)
}

func SetLogger(l *log.Logger) {
	Logger = l
}
