// Package logging centralizes zap logger construction for the edge proxy
// and manager binaries, mirroring the debug/production split the pack's
// caddy repo uses (zap.NewDevelopment in debug mode, zap.NewProduction
// otherwise) rather than hand-rolling a logger.
package logging

import "go.uber.org/zap"

// New builds a process logger. debug selects a development encoder config
// (human-readable, caller info, debug level); otherwise a production JSON
// encoder is used.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Must is New but panics on construction failure, for use at process
// start-up where a broken logger leaves nothing worth recovering.
func Must(debug bool) *zap.Logger {
	l, err := New(debug)
	if err != nil {
		panic(err)
	}
	return l
}
