// Package logging is the process-wide logger. It wraps the standard
// library logger with level prefixes and a global disable switch so
// tests can silence output.
package logging

import (
	"log"
	"os"
)

var (
	disabled = false
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging (used by tests).
func Disable() {
	disabled = true
}

// Enable turns logging back on.
func Enable() {
	disabled = false
}

// Infof logs a formatted info message.
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf("INFO  "+format, v...)
	}
}

// Warnf logs a formatted warning message.
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf("WARN  "+format, v...)
	}
}

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf("ERROR "+format, v...)
	}
}

// Debugf logs a formatted debug message. Same sink as Infof; kept
// separate so call sites read correctly.
func Debugf(format string, v ...any) {
	if !disabled {
		logger.Printf("DEBUG "+format, v...)
	}
}
