// Package obslog is the one place a standard-library *log.Logger gets
// constructed: per-component loggers prefixed with a bracketed tag instead
// of one global logger.
package obslog

import (
	"log"
	"os"
)

// New returns a *log.Logger stamped with "[component] ".
func New(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}
