package eod

import (
	"portfolio-guard/internal/eod/eodobs"
	"portfolio-guard/internal/interfaces"
)

// New returns a Reporter for dir wrapped with logging and tracing.
func New(dir string, retentionDays int) interfaces.EodReporter {
	return eodobs.Wrap(&Reporter{Dir: dir, RetentionDays: retentionDays})
}
