package ingest

import (
	"time"

	"github.com/fako1024/btgas/pkg/gas"
)

// WithLogger sets a logger
func WithLogger(logger gas.Logger) func(*Ingestor) {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

// WithMinSaveInterval sets the minimum interval between two real-time saves
// (zero disables throttling)
func WithMinSaveInterval(interval time.Duration) func(*Ingestor) {
	return func(i *Ingestor) {
		i.minSaveInterval = interval
	}
}
