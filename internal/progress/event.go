// Package progress defines the event stream emitted while ingestion runs
// execute, plus a non-blocking hub that fans events out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StagePageFetched  Stage = "PAGE_FETCHED"
	StageEntryScraped Stage = "ENTRY_SCRAPED"
)

// Event captures a single milestone of an ingestion run.
type Event struct {
	// RunKey identifies the run the event belongs to.
	RunKey string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Source is the scrape source name.
	Source string
	// URL is the optional page URL.
	URL string
	// Page is the pagination index for page events.
	Page int
	// Bytes carries the response size for page events.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 4xx, err).
	StatusClass string
	// Dur captures latency for page fetches and run completions.
	Dur time.Duration
	// Note carries low-volume context such as an abort reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunKey == "" {
		return errors.New("run key is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageEntryScraped:
	case StagePageFetched:
		if e.StatusClass == "" {
			return errors.New("page fetched requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
