package engine

import "fmt"

// retryableStationError signals that a station is still waiting on an
// external job or hit a transient problem: the queue message is retried and
// the station row stays running.
type retryableStationError struct {
	station string
	reason  string
}

func (e *retryableStationError) Error() string {
	return fmt.Sprintf("station %s not finished: %s", e.station, e.reason)
}

// terminalStationError signals that a station ended in a non-success
// outcome or hit a non-retryable failure: the run is marked failed.
type terminalStationError struct {
	station string
	reason  string
}

func (e *terminalStationError) Error() string {
	return fmt.Sprintf("station %s failed: %s", e.station, e.reason)
}
