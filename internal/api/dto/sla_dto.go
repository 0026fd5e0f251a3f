package dto

// StartMonitorRequest payload. Zero falls back to the configured interval.
type StartMonitorRequest struct {
	IntervalSeconds int `json:"interval_seconds"`
}
