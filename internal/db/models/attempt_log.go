package models

// AttemptLog stores one upstream HTTP attempt for monitoring.
type AttemptLog struct {
	ID            string `gorm:"primaryKey" json:"id"`
	Timestamp     int64  `gorm:"index" json:"timestamp"`
	Provider      string `gorm:"index" json:"provider"`
	Op            string `gorm:"index" json:"op"`
	Method        string `json:"method"`
	URL           string `json:"url"`
	Attempt       int    `json:"attempt"`
	Status        int    `json:"status"`
	Duration      int64  `json:"duration"` // milliseconds
	CorrelationID string `gorm:"index" json:"correlation_id"`
	RequestID     string `json:"request_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// AttemptStats holds aggregated statistics for attempt logs
type AttemptStats struct {
	TotalAttempts int64 `json:"total_attempts"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}
