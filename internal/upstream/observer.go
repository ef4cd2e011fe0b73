package upstream

import "time"

// Attempt describes one HTTP attempt. It never carries credentials or
// response bodies.
type Attempt struct {
	Provider string
	Op       string
	Method   string
	// URL has its query string removed.
	URL           string
	Number        int
	Status        int
	Duration      time.Duration
	CorrelationID string
	RequestID     string
	// Kind is empty on success, otherwise the apperr kind name.
	Kind string
}

// Observer is notified after every attempt.
type Observer interface {
	ObserveAttempt(Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Attempt)

func (f ObserverFunc) ObserveAttempt(a Attempt) { f(a) }

// Observers fans out to several observers; nil entries are skipped.
type Observers []Observer

func (obs Observers) ObserveAttempt(a Attempt) {
	for _, o := range obs {
		if o != nil {
			o.ObserveAttempt(a)
		}
	}
}
