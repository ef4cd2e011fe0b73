package report

import "time"

// PollPolicy controls how long Await waits for a generated report.
type PollPolicy struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultPollPolicy waits 5s, growing by 1.5x up to 30s, for 12 attempts.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialDelay: 5 * time.Second,
		Multiplier:   1.5,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  12,
	}
}

func (p PollPolicy) normalized() PollPolicy {
	d := DefaultPollPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Delays returns the wait before each attempt.
func (p PollPolicy) Delays() []time.Duration {
	p = p.normalized()
	out := make([]time.Duration, p.MaxAttempts)
	d := p.InitialDelay
	for i := range out {
		out[i] = d
		d = min(time.Duration(float64(d)*p.Multiplier), p.MaxDelay)
	}
	return out
}
