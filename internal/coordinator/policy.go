package coordinator

import "time"

// Default attach policy.
const (
	DefaultAttachTimeout = 10 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultMaxAttempts   = 3
)

// Policy bounds how long and how often a caller waits for a prior activation.
type Policy struct {
	// AttachTimeout is measured from the first check of each attempt.
	AttachTimeout time.Duration
	PollInterval  time.Duration
	// MaxAttempts counts the first attempt; restartable failures retry
	// until it is reached.
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		AttachTimeout: DefaultAttachTimeout,
		PollInterval:  DefaultPollInterval,
		MaxAttempts:   DefaultMaxAttempts,
	}
}

// withDefaults replaces non-positive fields with the defaults.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.AttachTimeout <= 0 {
		p.AttachTimeout = d.AttachTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}
