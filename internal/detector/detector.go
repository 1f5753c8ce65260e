// Package detector answers whether a process recorded in the activation
// registry is still running.
package detector

import "fmt"

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects a process by pid. When StartUnix is set the process
// must also have been started at that time, which rejects a recycled pid.
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	if d.StartUnix > 0 {
		if cur := startUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	return pidAlive(d.PID), nil
}

func (d PIDDetector) Describe() string {
	if d.StartUnix > 0 {
		return fmt.Sprintf("pid:%d@%d", d.PID, d.StartUnix)
	}
	return fmt.Sprintf("pid:%d", d.PID)
}

// Processes consults the host process table.
type Processes struct{}

// Alive reports whether pid is running and, when startUnix is known, is
// still the same process.
func (Processes) Alive(pid int, startUnix int64) bool {
	ok, err := PIDDetector{PID: pid, StartUnix: startUnix}.Alive()
	return err == nil && ok
}

// StartTime returns the start time of pid in Unix seconds, or 0 when it
// cannot be determined.
func StartTime(pid int) int64 { return startUnix(pid) }
