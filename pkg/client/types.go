package client

import "time"

// AttachedPID is a process attached to an activation
type AttachedPID struct {
	PID        int        `json:"pid"`
	AttachedAt *time.Time `json:"attached_at,omitempty"`
}

// Activation is one record as served by the inspection API
type Activation struct {
	ID               string        `json:"id"`
	StorePath        string        `json:"store_path"`
	StarterPID       int           `json:"starter_pid"`
	StarterStartUnix int64         `json:"starter_start_unix,omitempty"`
	CreatedAt        *time.Time    `json:"created_at,omitempty"`
	Ready            bool          `json:"ready"`
	AttachedPIDs     []AttachedPID `json:"attached_pids"`
	// StarterAlive is nil when the server does not check liveness
	StarterAlive *bool `json:"starter_alive,omitempty"`
}

// ActivationList represents the activations of one environment
type ActivationList struct {
	Environment string       `json:"environment"`
	Version     int          `json:"version"`
	Activations []Activation `json:"activations"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
