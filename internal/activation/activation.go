package activation

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written into every registry document.
const SchemaVersion = 1

// AttachedPID is a process that consumes an activation it did not start.
type AttachedPID struct {
	PID        int        `json:"pid"`
	AttachedAt *time.Time `json:"attached_at,omitempty"`
}

// Activation is one attempted, ongoing or completed activation of a single
// build identity (store path).
type Activation struct {
	ID               string        `json:"id"`
	StorePath        string        `json:"store_path"`
	StarterPID       int           `json:"starter_pid"`
	StarterStartUnix int64         `json:"starter_start_unix,omitempty"`
	CreatedAt        *time.Time    `json:"created_at,omitempty"`
	Ready            bool          `json:"ready"`
	AttachedPIDs     []AttachedPID `json:"attached_pids"`
}

// Liveness answers whether a process is still running. startUnix is the
// process start time recorded alongside the pid, 0 when unknown.
type Liveness interface {
	Alive(pid int, startUnix int64) bool
}

// SetReady marks the startup work as complete. Ready never goes back to false.
func (a *Activation) SetReady() { a.Ready = true }

// AttachPID records pid as a consumer. Attaching the same pid twice updates
// the existing entry.
func (a *Activation) AttachPID(pid int, at *time.Time) {
	for i := range a.AttachedPIDs {
		if a.AttachedPIDs[i].PID == pid {
			a.AttachedPIDs[i].AttachedAt = at
			return
		}
	}
	a.AttachedPIDs = append(a.AttachedPIDs, AttachedPID{PID: pid, AttachedAt: at})
}

// DetachPID removes pid from the consumers and reports whether it was present.
func (a *Activation) DetachPID(pid int) bool {
	for i := range a.AttachedPIDs {
		if a.AttachedPIDs[i].PID == pid {
			a.AttachedPIDs = append(a.AttachedPIDs[:i], a.AttachedPIDs[i+1:]...)
			return true
		}
	}
	return false
}

// HasAttached reports whether pid is attached.
func (a *Activation) HasAttached(pid int) bool {
	for _, p := range a.AttachedPIDs {
		if p.PID == pid {
			return true
		}
	}
	return false
}

// StarterAlive delegates to the liveness oracle for the starter process.
func (a *Activation) StarterAlive(l Liveness) bool {
	return l.Alive(a.StarterPID, a.StarterStartUnix)
}

// Activations is the registry document for one environment.
type Activations struct {
	Version     int           `json:"version"`
	Activations []*Activation `json:"activations"`
}

// New returns an empty registry document.
func New() *Activations {
	return &Activations{Version: SchemaVersion, Activations: []*Activation{}}
}

// Create appends a new activation for storePath owned by starterPID.
// The caller persists the document.
func (r *Activations) Create(storePath string, starterPID int) *Activation {
	now := time.Now().UTC()
	a := &Activation{
		ID:           uuid.NewString(),
		StorePath:    storePath,
		StarterPID:   starterPID,
		CreatedAt:    &now,
		AttachedPIDs: []AttachedPID{},
	}
	r.Activations = append(r.Activations, a)
	return a
}

// Find returns the most recent activation for storePath, or nil.
func (r *Activations) Find(storePath string) *Activation {
	if r == nil {
		return nil
	}
	for i := len(r.Activations) - 1; i >= 0; i-- {
		if r.Activations[i].StorePath == storePath {
			return r.Activations[i]
		}
	}
	return nil
}

// FindByID returns the activation with the given id, or nil.
func (r *Activations) FindByID(id string) *Activation {
	if r == nil {
		return nil
	}
	for _, a := range r.Activations {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Remove drops the activation with the given id and reports whether it existed.
func (r *Activations) Remove(id string) bool {
	for i, a := range r.Activations {
		if a.ID == id {
			r.Activations = append(r.Activations[:i], r.Activations[i+1:]...)
			return true
		}
	}
	return false
}

// Prune removes activations nobody can still be using: the starter is gone
// and either startup never finished or no attached process is alive.
// It returns the ids that were removed.
func (r *Activations) Prune(l Liveness) []string {
	var removed []string
	kept := r.Activations[:0]
	for _, a := range r.Activations {
		if stale(a, l) {
			removed = append(removed, a.ID)
			continue
		}
		kept = append(kept, a)
	}
	r.Activations = kept
	return removed
}

func stale(a *Activation, l Liveness) bool {
	if a.StarterAlive(l) {
		return false
	}
	if !a.Ready {
		return true
	}
	for _, p := range a.AttachedPIDs {
		if l.Alive(p.PID, 0) {
			return false
		}
	}
	return true
}
