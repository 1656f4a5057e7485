package pipeline

import (
	"sync/atomic"

	"face-attendance/internal/attendance"
)

// StopReason tells why a pipeline ended.
type StopReason string

const (
	ReasonCancelled   StopReason = "cancelled"
	ReasonExhausted   StopReason = "exhausted"
	ReasonReadFailure StopReason = "read_failure"
)

// Summary is a snapshot of a pipeline's counters.
type Summary struct {
	Camera    string     `json:"camera"`
	Running   bool       `json:"running"`
	Frames    int64      `json:"frames"`
	Faces     int64      `json:"faces"`
	Matches   int64      `json:"matches"`
	Created   int64      `json:"created"`
	Updated   int64      `json:"updated"`
	Unchanged int64      `json:"unchanged"`
	Rejected  int64      `json:"rejected"`
	Reason    StopReason `json:"reason,omitempty"`
}

// Stats are the live counters of one pipeline, safe to read while it runs.
type Stats struct {
	camera    string
	running   atomic.Bool
	frames    atomic.Int64
	faces     atomic.Int64
	matches   atomic.Int64
	created   atomic.Int64
	updated   atomic.Int64
	unchanged atomic.Int64
	rejected  atomic.Int64
	reason    atomic.Value // StopReason, gesetzt beim Beenden
}

func newStats(camera string) *Stats {
	return &Stats{camera: camera}
}

func (s *Stats) setRunning(v bool) { s.running.Store(v) }

func (s *Stats) stop(reason StopReason) {
	s.reason.Store(reason)
	s.running.Store(false)
}

func (s *Stats) record(action attendance.Action) {
	switch action {
	case attendance.ActionCreated:
		s.created.Add(1)
	case attendance.ActionUpdated:
		s.updated.Add(1)
	case attendance.ActionUnchanged:
		s.unchanged.Add(1)
	default:
		s.rejected.Add(1)
	}
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Summary {
	reason, _ := s.reason.Load().(StopReason)
	return Summary{
		Camera:    s.camera,
		Running:   s.running.Load(),
		Frames:    s.frames.Load(),
		Faces:     s.faces.Load(),
		Matches:   s.matches.Load(),
		Created:   s.created.Load(),
		Updated:   s.updated.Load(),
		Unchanged: s.unchanged.Load(),
		Rejected:  s.rejected.Load(),
		Reason:    reason,
	}
}
