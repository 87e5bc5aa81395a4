package engine

import (
	"maps"
	"time"
)

// WorkerStatus is what a worker is currently doing.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerWorking WorkerStatus = "working"
	WorkerWaiting WorkerStatus = "waiting"
)

// WorkerInfo is the per-worker part of the progress snapshot.
type WorkerInfo struct {
	ID            int          `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentItemID string       `json:"currentItemId,omitempty"`
	Processed     int          `json:"processed"`
	LastActivity  time.Time    `json:"lastActivity"`
}

// Stats is a point-in-time progress snapshot. Pending is derived so that
// Completed+Failed+Processing+Pending always equals Total.
type Stats struct {
	Total       int                `json:"total"`
	Completed   int                `json:"completed"`
	Failed      int                `json:"failed"`
	Processing  int                `json:"processing"`
	CurrentLoop int                `json:"currentLoop"`
	StartTime   time.Time          `json:"startTime"`
	Workers     map[int]WorkerInfo `json:"workers"`
}

// Pending returns the number of items not yet picked up or finished.
func (s Stats) Pending() int {
	return s.Total - s.Completed - s.Failed - s.Processing
}

// ProgressPercent returns completed items as a percentage of the total.
func (s Stats) ProgressPercent() float64 {
	if s.Total == 0 {
		return 0
	}

	const percent = 100

	return float64(s.Completed) / float64(s.Total) * percent
}

// Elapsed returns the time since the run started.
func (s Stats) Elapsed(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}

	return now.Sub(s.StartTime)
}

// ActiveWorkers counts workers currently working on an item.
func (s Stats) ActiveWorkers() int {
	active := 0

	for _, info := range s.Workers {
		if info.Status == WorkerWorking {
			active++
		}
	}

	return active
}

func (s Stats) clone() Stats {
	out := s
	out.Workers = maps.Clone(s.Workers)

	return out
}
