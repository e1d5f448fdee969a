package engine

import "time"

// Counters is a point-in-time copy of the engine's activity counters.
type Counters struct {
	Uploads       int64 `json:"uploads"`
	Downloads     int64 `json:"downloads"`
	RemoteDeletes int64 `json:"remote_deletes"`
	LocalDeletes  int64 `json:"local_deletes"`
	Conflicts     int64 `json:"conflicts"`
	Failures      int64 `json:"failures"`
	Parked        int64 `json:"parked"`
}

// Status is the snapshot served by the control plane.
type Status struct {
	Protocol     string    `json:"protocol"`
	Direction    string    `json:"direction"`
	Connection   ConnState `json:"connection"`
	TrackedFiles int       `json:"tracked_files"`
	QueueDepth   int       `json:"queue_depth"`
	ParkedOps    int       `json:"parked_ops"`
	InFlight     int       `json:"in_flight"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	Counters     Counters  `json:"counters"`
	StartedAt    time.Time `json:"started_at"`
	UptimeSecs   int64     `json:"uptime_secs"`
}

func (e *Engine) counters() Counters {
	return Counters{
		Uploads:       e.stats.Uploads.Load(),
		Downloads:     e.stats.Downloads.Load(),
		RemoteDeletes: e.stats.RemoteDeletes.Load(),
		LocalDeletes:  e.stats.LocalDeletes.Load(),
		Conflicts:     e.stats.Conflicts.Load(),
		Failures:      e.stats.Failures.Load(),
		Parked:        e.stats.Parked.Load(),
	}
}
