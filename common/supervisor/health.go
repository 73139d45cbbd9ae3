package supervisor

import (
	"time"
)

// WorkerHealth is the per-process heartbeat record, refreshed on every
// healthy envelope.
type WorkerHealth struct {
	WorkerNameID  string    `json:"worker_name_id"`
	Class         string    `json:"class"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Healthy       bool      `json:"healthy"`
}

// Snapshot is the operator view served by the admin endpoints.
type Snapshot struct {
	Workers []WorkerHealth `json:"workers"`
	Pending map[string]int `json:"pending"`
}

// Snapshot returns the current health and pending-message view. A
// worker whose heartbeat is older than three periods is reported
// unhealthy; staleness is only reported here, restart stays tied to
// process exit.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	staleAfter := 3 * s.heartbeatPeriod
	now := time.Now()

	var workers []WorkerHealth
	for _, procs := range s.roster {
		for _, p := range procs {
			if !p.alive() {
				continue
			}
			h, ok := s.health[p.id]
			if !ok {
				h = WorkerHealth{WorkerNameID: p.id, Class: p.class}
			}
			h.Healthy = ok && now.Sub(h.LastHeartbeat) < staleAfter
			workers = append(workers, h)
		}
	}

	return Snapshot{
		Workers: workers,
		Pending: s.pending.Counts(),
	}
}
