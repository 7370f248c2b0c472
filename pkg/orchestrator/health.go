package orchestrator

import (
	"github.com/quarrydata/quarry/pkg/dbpool"
	"github.com/quarrydata/quarry/pkg/state"
)

// Health is a point-in-time snapshot of the engine's moving parts. Pool and
// Breaker are populated only while a job holds an open source pool.
type Health struct {
	Running bool                 `json:"running"`
	Pool    *dbpool.Stats        `json:"pool,omitempty"`
	Breaker *dbpool.BreakerState `json:"breaker,omitempty"`
	Queue   state.QueueStats     `json:"state_queue"`
}

// Health assembles the current snapshot.
func (o *Orchestrator) Health() Health {
	h := Health{Queue: o.queue.Stats()}

	o.mu.RLock()
	pool := o.pool
	o.mu.RUnlock()

	if pool != nil {
		h.Running = true
		stats := pool.Stats()
		breaker := pool.Breaker()
		h.Pool = &stats
		h.Breaker = &breaker
	}
	return h
}
