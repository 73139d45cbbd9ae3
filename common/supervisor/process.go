package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/constants"
	"github.com/medialens/tweet-harvest-service/common/messaging"
	"github.com/medialens/tweet-harvest-service/common/worker"
)

// inboxSize bounds how many envelopes can queue on one process before
// the supervisor falls back to deferred redelivery.
const inboxSize = 32

// process is one spawned worker instance with its envelope channel.
// Delivery into the inbox is FIFO per process.
type process struct {
	id     string
	class  string
	inbox  chan messaging.Envelope
	w      worker.Worker
	cancel context.CancelFunc
	exited atomic.Bool
	killed atomic.Bool
}

// alive mirrors the child-liveness predicate: not exited and not
// deliberately killed.
func (p *process) alive() bool {
	return !p.exited.Load() && !p.killed.Load()
}

// newProcess builds a process record for a worker instance.
func newProcess(class string, w worker.Worker, cancel context.CancelFunc) (*process, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating process id: %w", err)
	}
	return &process{
		id:     class + "-" + id.String(),
		class:  class,
		inbox:  make(chan messaging.Envelope, inboxSize),
		w:      w,
		cancel: cancel,
	}, nil
}

// run is the process main loop: dispatch inbox envelopes to the worker
// and emit a heartbeat on a ticker. A panic inside the worker is
// treated as a process crash; the supervisor respawns and replays.
func (s *Supervisor) run(ctx context.Context, p *process) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("process", p.id).
				Interface("panic", r).
				Msg("Worker process crashed")
		}
		p.exited.Store(true)
		select {
		case s.exits <- p:
		case <-s.ctx.Done():
		}
	}()

	heartbeat := time.NewTicker(s.heartbeatPeriod)
	defer heartbeat.Stop()

	emit := func(env messaging.Envelope) {
		s.enqueue(inboundMsg{from: p, env: env})
	}

	log.Info().Str("process", p.id).Str("class", p.class).Msg("Worker process started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			hb, err := messaging.NewEnvelope(
				messaging.StatusHealthy,
				[]string{constants.SupervisorName + "/health"},
				map[string]string{"worker_name_id": p.id},
			)
			if err != nil {
				log.Warn().Err(err).Str("process", p.id).Msg("Failed to build heartbeat")
				continue
			}
			emit(hb)
		case env := <-p.inbox:
			if err := p.w.Handle(ctx, env, emit); err != nil {
				log.Error().
					Err(err).
					Str("process", p.id).
					Str("message_id", env.MessageID).
					Msg("Worker handler failed")
			}
		}
	}
}
