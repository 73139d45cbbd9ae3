package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/config"
	"github.com/medialens/tweet-harvest-service/common/constants"
	"github.com/medialens/tweet-harvest-service/common/messaging"
	"github.com/medialens/tweet-harvest-service/common/worker"
)

// ClassConfig describes one worker class the supervisor keeps alive.
// The class name must be registered in the worker registry handed to
// New, which supplies the factory.
type ClassConfig struct {
	Name  string
	Count int
}

// inboundMsg pairs an envelope with the process that emitted it. from
// is nil for envelopes injected from outside (the broker consume loop).
type inboundMsg struct {
	from *process
	env  messaging.Envelope
}

// Supervisor owns the worker roster and the pending-message table. All
// routing decisions happen on a single goroutine; workers talk back
// exclusively through their emit callback.
type Supervisor struct {
	registry *worker.Registry
	classes  map[string]ClassConfig

	heartbeatPeriod time.Duration
	redeliveryDelay time.Duration
	pendingExpiry   time.Duration

	inbound chan inboundMsg
	exits   chan *process

	mu      sync.RWMutex
	roster  map[string][]*process
	health  map[string]WorkerHealth
	pending *PendingTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a supervisor over the registered worker classes.
func New(cfg config.CrawlConfig, registry *worker.Registry, classes ...ClassConfig) (*Supervisor, error) {
	if registry == nil {
		return nil, fmt.Errorf("supervisor needs a worker registry")
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("supervisor needs at least one worker class")
	}

	byName := make(map[string]ClassConfig, len(classes))
	for _, c := range classes {
		if c.Name == "" {
			return nil, fmt.Errorf("worker class is missing a name")
		}
		if _, ok := registry.Lookup(c.Name); !ok {
			return nil, fmt.Errorf("worker class %q is not registered", c.Name)
		}
		if c.Count <= 0 {
			c.Count = 1
		}
		if _, ok := byName[c.Name]; ok {
			return nil, fmt.Errorf("duplicate worker class %q", c.Name)
		}
		byName[c.Name] = c
	}

	heartbeat := cfg.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	redelivery := cfg.RedeliveryDelay
	if redelivery <= 0 {
		redelivery = 5 * time.Second
	}
	expiry := cfg.PendingExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}

	return &Supervisor{
		registry:        registry,
		classes:         byName,
		heartbeatPeriod: heartbeat,
		redeliveryDelay: redelivery,
		pendingExpiry:   expiry,
		inbound:         make(chan inboundMsg, 256),
		exits:           make(chan *process, 16),
		roster:          make(map[string][]*process),
		health:          make(map[string]WorkerHealth),
		pending:         NewPendingTable(),
	}, nil
}

// Start spawns the configured processes and begins routing.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, class := range s.classes {
		for i := 0; i < class.Count; i++ {
			if _, err := s.spawn(class.Name); err != nil {
				s.cancel()
				return fmt.Errorf("spawning %s: %w", class.Name, err)
			}
		}
	}

	s.wg.Add(1)
	go s.loop()

	log.Info().Strs("registered", s.registry.Names()).Int("classes", len(s.classes)).Msg("Supervisor started")
	return nil
}

// Stop shuts every process down and waits for the loop to drain.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for _, procs := range s.roster {
		for _, p := range procs {
			p.killed.Store(true)
			p.cancel()
		}
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info().Msg("Supervisor stopped")
}

// RestartClass kills every live process of the class; the exit path
// respawns replacements and replays pending envelopes. Used when an
// external dependency of a class (the broker connection) goes down.
func (s *Supervisor) RestartClass(class string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.roster[class] {
		if p.alive() {
			log.Warn().Str("process", p.id).Msg("Restarting worker process")
			p.cancel()
		}
	}
}

// Dispatch injects an envelope from outside the worker tree, e.g. the
// broker consume loop.
func (s *Supervisor) Dispatch(env messaging.Envelope) {
	s.enqueue(inboundMsg{env: env})
}

func (s *Supervisor) enqueue(msg inboundMsg) {
	select {
	case s.inbound <- msg:
	case <-s.ctx.Done():
	}
}

// loop is the single routing goroutine.
func (s *Supervisor) loop() {
	defer s.wg.Done()

	sweep := time.NewTicker(s.pendingExpiry / 4)
	defer sweep.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.exits:
			s.handleExit(p)
		case msg := <-s.inbound:
			s.handleMessage(msg)
		case <-sweep.C:
			for _, env := range s.pending.Sweep(s.pendingExpiry) {
				log.Warn().
					Str("message_id", env.MessageID).
					Strs("destination", env.Destination).
					Msg("Dropping expired pending envelope")
			}
		}
	}
}

// spawn creates a new process of the class and starts its loop.
func (s *Supervisor) spawn(className string) (*process, error) {
	if _, ok := s.classes[className]; !ok {
		return nil, fmt.Errorf("no configuration for worker class %q", className)
	}
	factory, ok := s.registry.Lookup(className)
	if !ok {
		return nil, fmt.Errorf("worker class %q is not registered", className)
	}

	w, err := factory()
	if err != nil {
		return nil, fmt.Errorf("building %s worker: %w", className, err)
	}

	procCtx, procCancel := context.WithCancel(s.ctx)
	p, err := newProcess(className, w, procCancel)
	if err != nil {
		procCancel()
		return nil, err
	}

	s.mu.Lock()
	s.roster[className] = append(s.roster[className], p)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(procCtx, p)
	return p, nil
}

// handleExit removes a dead process, respawns a replacement of the
// same class and replays its pending envelopes.
func (s *Supervisor) handleExit(p *process) {
	s.mu.Lock()
	procs := s.roster[p.class]
	for i, existing := range procs {
		if existing == p {
			s.roster[p.class] = append(procs[:i], procs[i+1:]...)
			break
		}
	}
	delete(s.health, p.id)
	s.mu.Unlock()

	if p.killed.Load() || s.ctx.Err() != nil {
		return
	}

	log.Warn().Str("process", p.id).Str("class", p.class).Msg("Worker exited, respawning")

	replacement, err := s.spawn(p.class)
	if err != nil {
		log.Error().Err(err).Str("class", p.class).Msg("Failed to respawn worker")
		return
	}

	for _, env := range s.pending.ByClass(p.class) {
		s.deliver(replacement, env)
	}
}

// handleMessage implements the routing policy for one envelope.
func (s *Supervisor) handleMessage(msg inboundMsg) {
	env := msg.env

	dest, err := env.FirstDestination()
	if err != nil {
		log.Error().Err(err).Str("message_id", env.MessageID).Msg("Dropping unroutable envelope")
		return
	}

	// A worker reporting an error is restarted before anything else.
	if env.Status == messaging.StatusError && msg.from != nil {
		log.Warn().
			Str("process", msg.from.id).
			Str("reason", env.Reason).
			Msg("Restarting worker after error envelope")
		msg.from.cancel()
	}

	if dest.Worker == constants.SupervisorName {
		s.handleOwn(msg, dest)
		return
	}

	s.route(env, dest, nil)
}

// handleOwn processes envelopes addressed to the supervisor itself:
// heartbeats and completion acks.
func (s *Supervisor) handleOwn(msg inboundMsg, dest messaging.Destination) {
	switch dest.Method {
	case "health":
		if msg.from == nil {
			return
		}
		s.mu.Lock()
		s.health[msg.from.id] = WorkerHealth{
			WorkerNameID:  msg.from.id,
			Class:         msg.from.class,
			LastHeartbeat: time.Now(),
			Healthy:       true,
		}
		s.mu.Unlock()
	case "ack":
		// Error acks leave the entry pending so the restart path
		// replays it; completed and failed are terminal.
		if msg.env.Status == messaging.StatusCompleted || msg.env.Status == messaging.StatusFailed {
			if class, ok := s.pending.Remove(msg.env.MessageID); ok {
				log.Debug().
					Str("message_id", msg.env.MessageID).
					Str("class", class).
					Msg("Cleared pending envelope")
			}
		}
	case "reroute":
		// A busy worker bounced a message; deliver the original to a
		// different instance, spawning one when necessary.
		if msg.env.Reason != constants.ReasonServerBusy {
			log.Warn().Str("reason", msg.env.Reason).Msg("Reroute request without busy reason")
			return
		}
		original, err := messaging.DecodeData[messaging.Envelope](msg.env)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.env.MessageID).Msg("Busy reject without original envelope")
			return
		}
		origDest, err := original.FirstDestination()
		if err != nil {
			log.Error().Err(err).Str("message_id", original.MessageID).Msg("Busy reject carried unroutable envelope")
			return
		}
		s.route(original, origDest, msg.from)
	default:
		log.Warn().Str("method", dest.Method).Msg("Unknown supervisor method")
	}
}

// route finds or creates a live process for the destination class and
// delivers the envelope, recording it as pending first.
func (s *Supervisor) route(env messaging.Envelope, dest messaging.Destination, exclude *process) {
	if _, ok := s.classes[dest.Worker]; !ok {
		// Keep the envelope pending so operators can see it; the sweep
		// expires it. A copy goes to the compensation queue so the
		// message is not silently lost.
		s.pending.Insert(dest.Worker, env)
		log.Error().
			Str("message_id", env.MessageID).
			Str("worker", dest.Worker).
			Str("reason", constants.ReasonUnknownDestination).
			Msg("No configuration for destination worker class")
		s.forwardToCompensation(env)
		return
	}

	var target *process
	s.mu.RLock()
	for _, p := range s.roster[dest.Worker] {
		if p.alive() && p != exclude {
			target = p
			break
		}
	}
	s.mu.RUnlock()

	if target == nil {
		spawned, err := s.spawn(dest.Worker)
		if err != nil {
			log.Error().Err(err).Str("class", dest.Worker).Msg("Spawn failed, deferring redelivery")
			s.deferRedelivery(env)
			return
		}
		target = spawned
	}

	s.pending.Insert(dest.Worker, env)
	s.deliver(target, env)
}

// deliver pushes the envelope into the target inbox, falling back to
// deferred redelivery when the inbox is full.
func (s *Supervisor) deliver(target *process, env messaging.Envelope) {
	select {
	case target.inbox <- env:
	default:
		log.Warn().
			Str("process", target.id).
			Str("message_id", env.MessageID).
			Msg("Worker inbox full, deferring redelivery")
		s.deferRedelivery(env)
	}
}

// deferRedelivery re-enqueues the envelope after the configured back-off.
func (s *Supervisor) deferRedelivery(env messaging.Envelope) {
	time.AfterFunc(s.redeliveryDelay, func() {
		s.Dispatch(env)
	})
}

// forwardToCompensation wraps an undeliverable envelope and hands it to
// the gateway's compensation path, when a gateway class exists.
func (s *Supervisor) forwardToCompensation(env messaging.Envelope) {
	if _, ok := s.classes[constants.BrokerGatewayName]; !ok {
		return
	}
	wrapped, err := messaging.NewEnvelope(
		messaging.StatusFailed,
		[]string{constants.BrokerGatewayName + "/produce_compensation/unroutable"},
		env,
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wrap unroutable envelope")
		return
	}
	dest, _ := wrapped.FirstDestination()
	s.route(wrapped.WithReason(constants.ReasonUnknownDestination), dest, nil)
}
