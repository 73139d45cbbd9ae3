package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/constants"
)

// Dispatch delivers an envelope into the supervisor's inbound queue.
type Dispatch func(Envelope)

// Gateway bridges the external broker and the supervisor: inbound job
// payloads become CrawlWorker envelopes, and completed/failed envelopes
// routed back to the gateway become downstream publications.
type Gateway struct {
	broker     Broker
	consumeCtx jetstream.ConsumeContext
}

// NewGateway creates a gateway over the given broker.
func NewGateway(broker Broker) *Gateway {
	return &Gateway{broker: broker}
}

// Name implements the worker interface; the gateway is itself a worker
// class under the supervisor so restarts flow through the same path.
func (g *Gateway) Name() string {
	return constants.BrokerGatewayName
}

// StartConsuming subscribes the durable project-queue consumer and
// forwards each decoded job to the supervisor. The broker's connection
// handlers fire onDown, which the caller wires to
// Supervisor.RestartClass so the gateway class is restarted.
func (g *Gateway) StartConsuming(ctx context.Context, broker *NatsBroker, dispatch Dispatch) error {
	consumer, err := broker.DurableConsumer(ctx, constants.ProjectJobsStream, constants.SubjectProjectJobs, constants.ProjectQueueConsumer)
	if err != nil {
		return fmt.Errorf("setting up project queue consumer: %w", err)
	}

	consumeCtx, err := broker.Consume(consumer, func(msg jetstream.Msg) {
		env, err := g.envelopeFromWire(msg.Data())
		if err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("Dropping undecodable job payload")
			// Poison messages are acked; redelivery cannot fix them.
			if err := msg.Ack(); err != nil {
				log.Warn().Err(err).Msg("Failed to ack poison message")
			}
			return
		}

		dispatch(env)
		if err := msg.Ack(); err != nil {
			log.Warn().Err(err).Msg("Failed to ack job message")
		}
	})
	if err != nil {
		return fmt.Errorf("starting project queue consume loop: %w", err)
	}

	g.consumeCtx = consumeCtx
	log.Info().Str("subject", constants.SubjectProjectJobs).Msg("Gateway consuming project jobs")
	return nil
}

// StopConsuming stops the consume loop, if one is running.
func (g *Gateway) StopConsuming() {
	if g.consumeCtx != nil {
		g.consumeCtx.Stop()
		g.consumeCtx = nil
	}
}

// envelopeFromWire rewrites an inbound job payload into a supervisor
// envelope targeting the crawl worker.
func (g *Gateway) envelopeFromWire(payload []byte) (Envelope, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Envelope{}, fmt.Errorf("decoding job payload: %w", err)
	}

	env, err := NewEnvelope(StatusCompleted, []string{constants.CrawlWorkerName + "/crawling"}, nil)
	if err != nil {
		return Envelope{}, err
	}
	// Keep the raw payload: workers may read fields this version does
	// not know about.
	env.Data = json.RawMessage(payload)
	return env, nil
}

// Handle routes envelopes addressed to the gateway. Completed envelopes
// publish their data downstream; failed envelopes with NO_TWEET_FOUND
// go to the compensation queue.
func (g *Gateway) Handle(ctx context.Context, env Envelope, emit Dispatch) error {
	dest, err := env.FirstDestination()
	if err != nil {
		return err
	}

	var subject string
	switch {
	case dest.Method == "produce_compensation":
		subject = constants.SubjectCompensation
	case env.Status == StatusFailed && env.Reason == constants.ReasonNoTweetFound:
		subject = constants.SubjectCompensation
	case env.Status == StatusCompleted:
		subject = constants.SubjectDataGathering
	default:
		log.Warn().
			Str("message_id", env.MessageID).
			Str("status", string(env.Status)).
			Str("method", dest.Method).
			Msg("Gateway ignoring envelope with unexpected status")
		return nil
	}

	if err := g.broker.PublishSync(ctx, subject, env.Data); err != nil {
		// Publish failures surface as an error envelope so the
		// supervisor restarts the gateway and the broker reconnects.
		errEnv, buildErr := env.Reply(StatusError, []string{constants.SupervisorName + "/ack"}, nil)
		if buildErr == nil {
			emit(errEnv.WithReason(constants.ReasonTransport))
		}
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	log.Info().
		Str("message_id", env.MessageID).
		Str("subject", subject).
		Str("project", dest.Param).
		Msg("Published downstream message")

	ack, err := env.Reply(StatusCompleted, []string{constants.SupervisorName + "/ack"}, nil)
	if err != nil {
		return err
	}
	emit(ack)
	return nil
}
