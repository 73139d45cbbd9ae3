package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/medialens/tweet-harvest-service/common/constants"
)

// fakeBroker records publishes instead of talking to NATS.
type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	fail      bool
}

var errBrokerDown = errors.New("broker down")

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][][]byte)}
}

func (b *fakeBroker) PublishSync(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errBrokerDown
	}
	b.published[subject] = append(b.published[subject], data)
	return nil
}

func (b *fakeBroker) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[subject])
}

func TestEnvelopeFromWire(t *testing.T) {
	g := NewGateway(newFakeBroker())

	payload := []byte(`{
		"project_id": "proj-1",
		"keyword": "banjir",
		"start_date_crawl": "2024-01-01",
		"end_date_crawl": "2024-01-10",
		"tweetToken": "tok",
		"requested_by": "someone"
	}`)

	env, err := g.envelopeFromWire(payload)
	if err != nil {
		t.Fatal(err)
	}

	if env.Status != StatusCompleted {
		t.Errorf("inbound jobs carry completed status, got %s", env.Status)
	}
	if len(env.Destination) != 1 || env.Destination[0] != constants.CrawlWorkerName+"/crawling" {
		t.Errorf("unexpected destination %v", env.Destination)
	}

	// The raw payload is preserved, including fields we do not model.
	var raw map[string]any
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["requested_by"] != "someone" {
		t.Error("unknown payload fields were dropped")
	}
}

func TestEnvelopeFromWireRejectsGarbage(t *testing.T) {
	g := NewGateway(newFakeBroker())
	if _, err := g.envelopeFromWire([]byte("{not json")); err == nil {
		t.Error("expected error for undecodable payload")
	}
}

func gatewayEnvelope(t *testing.T, status Status, reason, dest string, data any) Envelope {
	t.Helper()
	env, err := NewEnvelope(status, []string{dest}, data)
	if err != nil {
		t.Fatal(err)
	}
	return env.WithReason(reason)
}

func TestHandlePublishesCompletedDownstream(t *testing.T) {
	broker := newFakeBroker()
	g := NewGateway(broker)

	env := gatewayEnvelope(t, StatusCompleted, "", constants.BrokerGatewayName+"/produce_data/proj-1", JobResult{
		ProjectID: "proj-1",
		Keyword:   "banjir",
		StartDate: "2024-01-01",
		EndDate:   "2024-01-10",
	})

	var acks []Envelope
	if err := g.Handle(context.Background(), env, func(e Envelope) { acks = append(acks, e) }); err != nil {
		t.Fatal(err)
	}

	if broker.count(constants.SubjectDataGathering) != 1 {
		t.Error("completed envelope did not reach the gathering queue")
	}
	if broker.count(constants.SubjectCompensation) != 0 {
		t.Error("completed envelope must not hit compensation")
	}

	if len(acks) != 1 || acks[0].Status != StatusCompleted || acks[0].MessageID != env.MessageID {
		t.Errorf("expected one completion ack, got %v", acks)
	}
}

func TestHandleRoutesNoTweetFoundToCompensation(t *testing.T) {
	broker := newFakeBroker()
	g := NewGateway(broker)

	env := gatewayEnvelope(t, StatusFailed, constants.ReasonNoTweetFound, constants.BrokerGatewayName+"/produce_data/proj-1", JobResult{ProjectID: "proj-1"})

	if err := g.Handle(context.Background(), env, func(Envelope) {}); err != nil {
		t.Fatal(err)
	}

	if broker.count(constants.SubjectCompensation) != 1 {
		t.Error("NO_TWEET_FOUND failure did not reach the compensation queue")
	}
	if broker.count(constants.SubjectDataGathering) != 0 {
		t.Error("failure must not reach the gathering queue")
	}
}

func TestHandleProduceCompensationMethod(t *testing.T) {
	broker := newFakeBroker()
	g := NewGateway(broker)

	env := gatewayEnvelope(t, StatusFailed, constants.ReasonUnknownDestination, constants.BrokerGatewayName+"/produce_compensation/unroutable", map[string]string{"x": "y"})

	if err := g.Handle(context.Background(), env, func(Envelope) {}); err != nil {
		t.Fatal(err)
	}
	if broker.count(constants.SubjectCompensation) != 1 {
		t.Error("explicit compensation envelope did not reach the compensation queue")
	}
}

func TestHandleIgnoresUnexpectedStatus(t *testing.T) {
	broker := newFakeBroker()
	g := NewGateway(broker)

	env := gatewayEnvelope(t, StatusFailed, constants.ReasonCrawlFailed, constants.BrokerGatewayName+"/produce_data/proj-1", nil)

	if err := g.Handle(context.Background(), env, func(Envelope) {}); err != nil {
		t.Fatal(err)
	}
	if broker.count(constants.SubjectDataGathering) != 0 || broker.count(constants.SubjectCompensation) != 0 {
		t.Error("unexpected status must not publish anywhere")
	}
}

func TestHandlePublishFailureEmitsErrorEnvelope(t *testing.T) {
	broker := newFakeBroker()
	broker.fail = true
	g := NewGateway(broker)

	env := gatewayEnvelope(t, StatusCompleted, "", constants.BrokerGatewayName+"/produce_data/proj-1", JobResult{ProjectID: "proj-1"})

	var emitted []Envelope
	err := g.Handle(context.Background(), env, func(e Envelope) { emitted = append(emitted, e) })
	if err == nil {
		t.Fatal("expected publish error to surface")
	}

	if len(emitted) != 1 {
		t.Fatalf("expected one error envelope, got %d", len(emitted))
	}
	if emitted[0].Status != StatusError || emitted[0].Reason != constants.ReasonTransport {
		t.Errorf("expected TRANSPORT error envelope, got %s (%s)", emitted[0].Status, emitted[0].Reason)
	}
}
