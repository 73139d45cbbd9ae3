package dbworker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/constants"
	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/messaging"
	"github.com/medialens/tweet-harvest-service/common/models"
	"github.com/medialens/tweet-harvest-service/common/storage"
)

// TweetStore is the persistence surface the worker needs. Satisfied by
// repository.Queries.
type TweetStore interface {
	InsertTweets(ctx context.Context, tweets []models.Tweet) ([]string, error)
	SearchTweets(ctx context.Context, keyword string, window daterange.Range) ([]models.Tweet, error)
}

// Worker persists harvested batches and serves crawled-range queries.
// Exactly one request is in flight per instance; the supervisor
// reroutes or spawns on SERVER_BUSY rejects.
type Worker struct {
	store    TweetStore
	archiver *storage.Archiver

	mu   sync.Mutex
	busy bool
}

// New builds a DB worker over the store. The archiver may be nil,
// which disables batch archiving.
func New(store TweetStore, archiver *storage.Archiver) *Worker {
	return &Worker{store: store, archiver: archiver}
}

func (w *Worker) Name() string {
	return constants.DBWorkerName
}

// Handle dispatches by destination method. The actual store round-trip
// runs on its own goroutine so the process loop stays responsive.
func (w *Worker) Handle(ctx context.Context, env messaging.Envelope, emit messaging.Dispatch) error {
	dest, err := env.FirstDestination()
	if err != nil {
		return err
	}

	var op func(context.Context, messaging.Envelope, messaging.Destination, messaging.Dispatch)
	switch dest.Method {
	case "create_new_data":
		op = w.createNewData
	case "get_crawled_data":
		op = w.getCrawledData
	default:
		return fmt.Errorf("db worker has no method %q", dest.Method)
	}

	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		reject, err := env.Reply(messaging.StatusFailed, []string{constants.SupervisorName + "/reroute"}, env)
		if err != nil {
			return err
		}
		emit(reject.WithReason(constants.ReasonServerBusy))
		return nil
	}
	w.busy = true
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			w.busy = false
			w.mu.Unlock()
		}()
		op(ctx, env, dest, emit)
	}()
	return nil
}

// createNewData inserts a harvested batch. Duplicates are tolerated;
// an empty batch is a no-op, not an error.
func (w *Worker) createNewData(ctx context.Context, env messaging.Envelope, dest messaging.Destination, emit messaging.Dispatch) {
	req, err := messaging.DecodeData[messaging.PersistRequest](env)
	if err != nil {
		w.fail(env, emit, constants.ReasonBadInput, err)
		return
	}

	var inserted []string
	if len(req.Data) > 0 {
		inserted, err = w.store.InsertTweets(ctx, req.Data)
		if err != nil {
			w.fail(env, emit, constants.ReasonTransport, err)
			return
		}
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = dest.Param
	}
	log.Info().
		Str("project", projectID).
		Int("received", len(req.Data)).
		Int("inserted", len(inserted)).
		Msg("Persisted harvested batch")

	w.archiver.ArchiveBatch(projectID, req.Keyword, req.Data)

	result, err := messaging.NewEnvelope(
		messaging.StatusCompleted,
		[]string{constants.BrokerGatewayName + "/produce_data/" + projectID},
		messaging.PersistResult{RequestID: env.MessageID, InsertedIDs: inserted},
	)
	if err != nil {
		w.fail(env, emit, constants.ReasonTransport, err)
		return
	}
	emit(result)
	w.ack(env, emit)
}

// getCrawledData answers a coverage query with every stored tweet of
// the keyword inside the window.
func (w *Worker) getCrawledData(ctx context.Context, env messaging.Envelope, _ messaging.Destination, emit messaging.Dispatch) {
	query, err := messaging.DecodeData[messaging.CrawledQuery](env)
	if err != nil {
		w.fail(env, emit, constants.ReasonBadInput, err)
		return
	}
	window, err := daterange.Parse(query.StartDate, query.EndDate)
	if err != nil {
		w.fail(env, emit, constants.ReasonBadInput, err)
		return
	}

	tweets, err := w.store.SearchTweets(ctx, query.Keyword, window)
	if err != nil {
		w.fail(env, emit, constants.ReasonTransport, err)
		return
	}

	response, err := messaging.NewEnvelope(
		messaging.StatusCompleted,
		[]string{constants.CrawlWorkerName + "/on_fetched_data"},
		messaging.FetchedData{RequestID: env.MessageID, Data: tweets},
	)
	if err != nil {
		w.fail(env, emit, constants.ReasonTransport, err)
		return
	}
	emit(response)
	w.ack(env, emit)
}

func (w *Worker) ack(env messaging.Envelope, emit messaging.Dispatch) {
	ack, err := env.Reply(messaging.StatusCompleted, []string{constants.SupervisorName + "/ack"}, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build completion ack")
		return
	}
	emit(ack)
}

func (w *Worker) fail(env messaging.Envelope, emit messaging.Dispatch, reason string, err error) {
	log.Error().Err(err).Str("message_id", env.MessageID).Str("reason", reason).Msg("DB worker operation failed")
	failed, buildErr := env.Reply(messaging.StatusFailed, []string{constants.SupervisorName + "/ack"}, nil)
	if buildErr != nil {
		return
	}
	emit(failed.WithReason(reason))
}
