package crawlworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/constants"
	"github.com/medialens/tweet-harvest-service/common/crawler"
	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/messaging"
	"github.com/medialens/tweet-harvest-service/common/models"
)

// RangeLocker is the slice of the lock manager the worker plans with.
type RangeLocker interface {
	Acquire(ctx context.Context, keyword string, r daterange.Range) (bool, error)
	Release(ctx context.Context, keyword string, r daterange.Range) (bool, error)
	Overlap(ctx context.Context, keyword string, req daterange.Range) ([]daterange.Range, error)
}

// Options tunes one crawl worker instance.
type Options struct {
	// TargetCount is handed to the crawl driver per sub-range.
	TargetCount int
	// RequestTimeout bounds the wait for a DB worker response.
	RequestTimeout time.Duration
}

// Worker executes one scraping job at a time: plan residual ranges,
// lock each, crawl, accumulate, persist, notify. Additional jobs while
// busy are rejected back to the supervisor for rerouting.
type Worker struct {
	locks      RangeLocker
	driver     crawler.Crawler
	correlator *Correlator
	opts       Options

	mu   sync.Mutex
	busy bool
}

// New builds a crawl worker instance. The correlator is shared across
// instances of the class; see Correlator.
func New(locks RangeLocker, driver crawler.Crawler, correlator *Correlator, opts Options) *Worker {
	if opts.TargetCount <= 0 {
		opts.TargetCount = 400
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Worker{
		locks:      locks,
		driver:     driver,
		correlator: correlator,
		opts:       opts,
	}
}

func (w *Worker) Name() string {
	return constants.CrawlWorkerName
}

// Handle dispatches by destination method. Job execution runs on its
// own goroutine so responses can still be delivered while a job is in
// flight.
func (w *Worker) Handle(ctx context.Context, env messaging.Envelope, emit messaging.Dispatch) error {
	dest, err := env.FirstDestination()
	if err != nil {
		return err
	}

	switch dest.Method {
	case "crawling":
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

		go w.runJob(ctx, env, emit)
		return nil

	case "on_fetched_data":
		fetched, err := messaging.DecodeData[messaging.FetchedData](env)
		if err != nil {
			return err
		}
		if !w.correlator.resolve(fetched) {
			log.Warn().
				Str("request_id", fetched.RequestID).
				Msg("Fetched data response without a waiting request")
		}
		ack, err := env.Reply(messaging.StatusCompleted, []string{constants.SupervisorName + "/ack"}, nil)
		if err != nil {
			return err
		}
		emit(ack)
		return nil

	default:
		return fmt.Errorf("crawl worker has no method %q", dest.Method)
	}
}

// runJob drives the per-job state machine.
func (w *Worker) runJob(ctx context.Context, env messaging.Envelope, emit messaging.Dispatch) {
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	fail := func(reason string, err error) {
		log.Error().Err(err).Str("message_id", env.MessageID).Str("reason", reason).Msg("Job failed")
		if failed, buildErr := env.Reply(messaging.StatusFailed, []string{constants.SupervisorName + "/ack"}, nil); buildErr == nil {
			emit(failed.WithReason(reason))
		}
	}

	job, err := messaging.DecodeData[messaging.Job](env)
	if err != nil {
		fail(constants.ReasonBadInput, err)
		return
	}
	req, err := job.Validate()
	if err != nil {
		fail(constants.ReasonBadInput, err)
		return
	}

	logger := log.With().
		Str("project", job.ProjectID).
		Str("keyword", job.Keyword).
		Str("window", req.String()).
		Logger()
	logger.Info().Msg("Job received")

	// Existing records bound the already-covered window.
	existing, err := w.fetchCrawled(ctx, job, req, emit)
	if err != nil {
		fail(constants.ReasonTransport, err)
		return
	}
	covered := coverageBounds(existing)

	// Short-circuit when coverage equals the request exactly.
	if c, ok := covered.Get(); ok && c.Equal(req) {
		logger.Info().Msg("Window fully covered, completing without crawling")
		w.notifyDownstream(job, req, len(existing), emit)
		w.ack(env, emit)
		return
	}

	overlaps, err := w.locks.Overlap(ctx, job.Keyword, req)
	if err != nil {
		fail(constants.ReasonTransport, err)
		return
	}
	residuals := planResiduals(req, overlaps, covered)
	logger.Info().Int("residuals", len(residuals)).Msg("Crawl plan computed")

	// Residual sub-ranges run strictly sequentially; each holds its
	// range lock for exactly the duration of its crawl.
	var harvested []models.Tweet
	for _, r := range residuals {
		acquired, err := w.locks.Acquire(ctx, job.Keyword, r)
		if err != nil {
			fail(constants.ReasonTransport, err)
			return
		}
		if !acquired {
			logger.Info().Str("range", r.String()).Msg("Range locked elsewhere, skipping")
			continue
		}

		tweets, crawlErr := w.crawlLocked(ctx, job, r)

		if _, err := w.locks.Release(ctx, job.Keyword, r); err != nil {
			fail(constants.ReasonTransport, err)
			return
		}

		if crawlErr != nil {
			// One bad sub-range does not fail the job.
			logger.Warn().Err(crawlErr).
				Str("range", r.String()).
				Str("reason", constants.ReasonCrawlFailed).
				Msg("Sub-range crawl failed, continuing")
			continue
		}

		matched, err := filterByKeyword(tweets, job.Keyword)
		if err != nil {
			fail(constants.ReasonBadInput, err)
			return
		}
		logger.Info().
			Str("range", r.String()).
			Int("fetched", len(tweets)).
			Int("matched", len(matched)).
			Msg("Sub-range crawled")
		harvested = append(harvested, matched...)
	}

	// Hand the batch to the DB worker, then re-query so the
	// downstream notification reflects persisted state.
	persist, err := messaging.NewEnvelope(
		messaging.StatusCompleted,
		[]string{constants.DBWorkerName + "/create_new_data/" + job.ProjectID},
		messaging.PersistRequest{ProjectID: job.ProjectID, Keyword: job.Keyword, Data: harvested},
	)
	if err != nil {
		fail(constants.ReasonTransport, err)
		return
	}
	emit(persist)

	persisted, err := w.fetchCrawled(ctx, job, req, emit)
	if err != nil {
		fail(constants.ReasonTransport, err)
		return
	}

	w.notifyDownstream(job, req, len(persisted), emit)
	w.ack(env, emit)
	logger.Info().Int("harvested", len(harvested)).Msg("Job completed")
}

// crawlLocked invokes the external driver, converting panics into
// errors so a misbehaving driver cannot take the process down while a
// lock is held.
func (w *Worker) crawlLocked(ctx context.Context, job messaging.Job, r daterange.Range) (tweets []models.Tweet, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("crawl driver panicked: %v", rec)
		}
	}()
	return w.driver.Crawl(ctx, job.AccessToken, job.Keyword, r, w.opts.TargetCount)
}

// fetchCrawled round-trips a CrawledQuery through the DB worker.
func (w *Worker) fetchCrawled(ctx context.Context, job messaging.Job, req daterange.Range, emit messaging.Dispatch) ([]models.Tweet, error) {
	query, err := messaging.NewEnvelope(
		messaging.StatusPending,
		[]string{constants.DBWorkerName + "/get_crawled_data"},
		messaging.CrawledQuery{
			Keyword:   job.Keyword,
			StartDate: req.StartString(),
			EndDate:   req.EndString(),
		},
	)
	if err != nil {
		return nil, err
	}

	ch := w.correlator.expect(query.MessageID)
	emit(query)

	select {
	case fetched := <-ch:
		return fetched.Data, nil
	case <-time.After(w.opts.RequestTimeout):
		w.correlator.forget(query.MessageID)
		return nil, fmt.Errorf("timed out waiting for crawled data after %s", w.opts.RequestTimeout)
	case <-ctx.Done():
		w.correlator.forget(query.MessageID)
		return nil, ctx.Err()
	}
}

// notifyDownstream publishes the job outcome through the gateway: the
// minimal result payload on success, a compensation-bound failure when
// the whole job produced no records.
func (w *Worker) notifyDownstream(job messaging.Job, req daterange.Range, recordCount int, emit messaging.Dispatch) {
	result := messaging.JobResult{
		ProjectID: job.ProjectID,
		Keyword:   job.Keyword,
		StartDate: req.StartString(),
		EndDate:   req.EndString(),
	}

	status := messaging.StatusCompleted
	reason := ""
	if recordCount == 0 {
		status = messaging.StatusFailed
		reason = constants.ReasonNoTweetFound
	}

	notify, err := messaging.NewEnvelope(status, []string{constants.BrokerGatewayName + "/produce_data/" + job.ProjectID}, result)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build downstream notification")
		return
	}
	emit(notify.WithReason(reason))
}

// ack reports job completion to the supervisor so the pending entry is
// cleared.
func (w *Worker) ack(env messaging.Envelope, emit messaging.Dispatch) {
	ack, err := env.Reply(messaging.StatusCompleted, []string{constants.SupervisorName + "/ack"}, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build completion ack")
		return
	}
	emit(ack)
}
