package dbworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medialens/tweet-harvest-service/common/constants"
	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/messaging"
	"github.com/medialens/tweet-harvest-service/common/models"
)

var errStoreDown = errors.New("store down")

// fakeStore is an in-memory TweetStore.
type fakeStore struct {
	mu      sync.Mutex
	tweets  map[string]models.Tweet
	fail    bool
	inserts int
	block   chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{tweets: make(map[string]models.Tweet)}
}

func (s *fakeStore) InsertTweets(ctx context.Context, tweets []models.Tweet) ([]string, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errStoreDown
	}
	s.inserts++
	var inserted []string
	for _, t := range tweets {
		if _, ok := s.tweets[t.ID]; ok {
			continue
		}
		s.tweets[t.ID] = t
		inserted = append(inserted, t.ID)
	}
	return inserted, nil
}

func (s *fakeStore) SearchTweets(ctx context.Context, keyword string, window daterange.Range) ([]models.Tweet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errStoreDown
	}
	var out []models.Tweet
	for _, t := range s.tweets {
		if window.Contains(t.CreatedAt.Time) {
			out = append(out, t)
		}
	}
	return out, nil
}

func storedTweet(id, text, day string) models.Tweet {
	created, err := time.Parse(daterange.Layout, day)
	if err != nil {
		panic(err)
	}
	return models.Tweet{ID: id, FullText: text, CreatedAt: models.TweetTime{Time: created}}
}

func collectUntilAck(t *testing.T, out <-chan messaging.Envelope, requestID string) []messaging.Envelope {
	t.Helper()
	var envs []messaging.Envelope
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-out:
			envs = append(envs, e)
			dest, err := e.FirstDestination()
			if err != nil {
				t.Fatal(err)
			}
			if dest.Worker == constants.SupervisorName && e.MessageID == requestID {
				return envs
			}
		case <-deadline:
			t.Fatal("operation never acked")
		}
	}
}

func TestCreateNewData(t *testing.T) {
	store := newFakeStore()
	w := New(store, nil)

	batch := []models.Tweet{
		storedTweet("1", "banjir", "2024-01-02"),
		storedTweet("2", "banjir lagi", "2024-01-03"),
	}
	env, err := messaging.NewEnvelope(
		messaging.StatusCompleted,
		[]string{constants.DBWorkerName + "/create_new_data/proj-1"},
		messaging.PersistRequest{ProjectID: "proj-1", Keyword: "banjir", Data: batch},
	)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan messaging.Envelope, 8)
	if err := w.Handle(context.Background(), env, func(e messaging.Envelope) { out <- e }); err != nil {
		t.Fatal(err)
	}

	envs := collectUntilAck(t, out, env.MessageID)

	var result messaging.Envelope
	found := false
	for _, e := range envs {
		dest, _ := e.FirstDestination()
		if dest.Worker == constants.BrokerGatewayName {
			result = e
			found = true
		}
	}
	if !found {
		t.Fatal("no result envelope toward the gateway")
	}
	dest, _ := result.FirstDestination()
	if dest.Method != "produce_data" || dest.Param != "proj-1" {
		t.Errorf("unexpected result destination %s", dest)
	}
	decoded, err := messaging.DecodeData[messaging.PersistResult](result)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.InsertedIDs) != 2 {
		t.Errorf("expected 2 inserted ids, got %v", decoded.InsertedIDs)
	}
	if decoded.RequestID != env.MessageID {
		t.Error("result does not reference the request")
	}
}

func TestCreateNewDataToleratesDuplicates(t *testing.T) {
	store := newFakeStore()
	store.tweets["1"] = storedTweet("1", "banjir", "2024-01-02")
	w := New(store, nil)

	env, err := messaging.NewEnvelope(
		messaging.StatusCompleted,
		[]string{constants.DBWorkerName + "/create_new_data/proj-1"},
		messaging.PersistRequest{ProjectID: "proj-1", Data: []models.Tweet{
			storedTweet("1", "banjir", "2024-01-02"),
			storedTweet("2", "banjir", "2024-01-03"),
		}},
	)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan messaging.Envelope, 8)
	if err := w.Handle(context.Background(), env, func(e messaging.Envelope) { out <- e }); err != nil {
		t.Fatal(err)
	}
	envs := collectUntilAck(t, out, env.MessageID)

	for _, e := range envs {
		dest, _ := e.FirstDestination()
		if dest.Worker == constants.BrokerGatewayName {
			decoded, err := messaging.DecodeData[messaging.PersistResult](e)
			if err != nil {
				t.Fatal(err)
			}
			if len(decoded.InsertedIDs) != 1 || decoded.InsertedIDs[0] != "2" {
				t.Errorf("expected only the new id inserted, got %v", decoded.InsertedIDs)
			}
			return
		}
	}
	t.Fatal("no result envelope emitted")
}

func TestCreateNewDataEmptyBatchIsNoop(t *testing.T) {
	store := newFakeStore()
	w := New(store, nil)

	env, err := messaging.NewEnvelope(
		messaging.StatusCompleted,
		[]string{constants.DBWorkerName + "/create_new_data/proj-1"},
		messaging.PersistRequest{ProjectID: "proj-1"},
	)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan messaging.Envelope, 8)
	if err := w.Handle(context.Background(), env, func(e messaging.Envelope) { out <- e }); err != nil {
		t.Fatal(err)
	}
	envs := collectUntilAck(t, out, env.MessageID)

	if store.inserts != 0 {
		t.Errorf("empty batch must not hit the store, got %d inserts", store.inserts)
	}
	last := envs[len(envs)-1]
	if last.Status != messaging.StatusCompleted {
		t.Errorf("empty batch must complete, got %s (%s)", last.Status, last.Reason)
	}
}

func TestGetCrawledData(t *testing.T) {
	store := newFakeStore()
	store.tweets["1"] = storedTweet("1", "banjir", "2024-01-02")
	store.tweets["2"] = storedTweet("2", "banjir", "2024-03-01")
	w := New(store, nil)

	env, err := messaging.NewEnvelope(
		messaging.StatusPending,
		[]string{constants.DBWorkerName + "/get_crawled_data"},
		messaging.CrawledQuery{Keyword: "banjir", StartDate: "2024-01-01", EndDate: "2024-01-31"},
	)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan messaging.Envelope, 8)
	if err := w.Handle(context.Background(), env, func(e messaging.Envelope) { out <- e }); err != nil {
		t.Fatal(err)
	}
	envs := collectUntilAck(t, out, env.MessageID)

	for _, e := range envs {
		dest, _ := e.FirstDestination()
		if dest.Worker == constants.CrawlWorkerName && dest.Method == "on_fetched_data" {
			fetched, err := messaging.DecodeData[messaging.FetchedData](e)
			if err != nil {
				t.Fatal(err)
			}
			if fetched.RequestID != env.MessageID {
				t.Error("response does not reference the query")
			}
			if len(fetched.Data) != 1 || fetched.Data[0].ID != "1" {
				t.Errorf("expected only the in-window tweet, got %v", fetched.Data)
			}
			return
		}
	}
	t.Fatal("no fetched-data response emitted")
}

func TestStoreFailureFailsWithTransport(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	w := New(store, nil)

	env, err := messaging.NewEnvelope(
		messaging.StatusPending,
		[]string{constants.DBWorkerName + "/get_crawled_data"},
		messaging.CrawledQuery{Keyword: "banjir", StartDate: "2024-01-01", EndDate: "2024-01-31"},
	)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan messaging.Envelope, 8)
	if err := w.Handle(context.Background(), env, func(e messaging.Envelope) { out <- e }); err != nil {
		t.Fatal(err)
	}
	envs := collectUntilAck(t, out, env.MessageID)

	last := envs[len(envs)-1]
	if last.Status != messaging.StatusFailed || last.Reason != constants.ReasonTransport {
		t.Errorf("expected TRANSPORT failure, got %s (%s)", last.Status, last.Reason)
	}
}

func TestBusyRejectsSecondRequest(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	w := New(store, nil)

	first, err := messaging.NewEnvelope(
		messaging.StatusCompleted,
		[]string{constants.DBWorkerName + "/create_new_data/proj-1"},
		messaging.PersistRequest{ProjectID: "proj-1", Data: []models.Tweet{storedTweet("1", "x", "2024-01-01")}},
	)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan messaging.Envelope, 8)
	emit := func(e messaging.Envelope) { out <- e }
	if err := w.Handle(context.Background(), first, emit); err != nil {
		t.Fatal(err)
	}

	// The busy flag is already set when Handle returns; the pause lets
	// the operation goroutine reach the blocked store call before a
	// second request arrives.
	time.Sleep(20 * time.Millisecond)

	second, err := messaging.NewEnvelope(
		messaging.StatusPending,
		[]string{constants.DBWorkerName + "/get_crawled_data"},
		messaging.CrawledQuery{Keyword: "x", StartDate: "2024-01-01", EndDate: "2024-01-02"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Handle(context.Background(), second, emit); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-out:
			if e.Reason == constants.ReasonServerBusy {
				if e.MessageID != second.MessageID {
					t.Error("busy reject must reuse the rejected message id")
				}
				close(store.block)
				return
			}
		case <-deadline:
			t.Fatal("busy reject never emitted")
		}
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	w := New(newFakeStore(), nil)
	env, err := messaging.NewEnvelope(messaging.StatusCompleted, []string{constants.DBWorkerName + "/drop_tables"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Handle(context.Background(), env, func(messaging.Envelope) {}); err == nil {
		t.Error("expected error for unknown method")
	}
}
