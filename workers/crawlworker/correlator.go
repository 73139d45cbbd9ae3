package crawlworker

import (
	"sync"

	"github.com/medialens/tweet-harvest-service/common/messaging"
)

// Correlator matches DB worker responses to outstanding requests by
// the request's message id. One correlator is shared by every crawl
// worker instance of a supervisor, because the supervisor may deliver
// a response to any live instance of the class.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]chan messaging.FetchedData
}

// NewCorrelator creates an empty correlation table.
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[string]chan messaging.FetchedData)}
}

// expect registers interest in a response for requestID. The returned
// channel receives at most one value.
func (c *Correlator) expect(requestID string) chan messaging.FetchedData {
	ch := make(chan messaging.FetchedData, 1)
	c.mu.Lock()
	c.waiters[requestID] = ch
	c.mu.Unlock()
	return ch
}

// forget drops the registration, used after timeout.
func (c *Correlator) forget(requestID string) {
	c.mu.Lock()
	delete(c.waiters, requestID)
	c.mu.Unlock()
}

// resolve hands a response to the waiter, if one is still registered.
func (c *Correlator) resolve(data messaging.FetchedData) bool {
	c.mu.Lock()
	ch, ok := c.waiters[data.RequestID]
	if ok {
		delete(c.waiters, data.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- data
	return true
}
