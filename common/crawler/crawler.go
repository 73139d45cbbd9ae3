package crawler

import (
	"context"
	"time"

	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/models"
)

// Crawler is the external harvesting capability. Implementations fetch
// up to targetCount tweets matching the keyword inside the window. A
// zero-length result is a valid outcome, not an error.
type Crawler interface {
	Crawl(ctx context.Context, accessToken, keyword string, window daterange.Range, targetCount int) ([]models.Tweet, error)
}

// Config holds driver tuning shared by crawler implementations.
type Config struct {
	BrowserFlags   []string
	ProxyURL       string
	RetryAttempts  int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	UserAgent      string
}

// DefaultConfig returns the default driver configuration. The request
// timeout must stay below the range-lock TTL or mutual exclusion
// degrades to best effort.
func DefaultConfig() Config {
	return Config{
		BrowserFlags:   []string{"--no-sandbox", "--disable-setuid-sandbox", "--disable-gpu"},
		RetryAttempts:  3,
		RetryDelay:     time.Second * 2,
		RequestTimeout: time.Minute * 30,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	}
}
