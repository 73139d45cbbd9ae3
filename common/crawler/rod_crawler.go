package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/models"
)

const searchBaseURL = "https://x.com/search"

// collectTweetsJS reads the rendered timeline articles into the wire
// tweet shape. Runs inside the page so virtualized rows are captured
// before the timeline recycles them.
const collectTweetsJS = `() => {
	const articles = document.querySelectorAll('article[data-testid="tweet"]');
	const out = [];
	for (const a of articles) {
		const link = a.querySelector('a[href*="/status/"]');
		const text = a.querySelector('div[data-testid="tweetText"]');
		const time = a.querySelector('time');
		if (!link || !time) continue;
		const parts = link.getAttribute('href').split('/');
		out.push({
			id_str: parts[parts.length - 1],
			username: parts.length > 1 ? parts[1] : '',
			full_text: text ? text.innerText : '',
			created_at: time.getAttribute('datetime'),
		});
	}
	return JSON.stringify(out);
}`

// RodCrawler implements Crawler with a headless browser over the
// public search timeline, using the since:/until: date operators.
type RodCrawler struct {
	cfg     Config
	browser *rod.Browser
}

// NewRodCrawler creates an unconnected driver; call Setup before use.
func NewRodCrawler(cfg Config) *RodCrawler {
	return &RodCrawler{cfg: cfg}
}

// Setup connects the browser.
func (c *RodCrawler) Setup(ctx context.Context) error {
	browser := rod.New().Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connecting browser: %w", err)
	}
	c.browser = browser
	log.Info().Msg("Crawl browser connected")
	return nil
}

// Teardown closes the browser.
func (c *RodCrawler) Teardown(ctx context.Context) error {
	if c.browser == nil {
		return nil
	}
	return c.browser.Close()
}

// searchURL builds the live-search URL for one sub-range. The until:
// operator is exclusive, so the window end is pushed one day forward.
func searchURL(keyword string, window daterange.Range) string {
	query := fmt.Sprintf("%s since:%s until:%s",
		keyword,
		window.StartString(),
		window.End.AddDate(0, 0, 1).Format(daterange.Layout),
	)
	return searchBaseURL + "?f=live&q=" + url.QueryEscape(query)
}

// Crawl scrolls the search timeline until targetCount tweets are
// collected or the timeline stops growing.
func (c *RodCrawler) Crawl(ctx context.Context, accessToken, keyword string, window daterange.Range, targetCount int) ([]models.Tweet, error) {
	if c.browser == nil {
		return nil, fmt.Errorf("crawler is not set up")
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	crawlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if accessToken != "" {
		err := c.browser.SetCookies([]*proto.NetworkCookieParam{{
			Name:   "auth_token",
			Value:  accessToken,
			Domain: ".x.com",
			Path:   "/",
			Secure: true,
		}})
		if err != nil {
			return nil, fmt.Errorf("setting auth cookie: %w", err)
		}
	}

	page, err := c.browser.Page(proto.TargetCreateTarget{URL: searchURL(keyword, window)})
	if err != nil {
		return nil, fmt.Errorf("opening search page: %w", err)
	}
	page = page.Context(crawlCtx)
	defer func() {
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close search page")
		}
	}()

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("waiting for search page: %w", err)
	}

	seen := make(map[string]models.Tweet)
	stalled := 0
	for len(seen) < targetCount && stalled < c.cfg.RetryAttempts {
		batch, err := c.collect(page)
		if err != nil {
			return nil, err
		}

		grew := false
		for _, t := range batch {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			if !window.Contains(t.CreatedAt.Time) {
				continue
			}
			seen[t.ID] = t
			grew = true
			if len(seen) >= targetCount {
				break
			}
		}

		if grew {
			stalled = 0
		} else {
			stalled++
		}

		if err := page.Mouse.Scroll(0, 2000, 4); err != nil {
			return nil, fmt.Errorf("scrolling timeline: %w", err)
		}
		select {
		case <-crawlCtx.Done():
			return nil, crawlCtx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}

	tweets := make([]models.Tweet, 0, len(seen))
	for _, t := range seen {
		tweets = append(tweets, t)
	}
	log.Info().
		Str("keyword", keyword).
		Str("window", window.String()).
		Int("tweets", len(tweets)).
		Msg("Sub-range crawl finished")
	return tweets, nil
}

// collect evaluates the extraction script and decodes its output.
func (c *RodCrawler) collect(page *rod.Page) ([]models.Tweet, error) {
	result, err := page.Eval(collectTweetsJS)
	if err != nil {
		return nil, fmt.Errorf("evaluating extraction script: %w", err)
	}

	var tweets []models.Tweet
	if err := json.Unmarshal([]byte(result.Value.Str()), &tweets); err != nil {
		return nil, fmt.Errorf("decoding extracted tweets: %w", err)
	}
	return tweets, nil
}
